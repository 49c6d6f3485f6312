// Package auth implements the proxy credential gate.
//
// Gate is a pure decision function over an identity Directory and the
// current connection counts; it never changes either.
package auth
