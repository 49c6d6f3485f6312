package auth

import (
	"errors"
	"fmt"
)

// Reason classifies an authentication rejection.
type Reason int

const (
	Missing Reason = iota + 1
	TypeInvalid
	CredentialMalformed
	UnknownIdentity
	Disabled
	WrongSecret
	IPNotAllowed
	ConnectionLimitExceeded
)

var reasonNames = map[Reason]string{
	Missing:                 "missing credentials",
	TypeInvalid:             "unsupported auth type",
	CredentialMalformed:     "malformed credentials",
	UnknownIdentity:         "unknown identity",
	Disabled:                "identity disabled",
	WrongSecret:             "wrong secret",
	IPNotAllowed:            "client address not allowed",
	ConnectionLimitExceeded: "connection limit exceeded",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ErrAuth matches every *Error with errors.Is.
var ErrAuth = errors.New("proxy authentication failed")

// Error is an authentication rejection. The reason is meant for local logs;
// clients only ever see a generic 407.
type Error struct {
	Reason   Reason
	Identity string
}

func (e *Error) Error() string {
	if e.Identity == "" {
		return e.Reason.String()
	}
	return fmt.Sprintf("%s (%s)", e.Reason, e.Identity)
}

func (e *Error) Is(target error) bool {
	return target == ErrAuth
}

func reject(r Reason, identity string) error {
	return &Error{Reason: r, Identity: identity}
}
