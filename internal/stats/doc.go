// Package stats keeps per-identity connection and traffic statistics.
//
// A Registry is the only shared mutable state of the proxy. Sessions report
// acceptance and teardown to it; reporting and metrics consume read-only
// snapshots.
package stats
