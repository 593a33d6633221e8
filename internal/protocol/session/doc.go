// Package session holds per-endpoint transport settings shared by the relay's
// egress sessions and its ingress listener.
//
// Ownership boundary:
// - timeouts, echo cadence and in-flight limits
// - transport security policy and tls.Config builders
// - reconnect backoff
// - reversal store-and-forward outbox
package session
