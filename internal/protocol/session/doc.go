// Package session owns bus transport helpers shared by the director and its
// participants.
//
// Ownership boundary:
// - connect/write timeouts and send queue sizing
// - TLS/mTLS policy and tls.Config construction
// - retry backoff
// - request continuations keyed by context id
package session
