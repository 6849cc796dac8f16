// Package protocol owns the bus wire contract and parsing primitives.
//
// Ownership boundary:
// - channel addressing and reserved channel ranges
// - message type codes for bus control and component traffic
// - little-endian datagram building and iteration
// - routed envelope encode/decode
//
// Stream framing lives in protocol/frame; transport timeouts, backoff and
// request continuations live in protocol/session.
package protocol
