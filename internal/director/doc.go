// Package director owns the channel bus (message director).
//
// Ownership boundary:
// - participant lifecycle (attach, read/write loops, idempotent teardown)
// - channel table (1:1 channel to participant)
// - exact-match routing with verbatim forwarding
// - post-remove registration and exactly-once replay on disconnect
// - TCP/TLS accept loop and admin snapshot
//
// The director never blocks on a participant: each participant has a bounded
// send queue drained by its own writer, and a full queue or failed write
// tears that participant down instead of back-pressuring the router.
package director
