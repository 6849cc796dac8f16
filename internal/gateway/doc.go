// Package gateway terminates external client connections and speaks for
// them on the bus.
//
// Each websocket client gets a connection channel from the reserved range
// and a session that walks an explicit state machine: login, avatar
// selection, then play. While a session waits on the persistence service it
// sits in a waiting state until the correlated response resumes it.
//
// Once playing, registry notifications addressed to the client channel are
// translated to the client protocol, and client updates are forwarded to
// the state server with the client channel as sender. The avatar is
// destroyed on disconnect, either by the gateway or, if the gateway itself
// dies, by the post-remove it registered with the director.
package gateway
