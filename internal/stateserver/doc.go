// Package stateserver is the authoritative registry of live distributed
// objects.
//
// Ownership boundary:
// - the server owns the object and shard tables and every object-id channel
// - shards own object logic; the registry only tracks where objects live
// - owners (usually gateway client channels) get full visibility of their
//   object and may mutate ownsend fields
//
// Interest model:
// - an object's location is (parent shard channel, zone)
// - two objects are co-visible when they share a parent and either share a
//   zone or one of them sits in UberZone
// - the observers of an object are the owners of its co-visible objects
//
// Every inbound message is handled to completion under one mutex, so no
// handler ever sees another handler's partial interest update. Outbound
// messages are sent in handler order through a non-owning Bus handle.
package stateserver
