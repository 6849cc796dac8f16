// Package shard is the game-logic side of the object registry.
//
// A shard owns a channel in the shard range, registers itself with the
// state server and arms a RemoveShard post-remove so its objects die with
// it. The Repository generates objects from the shard's own id range,
// drives them (field updates, zone moves, hand-offs, deletes) and keeps a
// local view of every object parented to the shard, fed by the state
// server's enter, update and delete notifications.
package shard
