// Package database is the persistence service: a bus participant on
// DatabaseChannel that stores schema objects as field maps, plus the
// continuation-based client other processes use to reach it.
//
// Ownership boundary:
//   - Store implementations own durability and id allocation.
//   - Server owns wire parsing and schema validation of field values.
//   - Client owns request context ids; responses for unknown ids are dropped.
package database
