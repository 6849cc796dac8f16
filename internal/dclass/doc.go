// Package dclass owns the distributed object schema registry.
//
// Ownership boundary:
// - TOML schema loading and load-time validation
// - class/field numbering and inheritance
// - field keyword sets and parameter encodings
// - value packing, unpacking and in-stream validation
//
// Field numbers are dense and global in declaration order. A field inherited
// from a parent class keeps the parent's number, so every class's field
// table sorts consistently by number.
package dclass
