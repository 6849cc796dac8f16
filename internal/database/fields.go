package database

import (
	"bytes"
	"fmt"

	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/protocol"
)

// readFields parses count [field][value] pairs, checking each field
// belongs to cls and is persisted.
func readFields(cls *dclass.Class, it *protocol.Iterator, count uint16) (Fields, error) {
	out := make(Fields, count)
	for range count {
		f, err := readField(cls, it)
		if err != nil {
			return nil, err
		}
		v, err := f.Read(it)
		if err != nil {
			return nil, malformed(err)
		}
		out[f.Number] = bytes.Clone(v)
	}
	return out, nil
}

func readField(cls *dclass.Class, it *protocol.Iterator) (*dclass.Field, error) {
	n, err := it.Uint16()
	if err != nil {
		return nil, malformed(err)
	}
	f, ok := cls.Field(n)
	if !ok {
		return nil, fmt.Errorf("%w: class=%s field=%d", ErrMalformed, cls.Name, n)
	}
	if !f.Is(dclass.KeywordDB) {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotStored, cls.Name, f.Name)
	}
	return f, nil
}

// writeFields appends [count]{[field][value]} ascending by field number.
func writeFields(dg *protocol.Datagram, fields Fields) {
	dg.AddUint16(uint16(len(fields)))
	for _, n := range fields.Numbers() {
		dg.AddUint16(n)
		dg.AddData(fields[n])
	}
}

// withDefaults fills persisted required fields the caller left out.
func withDefaults(cls *dclass.Class, fields Fields) Fields {
	for _, f := range cls.RequiredFields() {
		if !f.Is(dclass.KeywordDB) {
			continue
		}
		if _, ok := fields[f.Number]; !ok {
			fields[f.Number] = bytes.Clone(f.Default)
		}
	}
	return fields
}
