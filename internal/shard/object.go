package shard

import (
	"fmt"
	"maps"
	"slices"

	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/protocol"
)

// Object is the shard's copy of one distributed object.
type Object struct {
	DoID   protocol.Channel
	Class  *dclass.Class
	Parent protocol.Channel
	Zone   uint32
	// Fields holds the last packed value seen per field number.
	Fields map[uint16][]byte
}

func (o *Object) clone() Object {
	out := *o
	out.Fields = maps.Clone(o.Fields)
	return out
}

// Value unpacks the named field.
func (o Object) Value(name string) ([]any, bool) {
	f, ok := o.Class.FieldByName(name)
	if !ok {
		return nil, false
	}
	v, ok := o.Fields[f.Number]
	if !ok {
		return nil, false
	}
	vals, err := f.Unpack(v)
	if err != nil {
		return nil, false
	}
	return vals, true
}

// readSnapshot parses [doId][parent][zone][class][count]{[field][value]}.
func readSnapshot(reg *dclass.Registry, it *protocol.Iterator) (*Object, error) {
	doID, err := it.Channel()
	if err != nil {
		return nil, malformed(err)
	}
	parent, err := it.Channel()
	if err != nil {
		return nil, malformed(err)
	}
	zone, err := it.Uint32()
	if err != nil {
		return nil, malformed(err)
	}
	classNum, err := it.Uint16()
	if err != nil {
		return nil, malformed(err)
	}
	count, err := it.Uint16()
	if err != nil {
		return nil, malformed(err)
	}
	class, ok := reg.Class(classNum)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownClass, classNum)
	}
	o := &Object{DoID: doID, Class: class, Parent: parent, Zone: zone, Fields: make(map[uint16][]byte, count)}
	for range count {
		n, err := it.Uint16()
		if err != nil {
			return nil, malformed(err)
		}
		f, ok := class.Field(n)
		if !ok {
			return nil, fmt.Errorf("%w: class=%s field=%d", ErrUnknownField, class.Name, n)
		}
		v, err := f.Read(it)
		if err != nil {
			return nil, malformed(err)
		}
		o.Fields[n] = append([]byte(nil), v...)
	}
	if err := it.Done(); err != nil {
		return nil, malformed(err)
	}
	return o, nil
}

// ObjectInfo is an admin row with formatted fields.
type ObjectInfo struct {
	DoID   protocol.Channel  `json:"do_id"`
	Class  string            `json:"class"`
	Parent protocol.Channel  `json:"parent"`
	Zone   uint32            `json:"zone"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (o *Object) info() ObjectInfo {
	out := ObjectInfo{DoID: o.DoID, Class: o.Class.Name, Parent: o.Parent, Zone: o.Zone}
	if len(o.Fields) > 0 {
		out.Fields = make(map[string]string, len(o.Fields))
		for _, n := range slices.Sorted(maps.Keys(o.Fields)) {
			if f, ok := o.Class.Field(n); ok {
				out.Fields[f.Name] = f.Format(o.Fields[n])
			}
		}
	}
	return out
}
