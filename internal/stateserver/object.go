package stateserver

import (
	"bytes"
	"slices"

	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/protocol"
)

// Reserved zones.
const (
	// QuietZone parks objects that should not see anything yet.
	QuietZone uint32 = 1
	// UberZone is visible from every zone under the same parent.
	UberZone uint32 = 2
)

// Object is one live distributed object.
type Object struct {
	DoID   protocol.Channel
	Class  *dclass.Class
	Parent protocol.Channel
	Zone   uint32
	Owner  protocol.Channel

	// Required holds every required field; missing ones are filled with
	// schema defaults at generate time.
	Required map[uint16][]byte
	Ram      map[uint16][]byte

	GeneratedWithOther bool
}

func newObject(doID protocol.Channel, class *dclass.Class, parent protocol.Channel, zone uint32) *Object {
	return &Object{
		DoID:     doID,
		Class:    class,
		Parent:   parent,
		Zone:     zone,
		Required: make(map[uint16][]byte),
		Ram:      make(map[uint16][]byte),
	}
}

// CoVisible reports whether o and x can see each other.
func (o *Object) CoVisible(x *Object) bool {
	if o == x || o.DoID == x.DoID || o.Parent != x.Parent {
		return false
	}
	return o.Zone == x.Zone || o.Zone == UberZone || x.Zone == UberZone
}

// Value returns the stored packed value of field n.
func (o *Object) Value(n uint16) ([]byte, bool) {
	if v, ok := o.Required[n]; ok {
		return v, true
	}
	v, ok := o.Ram[n]
	return v, ok
}

// store keeps v when f is required or ram and reports whether it did.
func (o *Object) store(f *dclass.Field, v []byte) bool {
	switch {
	case f.Is(dclass.KeywordRequired):
		o.Required[f.Number] = bytes.Clone(v)
	case f.Is(dclass.KeywordRAM):
		o.Ram[f.Number] = bytes.Clone(v)
	default:
		return false
	}
	return true
}

func (o *Object) fillDefaults() {
	for _, f := range o.Class.RequiredFields() {
		if _, ok := o.Required[f.Number]; !ok {
			o.Required[f.Number] = bytes.Clone(f.Default)
		}
	}
}

// audience selects which ram fields a snapshot carries.
type audience uint8

const (
	audienceObserver audience = iota
	audienceAI
	audienceOwner
)

func (a audience) wants(f *dclass.Field) bool {
	switch a {
	case audienceAI:
		return true
	case audienceOwner:
		return f.Is(dclass.KeywordBroadcast) || f.Is(dclass.KeywordOwnRecv)
	default:
		return f.Is(dclass.KeywordBroadcast)
	}
}

func (a audience) msgType(other bool) protocol.MsgType {
	switch a {
	case audienceAI:
		if other {
			return protocol.MsgEnterAIWithRequiredOther
		}
		return protocol.MsgEnterAIWithRequired
	case audienceOwner:
		if other {
			return protocol.MsgEnterOwnerWithRequiredOther
		}
		return protocol.MsgEnterOwnerWithRequired
	default:
		if other {
			return protocol.MsgEnterLocationWithRequiredOther
		}
		return protocol.MsgEnterLocationWithRequired
	}
}

// snapshot packs [doId][parent][zone][class][count]{[field][value]} with
// every required field and the ram fields a wants, ascending by field
// number. The returned type is the Other variant when the object was
// generated with other fields or any ram field made it in.
func (o *Object) snapshot(a audience) (protocol.MsgType, []byte) {
	type entry struct {
		n uint16
		v []byte
	}
	var fields []entry
	other := o.GeneratedWithOther
	for _, f := range o.Class.Fields() {
		if v, ok := o.Required[f.Number]; ok {
			fields = append(fields, entry{f.Number, v})
			continue
		}
		if v, ok := o.Ram[f.Number]; ok && a.wants(f) {
			fields = append(fields, entry{f.Number, v})
			other = true
		}
	}

	dg := protocol.NewDatagram()
	dg.AddChannel(o.DoID)
	dg.AddChannel(o.Parent)
	dg.AddUint32(o.Zone)
	dg.AddUint16(o.Class.Number)
	dg.AddUint16(uint16(len(fields)))
	for _, e := range fields {
		dg.AddUint16(e.n)
		dg.AddData(e.v)
	}
	return a.msgType(other), dg.Bytes()
}

// ObjectInfo is an admin snapshot row.
type ObjectInfo struct {
	DoID   protocol.Channel  `json:"do_id"`
	Class  string            `json:"class"`
	Parent protocol.Channel  `json:"parent"`
	Zone   uint32            `json:"zone"`
	Owner  protocol.Channel  `json:"owner"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (o *Object) info(withFields bool) ObjectInfo {
	out := ObjectInfo{
		DoID:   o.DoID,
		Class:  o.Class.Name,
		Parent: o.Parent,
		Zone:   o.Zone,
		Owner:  o.Owner,
	}
	if !withFields {
		return out
	}
	out.Fields = make(map[string]string)
	for _, f := range o.Class.Fields() {
		if v, ok := o.Value(f.Number); ok {
			out.Fields[f.Name] = f.Format(v)
		}
	}
	return out
}

func sortedChannels(set map[protocol.Channel]struct{}) []protocol.Channel {
	out := make([]protocol.Channel, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}
