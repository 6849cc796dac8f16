package stateserver

import (
	"fmt"

	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/protocol"
)

// handleUpdateField: [doId][field:u16][value].
func (s *Server) handleUpdateField(env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	doID, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	n, err := it.Uint16()
	if err != nil {
		return malformed(err)
	}
	o, err := s.lookup(doID)
	if err != nil {
		return err
	}
	f, _ := o.Class.Field(n)
	kind := s.senderKind(env.Sender)
	if err := Authorize(kind, f, env.Sender, o.Owner); err != nil {
		if f == nil {
			return fmt.Errorf("%w: class=%s field=%d", err, o.Class.Name, n)
		}
		return err
	}
	v, err := f.Read(it)
	if err != nil {
		return malformed(err)
	}
	if err := it.Done(); err != nil {
		return malformed(err)
	}

	o.store(f, v)
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	dg.AddUint16(n)
	dg.AddData(v)
	s.emit(s.updateRecipients(o, f, kind, env.Sender), doID, protocol.MsgUpdateField, dg.Bytes())
	return nil
}

// updateRecipients: broadcast fields reach the owner, every observer and
// the parent; anything else goes to the owner when a shard set it and to the
// parent otherwise. The sender never hears its own update.
func (s *Server) updateRecipients(o *Object, f *dclass.Field, kind SenderKind, sender protocol.Channel) []protocol.Channel {
	set := make(map[protocol.Channel]struct{})
	switch {
	case f.Is(dclass.KeywordBroadcast):
		for _, c := range s.observers(o) {
			set[c] = struct{}{}
		}
		set[o.Owner] = struct{}{}
		set[o.Parent] = struct{}{}
	case kind == SenderShard:
		set[o.Owner] = struct{}{}
	default:
		set[o.Parent] = struct{}{}
	}
	delete(set, 0)
	delete(set, sender)
	return sortedChannels(set)
}

// handleGetAll: [context:u32][doId] answered with
// [context][doId][parent][zone][class][count]{[field][value]} holding every
// stored field.
func (s *Server) handleGetAll(env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	ctxID, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	doID, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	o, err := s.lookup(doID)
	if err != nil {
		return err
	}
	_, snap := o.snapshot(audienceAI)
	dg := protocol.NewDatagram()
	dg.AddUint32(ctxID)
	dg.AddData(snap)
	s.emitOne(env.Sender, doID, protocol.MsgGetAllResp, dg.Bytes())
	return nil
}

// handleGetField: [context:u32][doId][field:u16] answered with
// [context][ok:u8]([field][value]).
func (s *Server) handleGetField(env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	ctxID, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	doID, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	n, err := it.Uint16()
	if err != nil {
		return malformed(err)
	}

	dg := protocol.NewDatagram()
	dg.AddUint32(ctxID)
	var v []byte
	ok := false
	if o, found := s.objects[doID]; found {
		v, ok = o.Value(n)
	}
	if ok {
		dg.AddBool(true)
		dg.AddUint16(n)
		dg.AddData(v)
	} else {
		dg.AddBool(false)
	}
	s.emitOne(env.Sender, doID, protocol.MsgGetFieldResp, dg.Bytes())
	return nil
}
