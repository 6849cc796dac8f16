package stateserver

import (
	"fmt"

	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

// relocation customizes the two points of a move that differ between
// SetZone and SetAI.
type relocation struct {
	// notifyOld runs after the owner's uber-zone snapshot.
	notifyOld func(oldParent protocol.Channel, oldZone uint32)
	// ack runs after the owner's new-zone snapshot.
	ack func(oldParent protocol.Channel, oldZone uint32)
}

// relocate moves o. Observers at the old location lose o before anyone at
// the new location learns of it, and o's owner receives its complete new
// surroundings before the acknowledgement.
func (s *Server) relocate(o *Object, parent protocol.Channel, zone uint32, r relocation) {
	oldParent, oldZone := o.Parent, o.Zone

	s.withdraw(o)
	s.move(o, parent, zone)
	if o.Owner != 0 {
		s.sendUberZone(o, o.Owner)
	}
	if r.notifyOld != nil {
		r.notifyOld(oldParent, oldZone)
	}
	if o.Owner != 0 {
		s.sendZone(o, o.Owner)
	}
	if r.ack != nil {
		r.ack(oldParent, oldZone)
	}
	s.announce(o)
}

// handleSetZone: [doId][parent][zone:u32]. Parent 0 keeps the current one.
func (s *Server) handleSetZone(env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	doID, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	parent, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	zone, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	o, err := s.lookup(doID)
	if err != nil {
		return err
	}
	shard := s.senderKind(env.Sender) == SenderShard
	if !shard && (o.Owner == 0 || env.Sender != o.Owner) {
		return fmt.Errorf("%w: set zone do_id=%d sender=%d", ErrForbidden, doID, env.Sender)
	}
	if parent == 0 {
		parent = o.Parent
	}
	// Owners move within their shard; only shards hand objects across.
	if parent != o.Parent {
		if !shard {
			return fmt.Errorf("%w: set zone do_id=%d sender=%d parent=%d", ErrForbidden, doID, env.Sender, parent)
		}
		if err := s.requireShard(parent); err != nil {
			return err
		}
	}

	ack := func(_ protocol.Channel, oldZone uint32) {
		dg := protocol.NewDatagram()
		dg.AddChannel(doID)
		dg.AddUint32(oldZone)
		dg.AddUint32(zone)
		s.emitOne(o.Owner, doID, protocol.MsgSetZoneResp, dg.Bytes())
	}
	if parent == o.Parent && zone == o.Zone {
		ack(o.Parent, o.Zone)
		return nil
	}

	s.relocate(o, parent, zone, relocation{
		notifyOld: func(oldParent protocol.Channel, oldZone uint32) {
			dg := protocol.NewDatagram()
			dg.AddChannel(doID)
			dg.AddChannel(parent)
			dg.AddUint32(zone)
			dg.AddChannel(oldParent)
			dg.AddUint32(oldZone)
			s.emitOne(oldParent, doID, protocol.MsgChangingLocation, dg.Bytes())
			if parent != oldParent {
				t, payload := o.snapshot(audienceAI)
				s.emitOne(parent, doID, t, payload)
			}
		},
		ack: ack,
	})
	log.Debug().Msgf("stateserver.SetZone do_id=%d parent=%d zone=%d", doID, parent, zone)
	return nil
}

// handleSetAI: [doId][parent]. Only shards re-parent objects.
func (s *Server) handleSetAI(env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	doID, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	parent, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	if parent == 0 {
		return fmt.Errorf("%w: parent 0", ErrMalformed)
	}
	o, err := s.lookup(doID)
	if err != nil {
		return err
	}
	if s.senderKind(env.Sender) != SenderShard {
		return fmt.Errorf("%w: set ai do_id=%d sender=%d", ErrForbidden, doID, env.Sender)
	}
	if err := s.requireShard(parent); err != nil {
		return err
	}

	if parent != o.Parent {
		s.relocate(o, parent, o.Zone, relocation{
			notifyOld: func(oldParent protocol.Channel, _ uint32) {
				dg := protocol.NewDatagram()
				dg.AddChannel(doID)
				dg.AddChannel(parent)
				dg.AddChannel(oldParent)
				s.emitOne(oldParent, doID, protocol.MsgChangingAI, dg.Bytes())
			},
		})
	}
	t, payload := o.snapshot(audienceAI)
	s.emitOne(parent, doID, t, payload)
	if env.Sender != parent {
		dg := protocol.NewDatagram()
		dg.AddChannel(doID)
		dg.AddChannel(parent)
		s.emitOne(env.Sender, doID, protocol.MsgSetAIResp, dg.Bytes())
	}
	log.Debug().Msgf("stateserver.SetAI do_id=%d parent=%d", doID, parent)
	return nil
}
