package stateserver

import (
	"fmt"

	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleGenerate: [doId][parent][zone:u32][class:u16][count:u16]{[field:u16][value]}.
// The plain variant only accepts required fields.
func (s *Server) handleGenerate(env protocol.Envelope) error {
	withOther := env.Type == protocol.MsgGenerateWithRequiredOther
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
	classNum, err := it.Uint16()
	if err != nil {
		return malformed(err)
	}
	count, err := it.Uint16()
	if err != nil {
		return malformed(err)
	}

	if doID == 0 {
		return fmt.Errorf("%w: object id 0", ErrMalformed)
	}
	if _, exists := s.objects[doID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateObject, doID)
	}
	class, ok := s.reg.Class(classNum)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClass, classNum)
	}
	if err := s.requireShard(parent); err != nil {
		return err
	}

	o := newObject(doID, class, parent, zone)
	o.GeneratedWithOther = withOther
	seen := make(map[uint16]bool, count)
	for range count {
		n, err := it.Uint16()
		if err != nil {
			return malformed(err)
		}
		f, ok := class.Field(n)
		if !ok {
			return fmt.Errorf("%w: class=%s field=%d", ErrUnknownField, class.Name, n)
		}
		if seen[n] {
			return fmt.Errorf("%w: duplicate field %s", ErrMalformed, f.Name)
		}
		seen[n] = true
		if !withOther && !f.Is(dclass.KeywordRequired) {
			return fmt.Errorf("%w: field %s is not required", ErrMalformed, f.Name)
		}
		v, err := f.Read(it)
		if err != nil {
			return malformed(err)
		}
		if !o.store(f, v) {
			log.Debug().Msgf("stateserver.Generate discarding transient field do_id=%d field=%s", doID, f.Name)
		}
	}
	if err := it.Done(); err != nil {
		return malformed(err)
	}
	o.fillDefaults()

	s.insert(o)
	if err := s.bus.Subscribe(doID); err != nil {
		log.Error().Msgf("stateserver.Generate subscribe do_id=%d err=%v", doID, err)
	}
	log.Debug().Msgf("stateserver.Generate do_id=%d class=%s parent=%d zone=%d", doID, class.Name, parent, zone)
	s.announce(o)
	return nil
}

// handleDeleteRam: [doId]. Shards and the owner may destroy.
func (s *Server) handleDeleteRam(env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	doID, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	o, err := s.lookup(doID)
	if err != nil {
		return err
	}
	if s.senderKind(env.Sender) != SenderShard && (o.Owner == 0 || env.Sender != o.Owner) {
		return fmt.Errorf("%w: delete do_id=%d sender=%d", ErrForbidden, doID, env.Sender)
	}
	s.destroy(o, env.Sender)
	return nil
}

// destroy tells the owner, every observer and (unless it asked) the parent,
// then drops the object and its channel.
func (s *Server) destroy(o *Object, sender protocol.Channel) {
	var parent protocol.Channel
	if sender != o.Parent {
		parent = o.Parent
	}
	s.withdraw(o, o.Owner, parent)
	s.remove(o)
	if err := s.bus.Unsubscribe(o.DoID); err != nil {
		log.Error().Msgf("stateserver.destroy unsubscribe do_id=%d err=%v", o.DoID, err)
	}
	log.Debug().Msgf("stateserver.destroy do_id=%d sender=%d", o.DoID, sender)
}

// handleSetOwner: [doId][owner]. Shards, the current owner, or anyone
// claiming an unowned object may set it. The previous owner only gets
// ChangingOwner, not deletes for what it was observing; gateways drop the
// session on it, which discards that view wholesale.
func (s *Server) handleSetOwner(env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	doID, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	owner, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	o, err := s.lookup(doID)
	if err != nil {
		return err
	}
	if s.senderKind(env.Sender) != SenderShard && o.Owner != 0 && env.Sender != o.Owner {
		return fmt.Errorf("%w: set owner do_id=%d sender=%d owner=%d", ErrForbidden, doID, env.Sender, o.Owner)
	}
	if owner == o.Owner {
		return nil
	}

	old := o.Owner
	o.Owner = owner
	if old != 0 {
		dg := protocol.NewDatagram()
		dg.AddChannel(doID)
		dg.AddChannel(owner)
		dg.AddChannel(old)
		s.emitOne(old, doID, protocol.MsgChangingOwner, dg.Bytes())
	}
	if owner != 0 {
		t, payload := o.snapshot(audienceOwner)
		s.emitOne(owner, doID, t, payload)
		s.sendUberZone(o, owner)
		s.sendZone(o, owner)
	}
	log.Debug().Msgf("stateserver.SetOwner do_id=%d owner=%d old=%d", doID, owner, old)
	return nil
}
