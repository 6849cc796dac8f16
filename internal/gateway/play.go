package gateway

import (
	"fmt"
	"maps"
	"slices"

	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

// SetZone: [zone:u32]. On a real move the client's view is cleared up
// front; the state server then sends the new surroundings and the ack.
func (g *Gateway) handleSetZone(s *Session, it *protocol.Iterator) error {
	zone, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	if err := it.Done(); err != nil {
		return malformed(err)
	}
	if zone != s.zone {
		g.clearView(s)
	}
	dg := protocol.NewDatagram()
	dg.AddChannel(s.avatar)
	dg.AddChannel(0)
	dg.AddUint32(zone)
	return g.sendBus(protocol.StateServerChannel, s.Channel, protocol.MsgSetZone, dg)
}

func (g *Gateway) clearView(s *Session) {
	for _, doID := range slices.Sorted(maps.Keys(s.visible)) {
		if doID == s.avatar {
			continue
		}
		delete(s.visible, doID)
		g.sendObjectDelete(s, doID)
	}
}

// ObjectUpdateField: [doId][field:u16][value]. Only objects the client can
// see are addressable; authorization is the state server's.
func (g *Gateway) handleUpdateField(s *Session, it *protocol.Iterator) error {
	doID, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	n, err := it.Uint16()
	if err != nil {
		return malformed(err)
	}
	f, ok := g.reg.Field(n)
	if !ok {
		return fmt.Errorf("%w: unknown field %d", ErrMalformed, n)
	}
	value, err := f.Read(it)
	if err != nil {
		return malformed(err)
	}
	if err := it.Done(); err != nil {
		return malformed(err)
	}
	if !s.visible[doID] {
		return fmt.Errorf("%w: %d", ErrNotVisible, doID)
	}
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	dg.AddUint16(n)
	dg.AddData(value)
	return g.sendBus(doID, s.Channel, protocol.MsgUpdateField, dg)
}

func (g *Gateway) sendObjectDelete(s *Session, doID protocol.Channel) {
	dg := newClientDatagram(ClientObjectDelete)
	dg.AddChannel(doID)
	s.enqueue(dg)
}

// HandleEnvelope consumes bus traffic: persistence responses for the
// gateway channel and registry notifications for client channels.
func (g *Gateway) HandleEnvelope(env protocol.Envelope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db.HandleEnvelope(env) {
		return
	}
	switch env.Type {
	case protocol.MsgEjectAccount:
		g.ejectAccount(env)
		return
	case protocol.MsgAccountReleased:
		g.accountReleased(env)
		return
	}
	for _, r := range env.Recipients {
		s, ok := g.sessions[r]
		if !ok {
			continue
		}
		if err := g.relay(s, env); err != nil {
			observability.RecordGatewayMessage(env.Type.String(), "dropped")
			log.Warn().Msgf("gateway.HandleEnvelope session=%s type=%s sender=%d err=%v", s.ID, env.Type, env.Sender, err)
			continue
		}
		observability.RecordGatewayMessage(env.Type.String(), "relayed")
	}
}

// relay translates one registry notification for s.
func (g *Gateway) relay(s *Session, env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	switch env.Type {
	case protocol.MsgGetShardAllResp:
		if !s.state.Authenticated() {
			return nil
		}
		dg := newClientDatagram(ClientGetShardListResp)
		dg.AddData(env.Payload)
		s.enqueue(dg)
		return nil
	}
	if s.state != StatePlaying {
		return nil
	}

	if m, ok := objectCreateMsg(env.Type); ok {
		return g.relayCreate(s, m, it)
	}
	switch env.Type {
	case protocol.MsgEnterAIWithRequired, protocol.MsgEnterAIWithRequiredOther:
		return nil
	case protocol.MsgDeleteRam:
		doID, err := it.Channel()
		if err != nil {
			return err
		}
		if doID == s.avatar {
			s.avatar = 0
			s.goGetLost(DisconnectAvatarDeleted, "avatar was deleted")
			return nil
		}
		if s.visible[doID] {
			delete(s.visible, doID)
			g.sendObjectDelete(s, doID)
		}
	case protocol.MsgUpdateField:
		doID, err := it.Channel()
		if err != nil {
			return err
		}
		if !s.visible[doID] {
			return nil
		}
		dg := newClientDatagram(ClientObjectUpdateField)
		dg.AddData(env.Payload)
		s.enqueue(dg)
	case protocol.MsgSetZoneResp:
		doID, err := it.Channel()
		if err != nil {
			return err
		}
		if _, err := it.Uint32(); err != nil {
			return err
		}
		zone, err := it.Uint32()
		if err != nil {
			return err
		}
		if doID != s.avatar {
			return nil
		}
		s.zone = zone
		dg := newClientDatagram(ClientDoneSetZoneResp)
		dg.AddUint32(zone)
		s.enqueue(dg)
	case protocol.MsgChangingOwner:
		doID, err := it.Channel()
		if err != nil {
			return err
		}
		owner, err := it.Channel()
		if err != nil {
			return err
		}
		if doID == s.avatar && owner != s.Channel {
			s.avatar = 0
			s.goGetLost(DisconnectAvatarDeleted, "avatar was taken over")
		}
	default:
		log.Debug().Msgf("gateway.relay ignoring type=%s session=%s", env.Type, s.ID)
	}
	return nil
}

// relayCreate rewrites [doId][parent][zone][class][count]{fields} as
// [class][doId][parent][zone][count]{fields}.
func (g *Gateway) relayCreate(s *Session, m ClientMsg, it *protocol.Iterator) error {
	doID, err := it.Channel()
	if err != nil {
		return err
	}
	parent, err := it.Channel()
	if err != nil {
		return err
	}
	zone, err := it.Uint32()
	if err != nil {
		return err
	}
	class, err := it.Uint16()
	if err != nil {
		return err
	}
	dg := newClientDatagram(m)
	dg.AddUint16(class)
	dg.AddChannel(doID)
	dg.AddChannel(parent)
	dg.AddUint32(zone)
	dg.AddData(it.Rest())
	s.visible[doID] = true
	s.enqueue(dg)
	return nil
}
