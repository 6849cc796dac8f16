package gateway

import (
	"fmt"
	"sort"

	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Transport is the write side of one client connection.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// Session is one connected client. Everything below the writer fields is
// guarded by the gateway lock.
type Session struct {
	ID      uuid.UUID
	Channel protocol.Channel
	Remote  string

	gw         *Gateway
	conn       Transport
	send       chan []byte
	writerDone chan struct{}

	state      State
	reason     string
	accountKey string
	account    protocol.Channel
	avatars    []protocol.Channel
	shard      protocol.Channel
	avatar     protocol.Channel
	zone       uint32
	visible    map[protocol.Channel]bool
}

func newSession(g *Gateway, ch protocol.Channel, conn Transport, remote string) *Session {
	s := &Session{
		ID:         uuid.New(),
		Channel:    ch,
		Remote:     remote,
		gw:         g,
		conn:       conn,
		send:       make(chan []byte, g.cfg.SendQueue),
		writerDone: make(chan struct{}),
		state:      StateConnected,
	}
	go s.writeLoop()
	return s
}

// WriterDone is closed once every queued message has been written and the
// transport closed.
func (s *Session) WriterDone() <-chan struct{} { return s.writerDone }

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	defer s.conn.Close()
	for raw := range s.send {
		if err := s.conn.WriteMessage(raw); err != nil {
			log.Debug().Msgf("gateway.Session.write session=%s channel=%d err=%v", s.ID, s.Channel, err)
			return
		}
	}
}

// enqueue never blocks; a client that cannot keep up is dropped.
func (s *Session) enqueue(dg *protocol.Datagram) {
	if s.state == StateClosed {
		return
	}
	if err := dg.Err(); err != nil {
		log.Error().Msgf("gateway.Session.enqueue session=%s encode err=%v", s.ID, err)
		return
	}
	select {
	case s.send <- dg.Bytes():
	default:
		log.Warn().Msgf("gateway.Session.enqueue slow client session=%s channel=%d", s.ID, s.Channel)
		s.close("slow_consumer")
	}
}

func (s *Session) transition(to State) error {
	from := s.state
	if !CanTransition(from, to) {
		log.Error().Msgf("gateway.Session.transition illegal session=%s %s->%s", s.ID, from, to)
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	s.exit(from)
	s.state = to
	s.enter(to)
	log.Debug().Msgf("gateway.Session.transition session=%s channel=%d %s->%s", s.ID, s.Channel, from, to)
	return nil
}

func (s *Session) enter(st State) {
	switch st {
	case StatePlaying:
		s.visible = map[protocol.Channel]bool{s.avatar: true}
		log.Info().Msgf("gateway.Session playing session=%s channel=%d avatar=%d shard=%d", s.ID, s.Channel, s.avatar, s.shard)
	case StateClosed:
		s.enterClosed()
	}
}

func (s *Session) exit(st State) {
	if st == StatePlaying {
		s.exitPlaying()
	}
}

// exitPlaying destroys the avatar on the state server and drops the
// director's fallback for it.
func (s *Session) exitPlaying() {
	g := s.gw
	if s.avatar != 0 {
		dg := protocol.NewDatagram()
		dg.AddChannel(s.avatar)
		if err := g.bus.Send(protocol.NewEnvelope(protocol.StateServerChannel, s.Channel, protocol.MsgDeleteRam, dg.Bytes())); err != nil {
			log.Error().Msgf("gateway.Session.exitPlaying delete avatar=%d err=%v", s.avatar, err)
		}
		s.avatar = 0
	}
	if err := g.bus.ClearPostRemove(s.Channel); err != nil {
		log.Error().Msgf("gateway.Session.exitPlaying clear post-remove channel=%d err=%v", s.Channel, err)
	}
	s.visible = nil
}

func (s *Session) enterClosed() {
	g := s.gw
	close(s.send)
	delete(g.sessions, s.Channel)
	if s.account != 0 && g.byAccount[s.account] == s {
		delete(g.byAccount, s.account)
		if err := g.bus.Unsubscribe(accountChannel(s.account)); err != nil {
			log.Error().Msgf("gateway.Session.close unsubscribe account=%d err=%v", s.account, err)
		}
	}
	if err := g.bus.Unsubscribe(s.Channel); err != nil {
		log.Error().Msgf("gateway.Session.close unsubscribe channel=%d err=%v", s.Channel, err)
	}
	g.alloc.Release(s.Channel)
	observability.AddGatewaySessions(-1)
	log.Info().Msgf("gateway.Session closed session=%s channel=%d account=%d reason=%q", s.ID, s.Channel, s.account, s.reason)
}

func (s *Session) close(reason string) {
	if s.state == StateClosed {
		return
	}
	s.reason = reason
	_ = s.transition(StateClosed)
}

// goGetLost tells the client why it is being dropped, then closes. The
// writer flushes the message before closing the transport.
func (s *Session) goGetLost(code uint16, reason string) {
	if s.state == StateClosed {
		return
	}
	dg := newClientDatagram(ClientGoGetLost)
	dg.AddUint16(code)
	dg.AddString(reason)
	s.enqueue(dg)
	log.Info().Msgf("gateway.Session.goGetLost session=%s channel=%d code=%d reason=%q", s.ID, s.Channel, code, reason)
	s.close(reason)
}

// SessionInfo is an admin snapshot row.
type SessionInfo struct {
	ID      string           `json:"id"`
	Channel protocol.Channel `json:"channel"`
	Remote  string           `json:"remote"`
	State   string           `json:"state"`
	Account protocol.Channel `json:"account,omitempty"`
	Shard   protocol.Channel `json:"shard,omitempty"`
	Avatar  protocol.Channel `json:"avatar,omitempty"`
	Zone    uint32           `json:"zone,omitempty"`
	Visible int              `json:"visible"`
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:      s.ID.String(),
		Channel: s.Channel,
		Remote:  s.Remote,
		State:   s.state.String(),
		Account: s.account,
		Shard:   s.shard,
		Avatar:  s.avatar,
		Zone:    s.zone,
		Visible: len(s.visible),
	}
}

func sortSessionInfo(out []SessionInfo) {
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
}
