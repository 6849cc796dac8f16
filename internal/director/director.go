package director

import (
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/danmuck/shardmesh/internal/protocol/frame"
	"github.com/danmuck/shardmesh/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Config controls routing policy and participant transport.
type Config struct {
	// EnforceSender drops routed envelopes whose sender channel is not
	// registered to the sending participant.
	EnforceSender bool
	Session       session.Config
	Limits        frame.Limits
}

func DefaultConfig() Config {
	return Config{
		EnforceSender: true,
		Session:       session.DefaultConfig(),
		Limits:        frame.DefaultLimits(),
	}
}

// Director is the channel table plus the routing and cleanup rules around it.
// All table mutation and fan-out enqueueing happen under mu, which makes
// delivery order per target equal to routing order.
type Director struct {
	cfg Config

	mu           sync.Mutex
	channels     map[protocol.Channel]*Participant
	postRemoves  map[protocol.Channel][][]byte
	participants map[uint64]*Participant

	nextID atomic.Uint64
}

func New(cfg Config) *Director {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxFrameBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Director{
		cfg:          cfg,
		channels:     make(map[protocol.Channel]*Participant),
		postRemoves:  make(map[protocol.Channel][][]byte),
		participants: make(map[uint64]*Participant),
	}
}

// Attach starts serving conn as a new participant.
func (d *Director) Attach(conn net.Conn, name string) *Participant {
	p := newParticipant(d, d.nextID.Add(1), name, conn)
	d.mu.Lock()
	d.participants[p.id] = p
	n := len(d.participants)
	d.mu.Unlock()
	observability.SetDirectorParticipants(n)
	log.Debug().Msgf("director.Attach participant=%d name=%q", p.id, name)
	go p.writeLoop()
	go p.readLoop()
	return p
}

// Register binds channel to p. It is idempotent for the same participant and
// a logged no-op when another participant already holds the channel.
func (d *Director) Register(p *Participant, channel protocol.Channel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.isClosed() {
		return false
	}
	if owner, ok := d.channels[channel]; ok {
		if owner != p {
			log.Warn().Msgf("director.Register conflict channel=%d owner=%d requester=%d", channel, owner.id, p.id)
			return false
		}
		return true
	}
	d.channels[channel] = p
	p.channels = append(p.channels, channel)
	observability.SetDirectorChannels(len(d.channels))
	return true
}

// Unregister releases channel from p. Post-removes keyed by the channel are
// discarded with it: a released channel has no participant left to lose.
func (d *Director) Unregister(p *Participant, channel protocol.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner, ok := d.channels[channel]; !ok || owner != p {
		return
	}
	delete(d.channels, channel)
	delete(d.postRemoves, channel)
	p.channels = slices.DeleteFunc(p.channels, func(c protocol.Channel) bool { return c == channel })
	observability.SetDirectorChannels(len(d.channels))
}

// AddPostRemove appends raw (an encoded envelope) to channel's cleanup list.
func (d *Director) AddPostRemove(channel protocol.Channel, raw []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.postRemoves[channel] = append(d.postRemoves[channel], slices.Clone(raw))
}

func (d *Director) ClearPostRemove(channel protocol.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.postRemoves, channel)
}

// Owner returns the participant bound to channel.
func (d *Director) Owner(channel protocol.Channel) (*Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.channels[channel]
	return p, ok
}

// Route forwards raw to the participant of every recipient channel.
// Unregistered recipients are dropped silently; a participant bound to
// several recipients receives the envelope once.
func (d *Director) Route(env protocol.Envelope, raw []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeLocked(env, raw)
}

func (d *Director) routeLocked(env protocol.Envelope, raw []byte) {
	var delivered []*Participant
	for _, r := range env.Recipients {
		p, ok := d.channels[r]
		if !ok {
			observability.RecordDirectorMessage("unroutable")
			log.Debug().Msgf("director.Route unroutable channel=%d type=%s sender=%d", r, env.Type, env.Sender)
			continue
		}
		if slices.Contains(delivered, p) {
			continue
		}
		delivered = append(delivered, p)
		p.enqueue(raw)
		observability.RecordDirectorMessage("routed")
	}
}

// handle processes one inbound envelope from p.
func (d *Director) handle(p *Participant, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		observability.RecordDirectorMessage("malformed")
		log.Warn().Msgf("director.handle malformed envelope participant=%d err=%v", p.id, err)
		return
	}
	if env.IsControl() {
		d.handleControl(p, env)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.EnforceSender {
		if owner, ok := d.channels[env.Sender]; !ok || owner != p {
			observability.RecordDirectorMessage("rejected_sender")
			log.Warn().Msgf("director.handle sender not owned participant=%d sender=%d type=%s", p.id, env.Sender, env.Type)
			return
		}
	}
	d.routeLocked(env, raw)
}

func (d *Director) handleControl(p *Participant, env protocol.Envelope) {
	observability.RecordDirectorMessage("control")
	it := protocol.NewIterator(env.Payload)
	channel, err := it.Channel()
	if err != nil {
		log.Warn().Msgf("director.handleControl truncated type=%s participant=%d", env.Type, p.id)
		return
	}

	switch env.Type {
	case protocol.MsgSetChannel:
		d.Register(p, channel)
	case protocol.MsgRemoveChannel:
		d.Unregister(p, channel)
	case protocol.MsgAddPostRemove:
		msg := it.Rest()
		if _, err := protocol.DecodeEnvelope(msg); err != nil {
			log.Warn().Msgf("director.handleControl bad post-remove channel=%d err=%v", channel, err)
			return
		}
		if owner, ok := d.Owner(channel); !ok || owner != p {
			log.Warn().Msgf("director.handleControl post-remove for unowned channel=%d participant=%d", channel, p.id)
			return
		}
		d.AddPostRemove(channel, msg)
	case protocol.MsgClearPostRemove:
		if owner, ok := d.Owner(channel); !ok || owner != p {
			return
		}
		d.ClearPostRemove(channel)
	default:
		log.Warn().Msgf("director.handleControl unknown type=%s participant=%d", env.Type, p.id)
	}
}

// detach releases every channel p held and replays their post-removes.
// Called exactly once per participant from teardown.
func (d *Director) detach(p *Participant) {
	d.mu.Lock()
	delete(d.participants, p.id)
	var replay [][]byte
	for _, c := range p.channels {
		replay = append(replay, d.postRemoves[c]...)
		delete(d.postRemoves, c)
		if d.channels[c] == p {
			delete(d.channels, c)
		}
	}
	p.channels = nil
	for _, raw := range replay {
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		d.routeLocked(env, raw)
	}
	participants, channels := len(d.participants), len(d.channels)
	d.mu.Unlock()

	observability.SetDirectorParticipants(participants)
	observability.SetDirectorChannels(channels)
	if len(replay) > 0 {
		log.Info().Msgf("director.detach participant=%d replayed_post_removes=%d", p.id, len(replay))
	}
}

// ParticipantInfo is an admin snapshot row.
type ParticipantInfo struct {
	ID       uint64             `json:"id"`
	Name     string             `json:"name"`
	Channels []protocol.Channel `json:"channels"`
	Queued   int                `json:"queued"`
}

func (d *Director) Snapshot() []ParticipantInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ParticipantInfo, 0, len(d.participants))
	for _, p := range d.participants {
		out = append(out, ParticipantInfo{
			ID:       p.id,
			Name:     p.name,
			Channels: slices.Clone(p.channels),
			Queued:   len(p.send),
		})
	}
	slices.SortFunc(out, func(a, b ParticipantInfo) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}
