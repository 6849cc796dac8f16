package stateserver

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// InboxSize bounds envelopes waiting for the dispatch loop.
	InboxSize int
}

func DefaultConfig() Config {
	return Config{InboxSize: 4096}
}

type handlerFunc func(s *Server, env protocol.Envelope) error

var handlers = map[protocol.MsgType]handlerFunc{
	protocol.MsgAddShard:                  (*Server).handleAddShard,
	protocol.MsgRemoveShard:               (*Server).handleRemoveShard,
	protocol.MsgUpdateShardPopulation:     (*Server).handleUpdateShardPopulation,
	protocol.MsgGetShardAll:               (*Server).handleGetShardAll,
	protocol.MsgGenerateWithRequired:      (*Server).handleGenerate,
	protocol.MsgGenerateWithRequiredOther: (*Server).handleGenerate,
	protocol.MsgUpdateField:               (*Server).handleUpdateField,
	protocol.MsgSetZone:                   (*Server).handleSetZone,
	protocol.MsgSetOwner:                  (*Server).handleSetOwner,
	protocol.MsgSetAI:                     (*Server).handleSetAI,
	protocol.MsgDeleteRam:                 (*Server).handleDeleteRam,
	protocol.MsgGetAll:                    (*Server).handleGetAll,
	protocol.MsgGetField:                  (*Server).handleGetField,
}

// Server is the object registry. Handle is safe for concurrent use; Run
// serializes envelopes delivered through HandleEnvelope.
type Server struct {
	reg *dclass.Registry
	bus busclient.Bus

	inbox   chan protocol.Envelope
	stopped chan struct{}
	once    sync.Once

	mu       sync.Mutex
	objects  map[protocol.Channel]*Object
	byParent map[protocol.Channel]map[protocol.Channel]*Object
	shards   map[protocol.Channel]*Shard
}

func New(reg *dclass.Registry, bus busclient.Bus, cfg Config) *Server {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	return &Server{
		reg:      reg,
		bus:      bus,
		inbox:    make(chan protocol.Envelope, cfg.InboxSize),
		stopped:  make(chan struct{}),
		objects:  make(map[protocol.Channel]*Object),
		byParent: make(map[protocol.Channel]map[protocol.Channel]*Object),
		shards:   make(map[protocol.Channel]*Shard),
	}
}

// HandleEnvelope queues env for Run. It blocks while the inbox is full so
// the bus connection absorbs the backpressure.
func (s *Server) HandleEnvelope(env protocol.Envelope) {
	select {
	case s.inbox <- env:
	case <-s.stopped:
	}
}

// Run is the single dispatch loop.
func (s *Server) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.stopped) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-s.inbox:
			_ = s.Handle(env)
		}
	}
}

// Handle processes one envelope to completion. Violations are logged,
// counted and returned; none of them change registry state.
func (s *Server) Handle(env protocol.Envelope) error {
	h, ok := handlers[env.Type]
	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnhandled, env.Type)
	} else {
		s.mu.Lock()
		err = h(s, env)
		objects, shards := len(s.objects), len(s.shards)
		s.mu.Unlock()
		observability.SetStateCounts(objects, shards)
	}
	observability.RecordStateMessage(env.Type.String(), outcome(err))
	if err != nil {
		log.Warn().Msgf("stateserver.Handle dropped type=%s sender=%d err=%v", env.Type, env.Sender, err)
	}
	return err
}

func (s *Server) senderKind(sender protocol.Channel) SenderKind {
	if _, ok := s.shards[sender]; ok {
		return SenderShard
	}
	return SenderExternal
}

// requireShard keeps every object parented to a registered shard, so
// RemoveShard reaches all of them.
func (s *Server) requireShard(parent protocol.Channel) error {
	if _, ok := s.shards[parent]; !ok {
		return fmt.Errorf("%w: parent %d", ErrUnknownShard, parent)
	}
	return nil
}

func (s *Server) lookup(doID protocol.Channel) (*Object, error) {
	o, ok := s.objects[doID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownObject, doID)
	}
	return o, nil
}

func (s *Server) insert(o *Object) {
	s.objects[o.DoID] = o
	s.index(o)
}

func (s *Server) index(o *Object) {
	group, ok := s.byParent[o.Parent]
	if !ok {
		group = make(map[protocol.Channel]*Object)
		s.byParent[o.Parent] = group
	}
	group[o.DoID] = o
}

func (s *Server) unindex(o *Object) {
	group := s.byParent[o.Parent]
	delete(group, o.DoID)
	if len(group) == 0 {
		delete(s.byParent, o.Parent)
	}
}

func (s *Server) move(o *Object, parent protocol.Channel, zone uint32) {
	s.unindex(o)
	o.Parent, o.Zone = parent, zone
	s.index(o)
}

func (s *Server) remove(o *Object) {
	s.unindex(o)
	delete(s.objects, o.DoID)
}

// neighbors returns the objects co-visible with o ascending by id.
func (s *Server) neighbors(o *Object) []*Object {
	var out []*Object
	for _, x := range s.byParent[o.Parent] {
		if o.CoVisible(x) {
			out = append(out, x)
		}
	}
	slices.SortFunc(out, func(a, b *Object) int {
		if a.DoID < b.DoID {
			return -1
		}
		if a.DoID > b.DoID {
			return 1
		}
		return 0
	})
	return out
}

// observers returns the owners of o's co-visible objects, excluding o's own
// owner.
func (s *Server) observers(o *Object) []protocol.Channel {
	set := make(map[protocol.Channel]struct{})
	for _, x := range s.neighbors(o) {
		if x.Owner != 0 && x.Owner != o.Owner {
			set[x.Owner] = struct{}{}
		}
	}
	return sortedChannels(set)
}

func (s *Server) emit(to []protocol.Channel, from protocol.Channel, t protocol.MsgType, payload []byte) {
	if len(to) == 0 {
		return
	}
	env := protocol.Envelope{Recipients: to, Sender: from, Type: t, Payload: payload}
	if err := s.bus.Send(env); err != nil {
		log.Error().Msgf("stateserver.emit type=%s from=%d err=%v", t, from, err)
	}
}

func (s *Server) emitOne(to protocol.Channel, from protocol.Channel, t protocol.MsgType, payload []byte) {
	if to == 0 {
		return
	}
	s.emit([]protocol.Channel{to}, from, t, payload)
}

// announce sends o's observer snapshot to everyone currently observing it.
func (s *Server) announce(o *Object) {
	t, payload := o.snapshot(audienceObserver)
	s.emit(s.observers(o), o.DoID, t, payload)
}

// withdraw sends a delete for o to everyone currently observing it.
func (s *Server) withdraw(o *Object, extra ...protocol.Channel) {
	set := make(map[protocol.Channel]struct{})
	for _, c := range s.observers(o) {
		set[c] = struct{}{}
	}
	for _, c := range extra {
		if c != 0 {
			set[c] = struct{}{}
		}
	}
	s.emit(sortedChannels(set), o.DoID, protocol.MsgDeleteRam, doIDPayload(o.DoID))
}

// sendUberZone snapshots every uber-zone object under o's parent to to.
func (s *Server) sendUberZone(o *Object, to protocol.Channel) {
	for _, x := range s.neighbors(o) {
		if x.Zone == UberZone {
			t, payload := x.snapshot(audienceObserver)
			s.emitOne(to, x.DoID, t, payload)
		}
	}
}

// sendZone snapshots every non-uber object co-visible with o to to.
func (s *Server) sendZone(o *Object, to protocol.Channel) {
	for _, x := range s.neighbors(o) {
		if x.Zone != UberZone {
			t, payload := x.snapshot(audienceObserver)
			s.emitOne(to, x.DoID, t, payload)
		}
	}
}

func doIDPayload(doID protocol.Channel) []byte {
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	return dg.Bytes()
}

// Object returns an admin view of one object with formatted fields.
func (s *Server) Object(doID protocol.Channel) (ObjectInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[doID]
	if !ok {
		return ObjectInfo{}, false
	}
	return o.info(true), true
}

// Objects lists every object ascending by id.
func (s *Server) Objects() []ObjectInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ObjectInfo, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, o.info(false))
	}
	slices.SortFunc(out, func(a, b ObjectInfo) int {
		if a.DoID < b.DoID {
			return -1
		}
		if a.DoID > b.DoID {
			return 1
		}
		return 0
	})
	return out
}

// VisibleTo returns the ids co-visible with doID, for admin views and tests.
func (s *Server) VisibleTo(doID protocol.Channel) []protocol.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[doID]
	if !ok {
		return nil
	}
	var out []protocol.Channel
	for _, x := range s.neighbors(o) {
		out = append(out, x.DoID)
	}
	return out
}
