package shard

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/danmuck/shardmesh/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Channel is the shard's own bus channel.
	Channel protocol.Channel
	// IDMin and IDMax bound the object ids this shard hands out. Shards
	// sharing a state server need disjoint ranges.
	IDMin protocol.Channel
	IDMax protocol.Channel
}

func DefaultConfig() Config {
	return Config{
		Channel: protocol.ShardChannelMin + 1,
		IDMin:   protocol.AIObjectIDMin,
		IDMax:   protocol.AIObjectIDMax,
	}
}

func (c Config) validate() error {
	if c.Channel < protocol.ShardChannelMin || c.Channel > protocol.ShardChannelMax {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, c.Channel)
	}
	if c.IDMin == 0 || c.IDMax < c.IDMin {
		return fmt.Errorf("%w: %d-%d", ErrInvalidIDRange, c.IDMin, c.IDMax)
	}
	return nil
}

// FieldHandler runs for every update of a watched field the shard hears
// about, with the unpacked arguments.
type FieldHandler func(doID protocol.Channel, args []any)

// Repository is one shard's registry client and local object view. All
// methods are safe for concurrent use; handlers run from HandleEnvelope
// without the repository lock held.
type Repository struct {
	cfg Config
	reg *dclass.Registry
	bus busclient.Participant

	pending *session.Continuations[*protocol.Iterator]

	mu        sync.Mutex
	announced bool
	name      string
	next      protocol.Channel
	objects   map[protocol.Channel]*Object
	learning  map[protocol.Channel]bool
	watchers  map[string][]FieldHandler
}

func New(reg *dclass.Registry, bus busclient.Participant, cfg Config) (*Repository, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Repository{
		cfg:      cfg,
		reg:      reg,
		bus:      bus,
		pending:  session.NewContinuations[*protocol.Iterator](),
		next:     cfg.IDMin,
		objects:  make(map[protocol.Channel]*Object),
		learning: make(map[protocol.Channel]bool),
		watchers: make(map[string][]FieldHandler),
	}, nil
}

func (r *Repository) Channel() protocol.Channel { return r.cfg.Channel }

// Announce claims the shard channel, registers the shard with the state
// server and arms a RemoveShard post-remove so the registry drops the
// shard's objects if this participant disconnects. Announcing again only
// refreshes the name and population.
func (r *Repository) Announce(name string, population uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.announced {
		if err := r.bus.Subscribe(r.cfg.Channel); err != nil {
			return err
		}
		remove := protocol.NewEnvelope(protocol.StateServerChannel, r.cfg.Channel, protocol.MsgRemoveShard, nil)
		if err := r.bus.AddPostRemove(r.cfg.Channel, remove); err != nil {
			return err
		}
	}
	dg := protocol.NewDatagram()
	dg.AddString(name)
	dg.AddUint32(population)
	if err := r.send(protocol.StateServerChannel, protocol.MsgAddShard, dg); err != nil {
		return err
	}
	r.announced = true
	r.name = name
	log.Info().Msgf("shard.Announce channel=%d name=%q population=%d", r.cfg.Channel, name, population)
	return nil
}

// Retire removes the shard from the state server, which destroys every
// object parented to it, and disarms the post-remove.
func (r *Repository) Retire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.announced {
		return ErrNotAnnounced
	}
	if err := r.send(protocol.StateServerChannel, protocol.MsgRemoveShard, protocol.NewDatagram()); err != nil {
		return err
	}
	if err := r.bus.ClearPostRemove(r.cfg.Channel); err != nil {
		log.Warn().Msgf("shard.Retire clear post-remove channel=%d err=%v", r.cfg.Channel, err)
	}
	r.announced = false
	clear(r.objects)
	observability.SetShardObjects(r.cfg.Channel.String(), 0)
	log.Info().Msgf("shard.Retire channel=%d name=%q", r.cfg.Channel, r.name)
	return nil
}

func (r *Repository) SetPopulation(population uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.announced {
		return ErrNotAnnounced
	}
	dg := protocol.NewDatagram()
	dg.AddUint32(population)
	return r.send(protocol.StateServerChannel, protocol.MsgUpdateShardPopulation, dg)
}

// Watch registers fn for updates of every field called name, in any class.
func (r *Repository) Watch(name string, fn FieldHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[name] = append(r.watchers[name], fn)
}

// Generate creates an object of the named class under this shard at zone.
// values maps field names to their arguments; required fields left out get
// their schema defaults from the state server. Any non-required value makes
// it a GenerateWithRequiredOther.
func (r *Repository) Generate(className string, zone uint32, values map[string][]any) (protocol.Channel, error) {
	class, ok := r.reg.ClassByName(className)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownClass, className)
	}
	fields := make(map[uint16][]byte, len(values))
	other := false
	for name, args := range values {
		f, ok := class.FieldByName(name)
		if !ok {
			return 0, fmt.Errorf("%w: class=%s field=%s", ErrUnknownField, className, name)
		}
		v, err := f.Pack(args...)
		if err != nil {
			return 0, err
		}
		fields[f.Number] = v
		if !f.Is(dclass.KeywordRequired) {
			other = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.announced {
		return 0, ErrNotAnnounced
	}
	doID, err := r.allocate()
	if err != nil {
		return 0, err
	}

	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	dg.AddChannel(r.cfg.Channel)
	dg.AddUint32(zone)
	dg.AddUint16(class.Number)
	dg.AddUint16(uint16(len(fields)))
	for _, n := range slices.Sorted(maps.Keys(fields)) {
		dg.AddUint16(n)
		dg.AddData(fields[n])
	}
	t := protocol.MsgGenerateWithRequired
	if other {
		t = protocol.MsgGenerateWithRequiredOther
	}
	if err := r.send(protocol.StateServerChannel, t, dg); err != nil {
		return 0, err
	}

	for _, f := range class.RequiredFields() {
		if _, ok := fields[f.Number]; !ok && f.Default != nil {
			fields[f.Number] = f.Default
		}
	}
	r.track(&Object{DoID: doID, Class: class, Parent: r.cfg.Channel, Zone: zone, Fields: fields})
	log.Debug().Msgf("shard.Generate do_id=%d class=%s zone=%d", doID, className, zone)
	return doID, nil
}

// allocate returns the next id in range not held by a live object.
func (r *Repository) allocate() (protocol.Channel, error) {
	span := uint64(r.cfg.IDMax-r.cfg.IDMin) + 1
	for range min(span, uint64(len(r.objects))+1) {
		id := r.next
		if r.next == r.cfg.IDMax {
			r.next = r.cfg.IDMin
		} else {
			r.next++
		}
		if _, busy := r.objects[id]; !busy {
			return id, nil
		}
	}
	return 0, ErrIDsExhausted
}

// SendUpdate sets a field on an object the shard knows about.
func (r *Repository) SendUpdate(doID protocol.Channel, field string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[doID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObject, doID)
	}
	f, ok := o.Class.FieldByName(field)
	if !ok {
		return fmt.Errorf("%w: class=%s field=%s", ErrUnknownField, o.Class.Name, field)
	}
	v, err := f.Pack(args...)
	if err != nil {
		return err
	}
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	dg.AddUint16(f.Number)
	dg.AddData(v)
	if err := r.send(doID, protocol.MsgUpdateField, dg); err != nil {
		return err
	}
	o.Fields[f.Number] = v
	return nil
}

// SetZone moves a shard object within the shard.
func (r *Repository) SetZone(doID protocol.Channel, zone uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[doID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObject, doID)
	}
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	dg.AddChannel(0)
	dg.AddUint32(zone)
	if err := r.send(protocol.StateServerChannel, protocol.MsgSetZone, dg); err != nil {
		return err
	}
	o.Zone = zone
	return nil
}

// Handoff re-parents an object to another shard. The state server answers
// with ChangingAI, which drops it from this view.
func (r *Repository) Handoff(doID, parent protocol.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[doID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObject, doID)
	}
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	dg.AddChannel(parent)
	return r.send(protocol.StateServerChannel, protocol.MsgSetAI, dg)
}

// Delete destroys an object on the state server and forgets it.
func (r *Repository) Delete(doID protocol.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[doID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObject, doID)
	}
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	if err := r.send(protocol.StateServerChannel, protocol.MsgDeleteRam, dg); err != nil {
		return err
	}
	r.forget(doID)
	return nil
}

// Query asks the state server for an object's full state. done runs from
// HandleEnvelope; the state server does not answer for unknown objects.
func (r *Repository) Query(doID protocol.Channel, done func(Object, error)) error {
	ctxID := r.pending.Register(fmt.Sprintf("get all %d", doID), func(it *protocol.Iterator) {
		o, err := readSnapshot(r.reg, it)
		if err != nil {
			done(Object{}, err)
			return
		}
		done(*o, nil)
	})
	dg := protocol.NewDatagram()
	dg.AddUint32(ctxID)
	dg.AddChannel(doID)
	if err := r.send(protocol.StateServerChannel, protocol.MsgGetAll, dg); err != nil {
		r.pending.Forget(ctxID)
		return err
	}
	return nil
}

// Pending lists queries still waiting for the state server.
func (r *Repository) Pending() []session.Pending {
	return r.pending.List()
}

func (r *Repository) send(to protocol.Channel, t protocol.MsgType, dg *protocol.Datagram) error {
	if err := dg.Err(); err != nil {
		return err
	}
	return r.bus.Send(protocol.NewEnvelope(to, r.cfg.Channel, t, dg.Bytes()))
}

func (r *Repository) track(o *Object) {
	r.objects[o.DoID] = o
	delete(r.learning, o.DoID)
	observability.SetShardObjects(r.cfg.Channel.String(), len(r.objects))
}

func (r *Repository) forget(doID protocol.Channel) {
	delete(r.objects, doID)
	delete(r.learning, doID)
	observability.SetShardObjects(r.cfg.Channel.String(), len(r.objects))
}

// Object returns a copy of one tracked object.
func (r *Repository) Object(doID protocol.Channel) (Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[doID]
	if !ok {
		return Object{}, false
	}
	return o.clone(), true
}

// Objects lists tracked objects ascending by id.
func (r *Repository) Objects() []ObjectInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ObjectInfo, 0, len(r.objects))
	for _, id := range slices.Sorted(maps.Keys(r.objects)) {
		out = append(out, r.objects[id].info())
	}
	return out
}
