package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

type ServerConfig struct {
	// Backend labels metrics.
	Backend      string
	InboxSize    int
	StoreTimeout time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Backend:      "memory",
		InboxSize:    1024,
		StoreTimeout: 5 * time.Second,
	}
}

type handlerFunc func(s *Server, ctx context.Context, env protocol.Envelope) error

var handlers = map[protocol.MsgType]handlerFunc{
	protocol.MsgDBCreateObject:      (*Server).handleCreateObject,
	protocol.MsgDBGetAll:            (*Server).handleGetAll,
	protocol.MsgDBGetFields:         (*Server).handleGetFields,
	protocol.MsgDBSetFields:         (*Server).handleSetFields,
	protocol.MsgDBSetFieldsIfEquals: (*Server).handleSetFieldsIfEquals,
	protocol.MsgDBDeleteObject:      (*Server).handleDeleteObject,
}

// Server answers persistence requests addressed to DatabaseChannel.
// Requests are applied one at a time in arrival order.
type Server struct {
	cfg   ServerConfig
	reg   *dclass.Registry
	store Store
	bus   busclient.Bus

	inbox   chan protocol.Envelope
	stopped chan struct{}
	once    sync.Once
}

func NewServer(reg *dclass.Registry, store Store, bus busclient.Bus, cfg ServerConfig) *Server {
	def := DefaultServerConfig()
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	return &Server{
		cfg:     cfg,
		reg:     reg,
		store:   store,
		bus:     bus,
		inbox:   make(chan protocol.Envelope, cfg.InboxSize),
		stopped: make(chan struct{}),
	}
}

func (s *Server) HandleEnvelope(env protocol.Envelope) {
	select {
	case s.inbox <- env:
	case <-s.stopped:
	}
}

func (s *Server) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.stopped) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-s.inbox:
			_ = s.Handle(ctx, env)
		}
	}
}

// Handle applies one request. Errors are logged and returned; a request
// that expects a response still gets one reporting failure.
func (s *Server) Handle(ctx context.Context, env protocol.Envelope) error {
	h, ok := handlers[env.Type]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnhandled, env.Type)
		log.Warn().Msgf("database.Handle dropped type=%s sender=%d err=%v", env.Type, env.Sender, err)
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	start := time.Now()
	err := h(s, ctx, env)
	observability.RecordDatabaseRequest(s.cfg.Backend, env.Type.String(), time.Since(start), err)
	if err != nil {
		ev := log.Warn()
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMismatch) {
			ev = log.Debug()
		}
		ev.Msgf("database.Handle type=%s sender=%d err=%v", env.Type, env.Sender, err)
	}
	return err
}

func (s *Server) reply(to protocol.Channel, t protocol.MsgType, dg *protocol.Datagram) {
	if err := s.bus.Send(protocol.NewEnvelope(to, protocol.DatabaseChannel, t, dg.Bytes())); err != nil {
		log.Warn().Msgf("database.reply send failed to=%d type=%s err=%v", to, t, err)
	}
}

func (s *Server) class(ctx context.Context, doID protocol.Channel) (*dclass.Class, error) {
	rec, err := s.store.Get(ctx, doID)
	if err != nil {
		return nil, err
	}
	cls, ok := s.reg.Class(rec.Class)
	if !ok {
		return nil, fmt.Errorf("%w: stored class %d for %d", ErrUnknownClass, rec.Class, doID)
	}
	return cls, nil
}

// handleCreateObject: [ctx:u32][class:u16][count:u16]{[field][value]}
// answered with [ctx][doId], doId 0 on failure.
func (s *Server) handleCreateObject(ctx context.Context, env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	ctxID, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	doID, err := s.createObject(ctx, it)
	dg := protocol.NewDatagram()
	dg.AddUint32(ctxID)
	dg.AddChannel(doID)
	s.reply(env.Sender, protocol.MsgDBCreateObjectResp, dg)
	if err == nil {
		log.Debug().Msgf("database.CreateObject id=%d sender=%d", doID, env.Sender)
	}
	return err
}

func (s *Server) createObject(ctx context.Context, it *protocol.Iterator) (protocol.Channel, error) {
	number, err := it.Uint16()
	if err != nil {
		return 0, malformed(err)
	}
	cls, ok := s.reg.Class(number)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownClass, number)
	}
	count, err := it.Uint16()
	if err != nil {
		return 0, malformed(err)
	}
	fields, err := readFields(cls, it, count)
	if err != nil {
		return 0, err
	}
	if err := it.Done(); err != nil {
		return 0, malformed(err)
	}
	return s.store.Create(ctx, cls.Number, withDefaults(cls, fields))
}

// handleGetAll: [ctx:u32][doId] answered with
// [ctx][ok:u8]([class:u16][count]{[field][value]}).
func (s *Server) handleGetAll(ctx context.Context, env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	ctxID, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	doID, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	dg := protocol.NewDatagram()
	dg.AddUint32(ctxID)
	rec, err := s.store.Get(ctx, doID)
	if err != nil {
		dg.AddBool(false)
		s.reply(env.Sender, protocol.MsgDBGetAllResp, dg)
		return err
	}
	dg.AddBool(true)
	dg.AddUint16(rec.Class)
	writeFields(dg, rec.Fields)
	s.reply(env.Sender, protocol.MsgDBGetAllResp, dg)
	return nil
}

// handleGetFields: [ctx:u32][doId][count]{[field]} answered with
// [ctx][ok:u8][count]{[field][value]} holding the requested fields that
// are stored.
func (s *Server) handleGetFields(ctx context.Context, env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	ctxID, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	fail := func(err error) error {
		dg := protocol.NewDatagram()
		dg.AddUint32(ctxID)
		dg.AddBool(false)
		dg.AddUint16(0)
		s.reply(env.Sender, protocol.MsgDBGetFieldsResp, dg)
		return err
	}
	doID, err := it.Channel()
	if err != nil {
		return fail(malformed(err))
	}
	count, err := it.Uint16()
	if err != nil {
		return fail(malformed(err))
	}
	wanted := make([]uint16, 0, count)
	for range count {
		n, err := it.Uint16()
		if err != nil {
			return fail(malformed(err))
		}
		wanted = append(wanted, n)
	}
	rec, err := s.store.Get(ctx, doID)
	if err != nil {
		return fail(err)
	}
	out := make(Fields, len(wanted))
	for _, n := range wanted {
		if v, ok := rec.Fields[n]; ok {
			out[n] = v
		}
	}
	dg := protocol.NewDatagram()
	dg.AddUint32(ctxID)
	dg.AddBool(true)
	writeFields(dg, out)
	s.reply(env.Sender, protocol.MsgDBGetFieldsResp, dg)
	return nil
}

// handleSetFields: [doId][count]{[field][value]}. No response.
func (s *Server) handleSetFields(ctx context.Context, env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	doID, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	count, err := it.Uint16()
	if err != nil {
		return malformed(err)
	}
	cls, err := s.class(ctx, doID)
	if err != nil {
		return err
	}
	fields, err := readFields(cls, it, count)
	if err != nil {
		return err
	}
	if err := it.Done(); err != nil {
		return malformed(err)
	}
	return s.store.SetFields(ctx, doID, fields)
}

// handleSetFieldsIfEquals: [ctx:u32][doId][count]{[field][expected][new]}
// answered with [ctx][ok:u8], followed on failure by
// [count]{[field][value]} holding the current values.
func (s *Server) handleSetFieldsIfEquals(ctx context.Context, env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	ctxID, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	current, err := s.setFieldsIfEquals(ctx, it)
	dg := protocol.NewDatagram()
	dg.AddUint32(ctxID)
	if err == nil {
		dg.AddBool(true)
	} else {
		dg.AddBool(false)
		writeFields(dg, current)
	}
	s.reply(env.Sender, protocol.MsgDBSetFieldsIfEqualsResp, dg)
	return err
}

func (s *Server) setFieldsIfEquals(ctx context.Context, it *protocol.Iterator) (Fields, error) {
	doID, err := it.Channel()
	if err != nil {
		return nil, malformed(err)
	}
	count, err := it.Uint16()
	if err != nil {
		return nil, malformed(err)
	}
	cls, err := s.class(ctx, doID)
	if err != nil {
		return nil, err
	}
	expected, updates := make(Fields, count), make(Fields, count)
	for range count {
		f, err := readField(cls, it)
		if err != nil {
			return nil, err
		}
		want, err := f.Read(it)
		if err != nil {
			return nil, malformed(err)
		}
		next, err := f.Read(it)
		if err != nil {
			return nil, malformed(err)
		}
		expected[f.Number] = want
		updates[f.Number] = next
	}
	if err := it.Done(); err != nil {
		return nil, malformed(err)
	}
	return s.store.SetFieldsIfEquals(ctx, doID, expected.Clone(), updates.Clone())
}

// handleDeleteObject: [doId]. No response.
func (s *Server) handleDeleteObject(ctx context.Context, env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	doID, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	return s.store.Delete(ctx, doID)
}
