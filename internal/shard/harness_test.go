package shard

import (
	"errors"
	"maps"
	"path/filepath"
	"slices"
	"testing"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/danmuck/shardmesh/internal/stateserver"
	"github.com/danmuck/shardmesh/internal/testutil/testlog"
)

const (
	shardA protocol.Channel = 400000001
	shardB protocol.Channel = 400000002

	client1 protocol.Channel = 1000000001
	avatar  protocol.Channel = 100000050
)

// harness runs shard repositories against a real state server. pump moves
// traffic until nobody has anything left to say.
type harness struct {
	t     *testing.T
	reg   *dclass.Registry
	ss    *stateserver.Server
	ssBus *busclient.Recorder
	repos map[protocol.Channel]*Repository
	buses map[protocol.Channel]*busclient.Recorder

	// mail keeps state server output addressed to anyone but a shard.
	mail []protocol.Envelope
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	testlog.Start(t)
	reg, err := dclass.Load(filepath.Join("..", "..", "configs", "toon.toml"))
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	ssBus := busclient.NewRecorder()
	return &harness{
		t:     t,
		reg:   reg,
		ss:    stateserver.New(reg, ssBus, stateserver.DefaultConfig()),
		ssBus: ssBus,
		repos: make(map[protocol.Channel]*Repository),
		buses: make(map[protocol.Channel]*busclient.Recorder),
	}
}

func (h *harness) repo(cfg Config) *Repository {
	h.t.Helper()
	bus := busclient.NewRecorder()
	r, err := New(h.reg, bus, cfg)
	if err != nil {
		h.t.Fatalf("new repository: %v", err)
	}
	h.repos[cfg.Channel] = r
	h.buses[cfg.Channel] = bus
	return r
}

func (h *harness) announced(ch protocol.Channel, name string) *Repository {
	h.t.Helper()
	cfg := DefaultConfig()
	cfg.Channel = ch
	if ch == shardB {
		cfg.IDMin, cfg.IDMax = protocol.AIObjectIDMin+1000, protocol.AIObjectIDMin+1999
	}
	r := h.repo(cfg)
	if err := r.Announce(name, 0); err != nil {
		h.t.Fatalf("announce: %v", err)
	}
	h.pump()
	return r
}

func (h *harness) pump() {
	h.t.Helper()
	for range 100 {
		moved := false
		for _, ch := range slices.Sorted(maps.Keys(h.buses)) {
			for _, env := range h.buses[ch].Take() {
				moved = true
				_ = h.ss.Handle(env)
			}
		}
		for _, env := range h.ssBus.Take() {
			moved = true
			h.deliver(env)
		}
		if !moved {
			return
		}
	}
	h.t.Fatalf("traffic did not settle")
}

func (h *harness) deliver(env protocol.Envelope) {
	shardMail := false
	for _, rcpt := range env.Recipients {
		if r, ok := h.repos[rcpt]; ok {
			shardMail = true
			r.HandleEnvelope(env)
		}
	}
	if !shardMail {
		h.mail = append(h.mail, env)
	}
}

// external injects an envelope from a non-shard participant.
func (h *harness) external(to, from protocol.Channel, t protocol.MsgType, dg *protocol.Datagram) {
	h.t.Helper()
	if err := h.ss.Handle(protocol.NewEnvelope(to, from, t, dg.Bytes())); err != nil {
		h.t.Fatalf("external %s: %v", t, err)
	}
	h.pump()
}

func (h *harness) field(class, name string) *dclass.Field {
	h.t.Helper()
	cls, ok := h.reg.ClassByName(class)
	if !ok {
		h.t.Fatalf("class %s missing", class)
	}
	f, ok := cls.FieldByName(name)
	if !ok {
		h.t.Fatalf("field %s.%s missing", class, name)
	}
	return f
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
