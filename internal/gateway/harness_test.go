package gateway

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/database"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/danmuck/shardmesh/internal/stateserver"
	"github.com/danmuck/shardmesh/internal/testutil/testlog"
)

const shardS protocol.Channel = 400000001

type fakeConn struct {
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{out: make(chan []byte, 1024), closed: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(b []byte) error {
	c.out <- append([]byte(nil), b...)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// next returns the next client message, failing after a short wait.
func (c *fakeConn) next(t *testing.T) (ClientMsg, *protocol.Iterator) {
	t.Helper()
	select {
	case b := <-c.out:
		m, it, err := splitClientDatagram(b)
		if err != nil {
			t.Fatalf("bad client datagram %x: %v", b, err)
		}
		return m, it
	case <-time.After(2 * time.Second):
		t.Fatalf("no client message")
		return 0, nil
	}
}

// until skips messages until one of type m arrives.
func (c *fakeConn) until(t *testing.T, m ClientMsg) *protocol.Iterator {
	t.Helper()
	for {
		got, it := c.next(t)
		if got == m {
			return it
		}
	}
}

func (c *fakeConn) expectGoGetLost(t *testing.T, code uint16) {
	t.Helper()
	it := c.until(t, ClientGoGetLost)
	got, err := it.Uint16()
	if err != nil || got != code {
		t.Fatalf("go get lost code=%d err=%v want %d", got, err, code)
	}
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("transport not closed")
	}
}

// harness wires a gateway to a real persistence server and state server
// through recorders. pump moves traffic until everything settles.
type harness struct {
	t     *testing.T
	reg   *dclass.Registry
	toon  *dclass.Class
	bus   *busclient.Recorder
	store *database.MemoryStore
	db    *database.Server
	dbBus *busclient.Recorder
	ss    *stateserver.Server
	ssBus *busclient.Recorder
	gw    *Gateway

	mu        sync.Mutex
	toState     []protocol.Envelope
	shardMail   []protocol.Envelope
	accountMail []protocol.Envelope
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	testlog.Start(t)
	reg, err := dclass.Load(filepath.Join("..", "..", "configs", "toon.toml"))
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	toon, _ := reg.ClassByName("DistributedToon")
	h := &harness{
		t:     t,
		reg:   reg,
		toon:  toon,
		bus:   busclient.NewRecorder(),
		store: database.NewMemoryStore(database.DefaultIDRange()),
		dbBus: busclient.NewRecorder(),
		ssBus: busclient.NewRecorder(),
	}
	h.db = database.NewServer(reg, h.store, h.dbBus, database.DefaultServerConfig())
	h.ss = stateserver.New(reg, h.ssBus, stateserver.DefaultConfig())

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h.gw, err = New(reg, h.bus, NewMemoryAccounts(), cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	dg := protocol.NewDatagram()
	dg.AddString("s")
	dg.AddUint32(0)
	if err := h.ss.Handle(protocol.NewEnvelope(protocol.StateServerChannel, shardS, protocol.MsgAddShard, dg.Bytes())); err != nil {
		t.Fatalf("add shard: %v", err)
	}
	h.ssBus.Take()
	return h
}

func (h *harness) pump() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		sent := h.bus.Take()
		if len(sent) == 0 {
			return
		}
		for _, env := range sent {
			if env.Recipients[0] == protocol.DatabaseChannel {
				_ = h.db.Handle(context.Background(), env)
				continue
			}
			if role, _ := protocol.SplitRoleChannel(env.Recipients[0]); role != 0 {
				h.accountMail = append(h.accountMail, env)
				continue
			}
			h.toState = append(h.toState, env)
			_ = h.ss.Handle(env)
		}
		for _, env := range h.dbBus.Take() {
			h.gw.HandleEnvelope(env)
		}
		h.deliverState()
	}
}

// deliverState hands state server output to the gateway and keeps what
// was addressed to the shard.
func (h *harness) deliverState() {
	for _, env := range h.ssBus.Take() {
		if busclient.To([]protocol.Envelope{env}, shardS) != nil {
			h.shardMail = append(h.shardMail, env)
		}
		h.gw.HandleEnvelope(env)
	}
}

// pumpEvery runs pump in the background until the test ends.
func (h *harness) pumpEvery(d time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
	go func() {
		defer close(done)
		tick := time.NewTicker(d)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				h.pump()
			}
		}
	}()
}

// shardSend injects an envelope from the shard into the state server.
func (h *harness) shardSend(t protocol.MsgType, payload []byte) {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ss.Handle(protocol.NewEnvelope(protocol.StateServerChannel, shardS, t, payload)); err != nil {
		h.t.Fatalf("shard %s: %v", t, err)
	}
	h.deliverState()
}

func (h *harness) takeToState() []protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.toState
	h.toState = nil
	return out
}

func (h *harness) connect() (*Session, *fakeConn) {
	h.t.Helper()
	c := newFakeConn()
	s, err := h.gw.Connect(c, "test")
	if err != nil {
		h.t.Fatalf("connect: %v", err)
	}
	return s, c
}

func (h *harness) send(s *Session, m ClientMsg, body func(dg *protocol.Datagram)) {
	h.t.Helper()
	dg := newClientDatagram(m)
	if body != nil {
		body(dg)
	}
	h.gw.HandleClient(s, dg.Bytes())
	h.pump()
}

func (h *harness) loginWith(s *Session, token, version string, hash uint32) {
	h.send(s, ClientLogin, func(dg *protocol.Datagram) {
		dg.AddString(token)
		dg.AddString(version)
		dg.AddUint32(hash)
	})
}

// login completes a login and returns the account id.
func (h *harness) login(s *Session, c *fakeConn, token string) protocol.Channel {
	h.t.Helper()
	h.loginWith(s, token, h.gw.cfg.Version, h.reg.Hash())
	it := c.until(h.t, ClientLoginResp)
	code, _ := it.Uint8()
	reason, _ := it.String()
	id, err := it.Channel()
	if err != nil || code != ResultOK {
		h.t.Fatalf("login code=%d reason=%q err=%v", code, reason, err)
	}
	return id
}

func (h *harness) createAvatar(s *Session, c *fakeConn, index uint8, dna string) protocol.Channel {
	h.t.Helper()
	h.send(s, ClientCreateAvatar, func(dg *protocol.Datagram) {
		dg.AddUint16(77)
		dg.AddBlob([]byte(dna))
		dg.AddUint8(index)
	})
	it := c.until(h.t, ClientCreateAvatarResp)
	ctx, _ := it.Uint16()
	code, _ := it.Uint8()
	id, err := it.Channel()
	if err != nil || ctx != 77 || code != ResultOK || id == 0 {
		h.t.Fatalf("create avatar ctx=%d code=%d id=%d err=%v", ctx, code, id, err)
	}
	return id
}

// play takes a fresh session all the way into the world.
func (h *harness) play(token string) (*Session, *fakeConn, protocol.Channel) {
	h.t.Helper()
	s, c := h.connect()
	h.login(s, c, token)
	avatar := h.createAvatar(s, c, 0, "dna-"+token)
	h.send(s, ClientSetShard, func(dg *protocol.Datagram) { dg.AddChannel(shardS) })
	if it := c.until(h.t, ClientSetShardResp); mustU8(h.t, it) != ResultOK {
		h.t.Fatalf("set shard refused")
	}
	h.send(s, ClientSetAvatar, func(dg *protocol.Datagram) { dg.AddChannel(avatar) })
	it := c.until(h.t, ClientSetAvatarResp)
	if code := mustU8(h.t, it); code != ResultOK {
		h.t.Fatalf("set avatar code=%d", code)
	}
	return s, c, avatar
}

func mustU8(t *testing.T, it *protocol.Iterator) uint8 {
	t.Helper()
	v, err := it.Uint8()
	if err != nil {
		t.Fatalf("read u8: %v", err)
	}
	return v
}

func (h *harness) state(s *Session) State {
	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	return s.state
}
