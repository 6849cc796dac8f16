package stateserver

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/danmuck/shardmesh/internal/testutil/testlog"
)

const (
	shardS  protocol.Channel = 400000001
	shardS2 protocol.Channel = 400000002

	client1 protocol.Channel = 1000000001
	client2 protocol.Channel = 1000000002
	client3 protocol.Channel = 1000000003
	client4 protocol.Channel = 1000000004

	objA protocol.Channel = 100000001
	objB protocol.Channel = 100000002
	objD protocol.Channel = 100000003
	objU protocol.Channel = 100000004
)

type harness struct {
	t    *testing.T
	reg  *dclass.Registry
	toon *dclass.Class
	bus  *busclient.Recorder
	srv  *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	testlog.Start(t)
	reg, err := dclass.Load(filepath.Join("..", "..", "configs", "toon.toml"))
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	toon, ok := reg.ClassByName("DistributedToon")
	if !ok {
		t.Fatalf("toon class missing")
	}
	bus := busclient.NewRecorder()
	return &harness{t: t, reg: reg, toon: toon, bus: bus, srv: New(reg, bus, DefaultConfig())}
}

func (h *harness) handle(t protocol.MsgType, to, from protocol.Channel, payload []byte) error {
	return h.srv.Handle(protocol.NewEnvelope(to, from, t, payload))
}

func (h *harness) must(err error) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
}

func (h *harness) field(name string) *dclass.Field {
	h.t.Helper()
	f, ok := h.toon.FieldByName(name)
	if !ok {
		h.t.Fatalf("field %s missing", name)
	}
	return f
}

func (h *harness) pack(name string, args ...any) []byte {
	h.t.Helper()
	v, err := h.field(name).Pack(args...)
	if err != nil {
		h.t.Fatalf("pack %s: %v", name, err)
	}
	return v
}

func (h *harness) addShard(ch protocol.Channel, name string) {
	h.t.Helper()
	dg := protocol.NewDatagram()
	dg.AddString(name)
	dg.AddUint32(0)
	h.must(h.handle(protocol.MsgAddShard, protocol.StateServerChannel, ch, dg.Bytes()))
}

type fieldValue struct {
	n uint16
	v []byte
}

func generatePayload(doID, parent protocol.Channel, zone uint32, class uint16, fields ...fieldValue) []byte {
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	dg.AddChannel(parent)
	dg.AddUint32(zone)
	dg.AddUint16(class)
	dg.AddUint16(uint16(len(fields)))
	for _, f := range fields {
		dg.AddUint16(f.n)
		dg.AddData(f.v)
	}
	return dg.Bytes()
}

// generate creates a toon with default required fields, optionally owned.
func (h *harness) generate(doID, parent protocol.Channel, zone uint32, owner protocol.Channel) {
	h.t.Helper()
	h.must(h.handle(protocol.MsgGenerateWithRequired, protocol.StateServerChannel, parent,
		generatePayload(doID, parent, zone, h.toon.Number)))
	if owner != 0 {
		h.setOwner(doID, owner, owner)
	}
}

func (h *harness) setOwner(doID, owner, from protocol.Channel) {
	h.t.Helper()
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	dg.AddChannel(owner)
	h.must(h.handle(protocol.MsgSetOwner, doID, from, dg.Bytes()))
}

func (h *harness) setZone(doID, parent protocol.Channel, zone uint32, from protocol.Channel) error {
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	dg.AddChannel(parent)
	dg.AddUint32(zone)
	return h.handle(protocol.MsgSetZone, doID, from, dg.Bytes())
}

func (h *harness) update(doID protocol.Channel, name string, from protocol.Channel, args ...any) error {
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	dg.AddUint16(h.field(name).Number)
	dg.AddData(h.pack(name, args...))
	return h.handle(protocol.MsgUpdateField, doID, from, dg.Bytes())
}

// subject returns the object id every object-scoped outbound payload
// starts with.
func subject(t *testing.T, env protocol.Envelope) protocol.Channel {
	t.Helper()
	if len(env.Payload) < 8 {
		t.Fatalf("payload too short for %s: %x", env.Type, env.Payload)
	}
	return protocol.Channel(binary.LittleEndian.Uint64(env.Payload))
}

func isEnter(t protocol.MsgType) bool {
	return t >= protocol.MsgEnterLocationWithRequired && t <= protocol.MsgEnterOwnerWithRequiredOther
}

func isLocationEnter(t protocol.MsgType) bool {
	return t == protocol.MsgEnterLocationWithRequired || t == protocol.MsgEnterLocationWithRequiredOther
}

// about filters envs addressed to ch of type mt concerning doID.
func about(t *testing.T, envs []protocol.Envelope, ch protocol.Channel, mt protocol.MsgType, doID protocol.Channel) int {
	t.Helper()
	n := 0
	for _, env := range busclient.To(envs, ch) {
		if env.Type == mt && subject(t, env) == doID {
			n++
		}
	}
	return n
}

type parsedSnapshot struct {
	doID   protocol.Channel
	parent protocol.Channel
	zone   uint32
	class  uint16
	fields []fieldValue
}

func (h *harness) parseSnapshot(payload []byte) parsedSnapshot {
	h.t.Helper()
	it := protocol.NewIterator(payload)
	var out parsedSnapshot
	var err error
	read := func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}
	var e error
	out.doID, e = it.Channel()
	read(e)
	out.parent, e = it.Channel()
	read(e)
	out.zone, e = it.Uint32()
	read(e)
	out.class, e = it.Uint16()
	read(e)
	count, e := it.Uint16()
	read(e)
	if err != nil {
		h.t.Fatalf("snapshot header: %v", err)
	}
	cls, _ := h.reg.Class(out.class)
	for range count {
		n, err := it.Uint16()
		if err != nil {
			h.t.Fatalf("snapshot field number: %v", err)
		}
		f, ok := cls.Field(n)
		if !ok {
			h.t.Fatalf("snapshot field %d not in class", n)
		}
		v, err := f.Read(it)
		if err != nil {
			h.t.Fatalf("snapshot field %s: %v", f.Name, err)
		}
		out.fields = append(out.fields, fieldValue{n, v})
	}
	if err := it.Done(); err != nil {
		h.t.Fatalf("snapshot trailing bytes: %v", err)
	}
	return out
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
