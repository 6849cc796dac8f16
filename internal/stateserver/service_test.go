package stateserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/gin-gonic/gin"
)

func TestRunDrainsInboxInOrder(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Run(ctx) }()

	dg := protocol.NewDatagram()
	dg.AddString("s")
	dg.AddUint32(0)
	h.srv.HandleEnvelope(protocol.NewEnvelope(protocol.StateServerChannel, shardS, protocol.MsgAddShard, dg.Bytes()))
	h.srv.HandleEnvelope(protocol.NewEnvelope(protocol.StateServerChannel, shardS, protocol.MsgGenerateWithRequired,
		generatePayload(objA, shardS, 5, h.toon.Number)))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.srv.Object(objA); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("generate never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !h.bus.Subscribed(objA) {
		t.Fatalf("object channel not subscribed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	// A stopped server drops instead of blocking.
	h.srv.HandleEnvelope(protocol.NewEnvelope(protocol.StateServerChannel, shardS, protocol.MsgGetShardAll, nil))
}

func TestMountAdminServesRegistry(t *testing.T) {
	h := newHarness(t)
	h.addShard(shardS, "s")
	h.generate(objA, shardS, 5, client1)
	h.generate(objB, shardS, 5, client2)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	MountAdmin(r, h.srv)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/objects/100000001")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Object  ObjectInfo         `json:"object"`
		Visible []protocol.Channel `json:"visible"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Object.Owner != client1 || body.Object.Fields["setHp"] != "setHp(15)" {
		t.Fatalf("object=%+v", body.Object)
	}
	if len(body.Visible) != 1 || body.Visible[0] != objB {
		t.Fatalf("visible=%v", body.Visible)
	}

	if rec := get("/objects/nope"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status=%d", rec.Code)
	}
	if rec := get("/objects/42"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing id status=%d", rec.Code)
	}

	var shards struct {
		Shards []Shard `json:"shards"`
	}
	if err := json.Unmarshal(get("/shards").Body.Bytes(), &shards); err != nil {
		t.Fatalf("decode shards: %v", err)
	}
	if len(shards.Shards) != 1 || shards.Shards[0].Channel != shardS {
		t.Fatalf("shards=%+v", shards.Shards)
	}
}
