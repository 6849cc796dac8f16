package stateserver

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/protocol"
)

func TestZoneMoveWorkedExample(t *testing.T) {
	h := newHarness(t)
	h.addShard(shardS, "s")
	h.generate(objA, shardS, 5, client1)
	h.generate(objB, shardS, 5, client2)
	h.bus.Take()

	h.must(h.setZone(objA, shardS, 6, client1))
	sent := h.bus.Take()

	toC2 := busclient.To(sent, client2)
	if len(toC2) != 1 || toC2[0].Type != protocol.MsgDeleteRam || subject(t, toC2[0]) != objA {
		t.Fatalf("client2 expects exactly one delete(A), got %+v", toC2)
	}

	toC1 := busclient.To(sent, client1)
	if len(toC1) != 1 || toC1[0].Type != protocol.MsgSetZoneResp {
		t.Fatalf("client1 expects only the zone ack, got %+v", toC1)
	}
	it := protocol.NewIterator(toC1[0].Payload)
	doID, _ := it.Channel()
	oldZone, _ := it.Uint32()
	newZone, _ := it.Uint32()
	if doID != objA || oldZone != 5 || newZone != 6 {
		t.Fatalf("ack=%d %d->%d", doID, oldZone, newZone)
	}

	if about(t, sent, shardS, protocol.MsgChangingLocation, objA) != 1 {
		t.Fatalf("old parent must be told about the move")
	}
}

func TestZoneMoveDeletesBeforeGeneratesAndSnapshotsBeforeAck(t *testing.T) {
	h := newHarness(t)
	h.addShard(shardS, "s")
	h.generate(objA, shardS, 5, client1)
	h.generate(objB, shardS, 5, client2)
	h.generate(objD, shardS, 6, client3)
	h.generate(objU, shardS, UberZone, client4)
	h.bus.Take()

	h.must(h.setZone(objA, 0, 6, client1))
	sent := h.bus.Take()

	lastDelete, firstEnter := -1, len(sent)
	ack, lastOwnerSnapshot := -1, -1
	for i, env := range sent {
		switch {
		case env.Type == protocol.MsgDeleteRam:
			lastDelete = i
		case isEnter(env.Type):
			firstEnter = min(firstEnter, i)
			if slices.Contains(env.Recipients, client1) {
				lastOwnerSnapshot = i
			}
		case env.Type == protocol.MsgSetZoneResp:
			ack = i
		}
	}
	if lastDelete < 0 || lastDelete > firstEnter {
		t.Fatalf("every delete must precede every generate: lastDelete=%d firstEnter=%d", lastDelete, firstEnter)
	}
	if ack < 0 || lastOwnerSnapshot > ack {
		t.Fatalf("owner snapshot must complete before the ack: snapshot=%d ack=%d", lastOwnerSnapshot, ack)
	}

	// The uber-zone owner loses A at the old location and regains it.
	if about(t, sent, client4, protocol.MsgDeleteRam, objA) != 1 ||
		about(t, sent, client4, protocol.MsgEnterLocationWithRequired, objA) != 1 {
		t.Fatalf("uber-zone owner must see delete then generate of A")
	}
	if about(t, sent, client3, protocol.MsgEnterLocationWithRequired, objA) != 1 {
		t.Fatalf("new zone owner must see A")
	}
	if about(t, sent, client1, protocol.MsgEnterLocationWithRequired, objD) != 1 ||
		about(t, sent, client1, protocol.MsgEnterLocationWithRequired, objU) != 1 {
		t.Fatalf("owner must receive the full new surroundings")
	}
	if about(t, sent, client1, protocol.MsgEnterLocationWithRequired, objB) != 0 {
		t.Fatalf("owner must not receive objects left behind")
	}
}

func TestSetZoneDeniedForStrangers(t *testing.T) {
	h := newHarness(t)
	h.addShard(shardS, "s")
	h.generate(objA, shardS, 5, client1)
	h.bus.Take()

	expectErr(t, h.setZone(objA, shardS, 6, client2), ErrForbidden)
	if len(h.bus.Take()) != 0 {
		t.Fatalf("denied move must be silent")
	}
	h.must(h.setZone(objA, shardS, 6, shardS))
	if obj, _ := h.srv.Object(objA); obj.Zone != 6 {
		t.Fatalf("shard move not applied, zone=%d", obj.Zone)
	}
}

func TestSetZoneToCurrentLocationOnlyAcks(t *testing.T) {
	h := newHarness(t)
	h.addShard(shardS, "s")
	h.generate(objA, shardS, 5, client1)
	h.generate(objB, shardS, 5, client2)
	h.bus.Take()

	h.must(h.setZone(objA, shardS, 5, client1))
	sent := h.bus.Take()
	if len(sent) != 1 || sent[0].Type != protocol.MsgSetZoneResp {
		t.Fatalf("expected a lone ack, got %+v", sent)
	}
}

func TestSetZoneAcrossShardsHandsObjectToNewParent(t *testing.T) {
	h := newHarness(t)
	h.addShard(shardS, "s")
	h.addShard(shardS2, "s2")
	h.generate(objA, shardS, 5, client1)
	h.bus.Take()

	h.must(h.setZone(objA, shardS2, 5, shardS))
	sent := h.bus.Take()
	if about(t, sent, shardS, protocol.MsgChangingLocation, objA) != 1 {
		t.Fatalf("old parent must be told")
	}
	if about(t, sent, shardS2, protocol.MsgEnterAIWithRequired, objA) != 1 {
		t.Fatalf("new parent must get the AI snapshot")
	}
}

func TestObjectsStayParentedToRegisteredShards(t *testing.T) {
	h := newHarness(t)
	h.addShard(shardS, "s")
	h.addShard(shardS2, "s2")
	h.generate(objA, shardS, 5, client1)
	h.bus.Take()

	const stray protocol.Channel = 777
	expectErr(t, h.setZone(objA, stray, 5, client1), ErrForbidden)
	expectErr(t, h.setZone(objA, shardS2, 5, client1), ErrForbidden)
	expectErr(t, h.setZone(objA, stray, 5, shardS), ErrUnknownShard)
	dg := protocol.NewDatagram()
	dg.AddChannel(objA)
	dg.AddChannel(stray)
	expectErr(t, h.handle(protocol.MsgSetAI, objA, shardS, dg.Bytes()), ErrUnknownShard)
	expectErr(t, h.handle(protocol.MsgGenerateWithRequired, protocol.StateServerChannel, shardS,
		generatePayload(objB, stray, 5, h.toon.Number)), ErrUnknownShard)
	if len(h.bus.Take()) != 0 {
		t.Fatalf("rejected moves must be silent")
	}
	if obj, _ := h.srv.Object(objA); obj.Parent != shardS || obj.Zone != 5 {
		t.Fatalf("location=%d/%d", obj.Parent, obj.Zone)
	}

	// Owners still move between zones of their own shard.
	h.must(h.setZone(objA, 0, 6, client1))
	h.must(h.setZone(objA, shardS, 7, client1))

	h.must(h.handle(protocol.MsgRemoveShard, protocol.StateServerChannel, shardS, nil))
	if objs := h.srv.Objects(); len(objs) != 0 {
		t.Fatalf("objects outlived their shard: %+v", objs)
	}
}

func TestSetAIReparentsAndAcknowledgesRequester(t *testing.T) {
	h := newHarness(t)
	h.addShard(shardS, "s")
	h.addShard(shardS2, "s2")
	h.generate(objA, shardS, 5, client1)
	h.generate(objB, shardS, 5, client2)
	h.generate(objD, shardS2, 5, client3)
	h.bus.Take()

	dg := protocol.NewDatagram()
	dg.AddChannel(objA)
	dg.AddChannel(shardS2)
	expectErr(t, h.handle(protocol.MsgSetAI, objA, client1, dg.Bytes()), ErrForbidden)

	h.must(h.handle(protocol.MsgSetAI, objA, shardS, dg.Bytes()))
	sent := h.bus.Take()
	if about(t, sent, shardS, protocol.MsgChangingAI, objA) != 1 {
		t.Fatalf("old parent must get changing ai")
	}
	if about(t, sent, shardS2, protocol.MsgEnterAIWithRequired, objA) != 1 {
		t.Fatalf("new parent must get the ai snapshot")
	}
	if about(t, sent, shardS, protocol.MsgSetAIResp, objA) != 1 {
		t.Fatalf("requester must be acknowledged")
	}
	if about(t, sent, client2, protocol.MsgDeleteRam, objA) != 1 {
		t.Fatalf("old co-visible owner must lose A")
	}
	if about(t, sent, client3, protocol.MsgEnterLocationWithRequired, objA) != 1 {
		t.Fatalf("new co-visible owner must see A")
	}
	obj, _ := h.srv.Object(objA)
	if obj.Parent != shardS2 || obj.Zone != 5 {
		t.Fatalf("location=%d/%d", obj.Parent, obj.Zone)
	}

	// The new parent asking for itself gets no ack.
	h.must(h.handle(protocol.MsgSetAI, objA, shardS2, dg.Bytes()))
	sent = h.bus.Take()
	if about(t, sent, shardS2, protocol.MsgSetAIResp, objA) != 0 || about(t, sent, shardS2, protocol.MsgEnterAIWithRequired, objA) != 1 {
		t.Fatalf("unexpected messages: %+v", sent)
	}
}

// TestObserverSetsMatchCoVisibilityAcrossMoves drives random zone moves and
// ownership transfers, replaying every generate/delete into a per-client
// view. A client clears its view when its object moves, as gateways do on
// zone change, and drops it entirely on ChangingOwner.
func TestObserverSetsMatchCoVisibilityAcrossMoves(t *testing.T) {
	h := newHarness(t)
	h.addShard(shardS, "s")
	h.addShard(shardS2, "s2")

	zones := []uint32{UberZone, 5, 6, 7}
	parents := []protocol.Channel{shardS, shardS2}
	rng := rand.New(rand.NewSource(7))

	const n = 10
	owned := make(map[protocol.Channel]protocol.Channel)
	var ids []protocol.Channel
	for i := range n {
		doID := protocol.Channel(100000100 + i)
		ids = append(ids, doID)
		h.generate(doID, parents[i%2], zones[rng.Intn(len(zones))], 0)
	}

	view := make(map[protocol.Channel]map[protocol.Channel]bool)
	replay := func(sent []protocol.Envelope) {
		for _, env := range sent {
			for _, r := range env.Recipients {
				if view[r] == nil {
					continue
				}
				switch {
				case env.Type == protocol.MsgDeleteRam:
					delete(view[r], subject(t, env))
				case isLocationEnter(env.Type):
					view[r][subject(t, env)] = true
				}
			}
		}
	}
	h.bus.Take()
	for i, doID := range ids {
		c := protocol.Channel(1000000100 + i)
		owned[c] = doID
		view[c] = make(map[protocol.Channel]bool)
		h.setOwner(doID, c, c)
		replay(h.bus.Take())
	}

	check := func(step int) {
		t.Helper()
		for c, doID := range owned {
			want := h.srv.VisibleTo(doID)
			if len(want) != len(view[c]) {
				t.Fatalf("step %d client %d view=%v want=%v", step, c, view[c], want)
			}
			for _, x := range want {
				if !view[c][x] {
					t.Fatalf("step %d client %d missing %d", step, c, x)
				}
			}
		}
	}
	check(-1)

	clients := make([]protocol.Channel, n)
	for i := range n {
		clients[i] = protocol.Channel(1000000100 + i)
	}
	next := protocol.Channel(1000000200)
	for step := range 80 {
		i := rng.Intn(n)
		c := clients[i]
		doID := owned[c]

		if step%10 == 9 {
			heir := next
			next++
			delete(owned, c)
			delete(view, c)
			owned[heir] = doID
			view[heir] = make(map[protocol.Channel]bool)
			clients[i] = heir
			h.setOwner(doID, heir, c)
			sent := h.bus.Take()
			if about(t, sent, c, protocol.MsgChangingOwner, doID) != 1 {
				t.Fatalf("step %d previous owner %d not told", step, c)
			}
			replay(sent)
			check(step)
			continue
		}

		obj, _ := h.srv.Object(doID)
		zone := zones[rng.Intn(len(zones))]
		for zone == obj.Zone {
			zone = zones[rng.Intn(len(zones))]
		}
		var parent protocol.Channel
		from := c
		if rng.Intn(4) == 0 {
			parent = parents[rng.Intn(len(parents))]
			if parent != obj.Parent {
				from = obj.Parent
			}
		}
		view[c] = make(map[protocol.Channel]bool)
		h.must(h.setZone(doID, parent, zone, from))
		replay(h.bus.Take())
		check(step)
	}
}
