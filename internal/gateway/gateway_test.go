package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/database"
	"github.com/danmuck/shardmesh/internal/protocol"
)

func TestLoginCreatesAccountOnceAndReusesIt(t *testing.T) {
	h := newHarness(t, nil)
	s, c := h.connect()
	first := h.login(s, c, "alice")
	if first < protocol.ObjectIDMin || first > protocol.ObjectIDMax {
		t.Fatalf("account id %d outside the object range", first)
	}
	rec, err := h.store.Get(context.Background(), first)
	if err != nil || rec.Class != h.gw.accountClass.Number {
		t.Fatalf("account record=%+v err=%v", rec, err)
	}
	if _, ok := rec.Fields[h.gw.created.Number]; !ok {
		t.Fatalf("CREATED not stored: %+v", rec.Fields)
	}
	h.gw.Disconnect(s, "test")

	s2, c2 := h.connect()
	if again := h.login(s2, c2, "alice"); again != first {
		t.Fatalf("second login account=%d want %d", again, first)
	}
	rec, _ = h.store.Get(context.Background(), first)
	if _, ok := rec.Fields[h.gw.lastLogin.Number]; !ok {
		t.Fatalf("LAST_LOGIN not stamped on reuse")
	}
	if h.state(s2) != StateAuthenticated {
		t.Fatalf("state=%s", h.state(s2))
	}
}

func TestLoginRejectsVersionHashAndToken(t *testing.T) {
	h := newHarness(t, nil)

	s, c := h.connect()
	h.loginWith(s, "alice", "old-client", h.reg.Hash())
	c.expectGoGetLost(t, DisconnectBadVersion)

	s, c = h.connect()
	h.loginWith(s, "alice", h.gw.cfg.Version, h.reg.Hash()+1)
	c.expectGoGetLost(t, DisconnectBadHash)

	s, c = h.connect()
	h.loginWith(s, "   ", h.gw.cfg.Version, h.reg.Hash())
	c.expectGoGetLost(t, DisconnectBadToken)

	if len(h.gw.Sessions()) != 0 {
		t.Fatalf("rejected sessions linger: %+v", h.gw.Sessions())
	}
}

func TestPreAuthViolationsEjectTheClient(t *testing.T) {
	h := newHarness(t, nil)

	s, c := h.connect()
	h.send(s, ClientGetAvatars, nil)
	c.expectGoGetLost(t, DisconnectNotAuthenticated)

	s, c = h.connect()
	h.send(s, ClientMsg(999), nil)
	c.expectGoGetLost(t, DisconnectInvalidMsgType)

	s, c = h.connect()
	h.gw.HandleClient(s, []byte{2})
	c.expectGoGetLost(t, DisconnectTruncated)

	s, c = h.connect()
	h.send(s, ClientLogin, func(dg *protocol.Datagram) { dg.AddString("alice") })
	c.expectGoGetLost(t, DisconnectTruncated)
}

func TestPostAuthViolationsOnlyDropTheMessage(t *testing.T) {
	h := newHarness(t, nil)
	s, c := h.connect()
	h.login(s, c, "alice")

	h.send(s, ClientMsg(999), nil)
	h.send(s, ClientSetAvatar, func(dg *protocol.Datagram) { dg.AddUint8(1) })
	h.send(s, ClientSetZone, func(dg *protocol.Datagram) { dg.AddUint32(5) })
	if h.state(s) != StateAuthenticated {
		t.Fatalf("session state=%s", h.state(s))
	}

	h.send(s, ClientGetAvatars, nil)
	it := c.until(t, ClientGetAvatarsResp)
	if code := mustU8(t, it); code != ResultOK {
		t.Fatalf("session no longer usable, code=%d", code)
	}
}

func TestCreateAndListAvatars(t *testing.T) {
	h := newHarness(t, nil)
	s, c := h.connect()
	account := h.login(s, c, "alice")
	id := h.createAvatar(s, c, 2, "abc")

	h.send(s, ClientGetAvatars, nil)
	it := c.until(t, ClientGetAvatarsResp)
	code, _ := it.Uint8()
	count, _ := it.Uint16()
	if code != ResultOK || count != 1 {
		t.Fatalf("list code=%d count=%d", code, count)
	}
	got, _ := it.Channel()
	name, _ := it.String()
	dna, _ := it.Blob()
	index, err := it.Uint8()
	if err != nil || got != id || name != "Toon" || string(dna) != "abc" || index != 2 {
		t.Fatalf("avatar id=%d name=%q dna=%q index=%d err=%v", got, name, dna, index, err)
	}

	rec, _ := h.store.Get(context.Background(), account)
	slots, err := h.gw.decodeAvatarSet(rec.Fields[h.gw.avatarSet.Number])
	if err != nil || len(slots) != 6 || slots[2] != id {
		t.Fatalf("stored slots=%v err=%v", slots, err)
	}

	h.send(s, ClientCreateAvatar, func(dg *protocol.Datagram) {
		dg.AddUint16(1)
		dg.AddBlob([]byte("again"))
		dg.AddUint8(2)
	})
	it = c.until(t, ClientCreateAvatarResp)
	it.Uint16()
	if code := mustU8(t, it); code != ResultInvalid {
		t.Fatalf("occupied slot code=%d", code)
	}
}

func TestCreateAvatarConflictDiscardsTheNewObject(t *testing.T) {
	h := newHarness(t, nil)
	s, c := h.connect()
	account := h.login(s, c, "alice")

	// Another session fills slot 0 behind this one's back.
	taken := []protocol.Channel{123456789, 0, 0, 0, 0, 0}
	err := h.store.SetFields(context.Background(), account, database.Fields{
		h.gw.avatarSet.Number: h.gw.encodeAvatarSet(taken),
	})
	if err != nil {
		t.Fatalf("seed slots: %v", err)
	}

	h.send(s, ClientCreateAvatar, func(dg *protocol.Datagram) {
		dg.AddUint16(5)
		dg.AddBlob([]byte("abc"))
		dg.AddUint8(1)
	})
	it := c.until(t, ClientCreateAvatarResp)
	it.Uint16()
	if code := mustU8(t, it); code != ResultConflict {
		t.Fatalf("code=%d want conflict", code)
	}
	if _, err := h.store.Get(context.Background(), account+1); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("orphan avatar kept: %v", err)
	}
	h.gw.mu.Lock()
	cached := s.avatars[0]
	h.gw.mu.Unlock()
	if cached != taken[0] {
		t.Fatalf("slot cache not refreshed: %d", cached)
	}
	if h.state(s) != StateAuthenticated {
		t.Fatalf("state=%s", h.state(s))
	}
}

func TestSetAvatarRequiresShardAndOwnership(t *testing.T) {
	h := newHarness(t, nil)
	s, c := h.connect()
	h.login(s, c, "alice")
	id := h.createAvatar(s, c, 0, "abc")

	h.send(s, ClientSetAvatar, func(dg *protocol.Datagram) { dg.AddChannel(id) })
	if code := mustU8(t, c.until(t, ClientSetAvatarResp)); code != ResultInvalid {
		t.Fatalf("avatar without shard code=%d", code)
	}

	h.send(s, ClientSetShard, func(dg *protocol.Datagram) { dg.AddChannel(42) })
	if code := mustU8(t, c.until(t, ClientSetShardResp)); code != ResultInvalid {
		t.Fatalf("non-shard channel accepted")
	}
	h.send(s, ClientSetShard, func(dg *protocol.Datagram) { dg.AddChannel(shardS) })
	c.until(t, ClientSetShardResp)

	h.send(s, ClientSetAvatar, func(dg *protocol.Datagram) { dg.AddChannel(id + 1000) })
	if code := mustU8(t, c.until(t, ClientSetAvatarResp)); code != ResultInvalid {
		t.Fatalf("foreign avatar accepted")
	}
	if len(h.takeToState()) != 0 {
		t.Fatalf("refused activations reached the state server")
	}
}

func TestSetAvatarGeneratesClaimsAndArmsCleanup(t *testing.T) {
	h := newHarness(t, nil)
	s, c, avatar := h.play("alice")

	sent := h.takeToState()
	if len(sent) < 2 || sent[0].Type != protocol.MsgGenerateWithRequiredOther || sent[1].Type != protocol.MsgSetOwner {
		t.Fatalf("activation sequence=%+v", sent)
	}
	for _, env := range sent[:2] {
		if env.Recipients[0] != protocol.StateServerChannel || env.Sender != s.Channel {
			t.Fatalf("misaddressed %s: %+v", env.Type, env)
		}
	}

	obj, ok := h.ss.Object(avatar)
	if !ok || obj.Owner != s.Channel || obj.Parent != shardS || obj.Zone != h.gw.cfg.QuietZone {
		t.Fatalf("registry object=%+v ok=%v", obj, ok)
	}
	if obj.Fields["setDNAString"] == "" || obj.Fields["setName"] != "setName(Toon)" {
		t.Fatalf("stored fields not generated: %+v", obj.Fields)
	}

	post := h.bus.PostRemoves(s.Channel)
	if len(post) != 1 || post[0].Type != protocol.MsgDeleteRam || post[0].Sender != s.Channel {
		t.Fatalf("post-remove=%+v", post)
	}

	it := c.until(t, ClientCreateObjectOwnerOther)
	class, _ := it.Uint16()
	doID, err := it.Channel()
	if err != nil || class != h.toon.Number || doID != avatar {
		t.Fatalf("owner view class=%d do_id=%d err=%v", class, doID, err)
	}
	if h.state(s) != StatePlaying {
		t.Fatalf("state=%s", h.state(s))
	}
}

func TestPlayingRelaysBroadcastsAndZoneMoves(t *testing.T) {
	h := newHarness(t, nil)
	s1, c1, a1 := h.play("alice")
	_, c2, a2 := h.play("bob")

	// Each client learns about the other's avatar.
	if doID := createdID(t, c1.until(t, ClientCreateObjectRequiredOther)); doID != a2 {
		t.Fatalf("c1 saw %d want %d", doID, a2)
	}
	if doID := createdID(t, c2.until(t, ClientCreateObjectRequiredOther)); doID != a1 {
		t.Fatalf("c2 saw %d want %d", doID, a1)
	}

	anim, _ := h.toon.FieldByName("setAnimState")
	value, _ := anim.Pack("run", 1.5)
	h.send(s1, ClientObjectUpdateField, func(dg *protocol.Datagram) {
		dg.AddChannel(a1)
		dg.AddUint16(anim.Number)
		dg.AddData(value)
	})
	it := c2.until(t, ClientObjectUpdateField)
	doID, _ := it.Channel()
	n, _ := it.Uint16()
	if doID != a1 || n != anim.Number || string(it.Rest()) != string(value) {
		t.Fatalf("relayed update do_id=%d field=%d", doID, n)
	}

	h.send(s1, ClientSetZone, func(dg *protocol.Datagram) { dg.AddUint32(7) })
	it = c1.until(t, ClientObjectDelete)
	if doID, _ := it.Channel(); doID != a2 {
		t.Fatalf("c1 view cleared of %d want %d", doID, a2)
	}
	it = c1.until(t, ClientDoneSetZoneResp)
	if zone, _ := it.Uint32(); zone != 7 {
		t.Fatalf("zone ack=%d", zone)
	}
	it = c2.until(t, ClientObjectDelete)
	if doID, _ := it.Channel(); doID != a1 {
		t.Fatalf("c2 lost %d want %d", doID, a1)
	}
	if info, _ := h.gw.Session(s1.Channel); info.Zone != 7 || info.Visible != 1 {
		t.Fatalf("session after move=%+v", info)
	}
}

func createdID(t *testing.T, it *protocol.Iterator) protocol.Channel {
	t.Helper()
	if _, err := it.Uint16(); err != nil {
		t.Fatalf("class: %v", err)
	}
	doID, err := it.Channel()
	if err != nil {
		t.Fatalf("do id: %v", err)
	}
	return doID
}

func TestUpdatesForInvisibleObjectsAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	s, _, _ := h.play("alice")
	h.takeToState()

	emote, _ := h.toon.FieldByName("setEmote")
	value, _ := emote.Pack(3)
	h.send(s, ClientObjectUpdateField, func(dg *protocol.Datagram) {
		dg.AddChannel(protocol.ObjectIDMax)
		dg.AddUint16(emote.Number)
		dg.AddData(value)
	})
	if sent := h.takeToState(); len(sent) != 0 {
		t.Fatalf("update for unseen object forwarded: %+v", sent)
	}
	if h.state(s) != StatePlaying {
		t.Fatalf("post-auth violation closed the session")
	}
}

func TestDisconnectDeletesAvatarAndReleasesChannel(t *testing.T) {
	h := newHarness(t, nil)
	s, c, avatar := h.play("alice")
	h.takeToState()

	h.gw.Disconnect(s, "test")
	h.pump()

	sent := h.takeToState()
	if len(sent) != 1 || sent[0].Type != protocol.MsgDeleteRam || sent[0].Sender != s.Channel {
		t.Fatalf("disconnect sent %+v", sent)
	}
	if _, ok := h.ss.Object(avatar); ok {
		t.Fatalf("avatar survived disconnect")
	}
	if len(h.bus.PostRemoves(s.Channel)) != 0 {
		t.Fatalf("post-remove not cleared")
	}
	if h.bus.Subscribed(s.Channel) {
		t.Fatalf("client channel still subscribed")
	}
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("transport not closed")
	}

	s2, _ := h.connect()
	if s2.Channel != s.Channel {
		t.Fatalf("released channel %d not reused, got %d", s.Channel, s2.Channel)
	}
}

func TestShardDeletingAvatarEjectsClient(t *testing.T) {
	h := newHarness(t, nil)
	s, c, avatar := h.play("alice")

	dg := protocol.NewDatagram()
	dg.AddChannel(avatar)
	h.shardSend(protocol.MsgDeleteRam, dg.Bytes())
	h.pump()

	c.expectGoGetLost(t, DisconnectAvatarDeleted)
	for _, env := range h.takeToState() {
		if env.Type == protocol.MsgDeleteRam {
			t.Fatalf("gateway re-deleted an avatar the shard already removed")
		}
	}
	if _, ok := h.gw.Session(s.Channel); ok {
		t.Fatalf("session kept after eject")
	}
}

func TestDuplicateLoginEjectsOlderSession(t *testing.T) {
	h := newHarness(t, nil)
	s1, c1 := h.connect()
	account := h.login(s1, c1, "alice")

	s2, c2 := h.connect()
	if got := h.login(s2, c2, "alice"); got != account {
		t.Fatalf("account=%d want %d", got, account)
	}
	c1.expectGoGetLost(t, DisconnectDuplicateLogin)
	if h.state(s2) != StateAuthenticated {
		t.Fatalf("new session state=%s", h.state(s2))
	}
}

func TestLoginElsewhereEjectsSessionThroughAccountChannel(t *testing.T) {
	h := newHarness(t, nil)
	s, c := h.connect()
	account := h.login(s, c, "alice")
	ch := protocol.RoleChannel(protocol.RoleAccount, uint32(account))

	if !h.bus.Subscribed(ch) {
		t.Fatalf("account channel %d not subscribed", ch)
	}
	h.mu.Lock()
	claims := busclient.To(h.accountMail, ch)
	h.mu.Unlock()
	if len(claims) != 1 || claims[0].Type != protocol.MsgEjectAccount || claims[0].Sender != s.Channel {
		t.Fatalf("unexpected account claims: %+v", claims)
	}

	// Our own claim echoed back is ignored.
	h.gw.HandleEnvelope(protocol.NewEnvelope(ch, s.Channel, protocol.MsgEjectAccount, nil))
	if h.state(s) != StateAuthenticated {
		t.Fatalf("session dropped by its own claim: %s", h.state(s))
	}

	claimant := protocol.ConnChannelMin + 500
	h.gw.HandleEnvelope(protocol.NewEnvelope(ch, claimant, protocol.MsgEjectAccount, nil))
	c.expectGoGetLost(t, DisconnectDuplicateLogin)
	if h.bus.Subscribed(ch) {
		t.Fatalf("account channel still subscribed after eject")
	}
	h.pump()
	h.mu.Lock()
	var released []protocol.Envelope
	for _, env := range busclient.To(h.toState, claimant) {
		if env.Type == protocol.MsgAccountReleased {
			released = append(released, env)
		}
	}
	h.mu.Unlock()
	if len(released) != 1 || released[0].Sender != s.Channel {
		t.Fatalf("unexpected release replies: %+v", released)
	}
}

func TestAccountReleasedRetriesSubscription(t *testing.T) {
	h := newHarness(t, nil)
	s, c := h.connect()
	account := h.login(s, c, "bob")
	ch := protocol.RoleChannel(protocol.RoleAccount, uint32(account))

	// Stand in for a subscribe the director ignored while another gateway
	// still held the channel.
	if err := h.bus.Unsubscribe(ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	h.gw.HandleEnvelope(protocol.NewEnvelope(s.Channel, protocol.ConnChannelMin+500, protocol.MsgAccountReleased, nil))
	if !h.bus.Subscribed(ch) {
		t.Fatalf("account channel %d not resubscribed", ch)
	}
	if h.state(s) != StateAuthenticated {
		t.Fatalf("session disturbed by release: %s", h.state(s))
	}
}

func TestShutdownEjectsEverySession(t *testing.T) {
	h := newHarness(t, nil)
	_, c1, avatar := h.play("alice")
	_, c2 := h.connect()

	h.gw.Shutdown()
	h.pump()
	c1.expectGoGetLost(t, DisconnectShuttingDown)
	c2.expectGoGetLost(t, DisconnectShuttingDown)
	if _, ok := h.ss.Object(avatar); ok {
		t.Fatalf("avatar survived shutdown")
	}
	if _, err := h.gw.Connect(newFakeConn(), "late"); !errors.Is(err, ErrGatewayClosed) {
		t.Fatalf("connect after shutdown err=%v", err)
	}
}

func TestShardListIsRelayed(t *testing.T) {
	h := newHarness(t, nil)
	s, c := h.connect()
	h.login(s, c, "alice")

	h.send(s, ClientGetShardList, nil)
	it := c.until(t, ClientGetShardListResp)
	count, _ := it.Uint16()
	ch, _ := it.Channel()
	name, err := it.String()
	if err != nil || count != 1 || ch != shardS || name != "s" {
		t.Fatalf("shard list count=%d ch=%d name=%q err=%v", count, ch, name, err)
	}
}
