package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	dg := NewDatagram()
	dg.AddUint32(7)
	dg.AddString("toon")
	in := Envelope{
		Recipients: []Channel{StateServerChannel, 400000001},
		Sender:     1000000005,
		Type:       MsgUpdateField,
		Payload:    dg.Bytes(),
	}
	raw, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if raw[0] != 2 {
		t.Fatalf("unexpected recipient count byte: %d", raw[0])
	}
	out, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Recipients) != 2 || out.Recipients[1] != 400000001 {
		t.Fatalf("recipients mismatch: %+v", out.Recipients)
	}
	if out.Sender != in.Sender || out.Type != in.Type {
		t.Fatalf("header mismatch: got=%+v", out)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestControlEnvelopeHasNoSender(t *testing.T) {
	env := NewControlEnvelope(MsgSetChannel, SetChannelPayload(4002))
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(raw) != 1+8+2+8 {
		t.Fatalf("unexpected control length: %d", len(raw))
	}
	out, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.IsControl() || out.Type != MsgSetChannel || out.Sender != 0 {
		t.Fatalf("unexpected control decode: %+v", out)
	}
	ch, err := NewIterator(out.Payload).Channel()
	if err != nil || ch != 4002 {
		t.Fatalf("unexpected channel=%d err=%v", ch, err)
	}
}

func TestDecodeEnvelopeTruncated(t *testing.T) {
	raw, _ := NewEnvelope(5, 6, MsgDeleteRam, nil).Encode()
	for i := 0; i < len(raw); i++ {
		if _, err := DecodeEnvelope(raw[:i]); err == nil {
			t.Fatalf("expected error for %d byte prefix", i)
		}
	}
	if _, err := DecodeEnvelope([]byte{0}); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestEnvelopeSplitChunksRecipients(t *testing.T) {
	env := Envelope{Sender: 9, Type: MsgUpdateField}
	for i := range 600 {
		env.Recipients = append(env.Recipients, Channel(i+10))
	}
	if _, err := env.Encode(); !errors.Is(err, ErrTooManyRecipients) {
		t.Fatalf("expected ErrTooManyRecipients, got %v", err)
	}
	parts := env.Split()
	if len(parts) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(parts))
	}
	total := 0
	for _, p := range parts {
		if _, err := p.Encode(); err != nil {
			t.Fatalf("encode chunk: %v", err)
		}
		total += len(p.Recipients)
	}
	if total != 600 {
		t.Fatalf("recipients lost in split: %d", total)
	}
}

func TestIteratorReadsWhatDatagramWrites(t *testing.T) {
	dg := NewDatagram()
	dg.AddUint8(1)
	dg.AddInt16(-2)
	dg.AddUint64(1 << 40)
	dg.AddFloat64(2.5)
	dg.AddBool(true)
	dg.AddBlob([]byte{9, 9})

	it := NewIterator(dg.Bytes())
	if v, _ := it.Uint8(); v != 1 {
		t.Fatalf("u8=%d", v)
	}
	if v, _ := it.Uint16(); int16(v) != -2 {
		t.Fatalf("i16=%d", int16(v))
	}
	if v, _ := it.Uint64(); v != 1<<40 {
		t.Fatalf("u64=%d", v)
	}
	if v, _ := it.Float64(); v != 2.5 {
		t.Fatalf("f64=%v", v)
	}
	if v, _ := it.Bool(); !v {
		t.Fatalf("bool=false")
	}
	if b, _ := it.Blob(); !bytes.Equal(b, []byte{9, 9}) {
		t.Fatalf("blob=%v", b)
	}
	if err := it.Done(); err != nil {
		t.Fatalf("done: %v", err)
	}
	if _, err := it.Uint8(); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDatagramRejectsOversizedBlob(t *testing.T) {
	dg := NewDatagram()
	dg.AddString(strings.Repeat("x", 1<<16))
	if !errors.Is(dg.Err(), ErrValueTooLong) {
		t.Fatalf("expected ErrValueTooLong, got %v", dg.Err())
	}
}

func TestRoleChannelRoundTrip(t *testing.T) {
	c := RoleChannel(RoleAvatar, 100000042)
	role, id := SplitRoleChannel(c)
	if role != RoleAvatar || id != 100000042 {
		t.Fatalf("unexpected split role=%d id=%d", role, id)
	}
	if MsgSetChannel.String() != "SET_CHANNEL" || !MsgClearPostRemove.IsControl() {
		t.Fatalf("unexpected control type naming")
	}
}

func TestGatewayChannelsAvoidServiceChannels(t *testing.T) {
	if !GatewayChannel.IsGateway() || !(GatewayChannel + 1).IsGateway() || !GatewayChannelMax.IsGateway() {
		t.Fatalf("gateway range must include the default channel and its neighbors")
	}
	for _, c := range []Channel{StateServerChannel, DatabaseChannel, GatewayChannelMax + 1, ConnChannelMin} {
		if c.IsGateway() {
			t.Fatalf("channel %d must not be a gateway channel", c)
		}
	}
}
