package protocol

import "slices"

// MaxRecipients is the largest recipient list one envelope can carry.
const MaxRecipients = 255

// Envelope is one routed bus message:
//
//	[recipientCount:u8][recipient:u64]*N[sender:u64][msgType:u16][payload]
//
// Control envelopes carry exactly one recipient (ControlChannel) and no
// sender: [1][ControlChannel][msgType:u16][payload].
type Envelope struct {
	Recipients []Channel
	Sender     Channel
	Type       MsgType
	Payload    []byte
}

func NewEnvelope(to Channel, from Channel, t MsgType, payload []byte) Envelope {
	return Envelope{Recipients: []Channel{to}, Sender: from, Type: t, Payload: payload}
}

func NewControlEnvelope(t MsgType, payload []byte) Envelope {
	return Envelope{Recipients: []Channel{ControlChannel}, Type: t, Payload: payload}
}

// IsControl reports whether the envelope is addressed to the bus itself.
func (e Envelope) IsControl() bool {
	return len(e.Recipients) == 1 && e.Recipients[0] == ControlChannel
}

func (e Envelope) Encode() ([]byte, error) {
	if len(e.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if len(e.Recipients) > MaxRecipients {
		return nil, ErrTooManyRecipients
	}
	dg := NewDatagram()
	dg.AddUint8(uint8(len(e.Recipients)))
	for _, r := range e.Recipients {
		dg.AddChannel(r)
	}
	if !e.IsControl() {
		dg.AddChannel(e.Sender)
	}
	dg.AddMsgType(e.Type)
	dg.AddData(e.Payload)
	return dg.Bytes(), nil
}

// DecodeEnvelope parses b. Payload aliases b.
func DecodeEnvelope(b []byte) (Envelope, error) {
	it := NewIterator(b)
	count, err := it.Uint8()
	if err != nil {
		return Envelope{}, err
	}
	if count == 0 {
		return Envelope{}, ErrNoRecipients
	}
	env := Envelope{Recipients: make([]Channel, 0, count)}
	for range int(count) {
		c, err := it.Channel()
		if err != nil {
			return Envelope{}, err
		}
		env.Recipients = append(env.Recipients, c)
	}
	if !env.IsControl() {
		if env.Sender, err = it.Channel(); err != nil {
			return Envelope{}, err
		}
	}
	if env.Type, err = it.MsgType(); err != nil {
		return Envelope{}, err
	}
	env.Payload = it.Rest()
	return env, nil
}

// Split returns copies of e whose recipient lists fit MaxRecipients.
func (e Envelope) Split() []Envelope {
	if len(e.Recipients) <= MaxRecipients {
		return []Envelope{e}
	}
	out := make([]Envelope, 0, len(e.Recipients)/MaxRecipients+1)
	for chunk := range slices.Chunk(e.Recipients, MaxRecipients) {
		c := e
		c.Recipients = chunk
		out = append(out, c)
	}
	return out
}

// Control payload helpers. Every control message starts with the channel
// it applies to; ADD_POST_REMOVE then carries an encoded envelope.

func SetChannelPayload(c Channel) []byte {
	dg := NewDatagram()
	dg.AddChannel(c)
	return dg.Bytes()
}

func PostRemovePayload(c Channel, env Envelope) ([]byte, error) {
	raw, err := env.Encode()
	if err != nil {
		return nil, err
	}
	dg := NewDatagram()
	dg.AddChannel(c)
	dg.AddData(raw)
	return dg.Bytes(), nil
}
