package database

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/danmuck/shardmesh/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrCreateFailed = errors.New("database: create rejected")
	ErrFieldSets    = errors.New("database: expected and update field sets differ")
)

// Client issues persistence requests from another participant. Calls never
// block on the response: each takes a callback that runs from
// HandleEnvelope once the matching response arrives.
type Client struct {
	bus     busclient.Bus
	self    protocol.Channel
	reg     *dclass.Registry
	pending *session.Continuations[*protocol.Iterator]
}

// NewClient sends requests from self, which must be a channel this
// participant owns so responses route back to it.
func NewClient(bus busclient.Bus, self protocol.Channel, reg *dclass.Registry) *Client {
	return &Client{
		bus:     bus,
		self:    self,
		reg:     reg,
		pending: session.NewContinuations[*protocol.Iterator](),
	}
}

// Pending lists requests still waiting for a response.
func (c *Client) Pending() []session.Pending {
	return c.pending.List()
}

func (c *Client) request(label string, t protocol.MsgType, fn func(*protocol.Iterator), body func(dg *protocol.Datagram)) error {
	ctxID := c.pending.Register(label, fn)
	dg := protocol.NewDatagram()
	dg.AddUint32(ctxID)
	body(dg)
	if err := c.send(t, dg); err != nil {
		c.pending.Forget(ctxID)
		return err
	}
	return nil
}

func (c *Client) send(t protocol.MsgType, dg *protocol.Datagram) error {
	if err := dg.Err(); err != nil {
		return err
	}
	return c.bus.Send(protocol.NewEnvelope(protocol.DatabaseChannel, c.self, t, dg.Bytes()))
}

func (c *Client) CreateObject(cls *dclass.Class, fields Fields, done func(protocol.Channel, error)) error {
	return c.request("create "+cls.Name, protocol.MsgDBCreateObject, func(it *protocol.Iterator) {
		doID, err := it.Channel()
		switch {
		case err != nil:
			done(0, malformed(err))
		case doID == 0:
			done(0, fmt.Errorf("%w: class=%s", ErrCreateFailed, cls.Name))
		default:
			done(doID, nil)
		}
	}, func(dg *protocol.Datagram) {
		dg.AddUint16(cls.Number)
		writeFields(dg, fields)
	})
}

func (c *Client) QueryObject(doID protocol.Channel, done func(Record, error)) error {
	return c.request(fmt.Sprintf("query %d", doID), protocol.MsgDBGetAll, func(it *protocol.Iterator) {
		ok, err := it.Bool()
		if err != nil {
			done(Record{}, malformed(err))
			return
		}
		if !ok {
			done(Record{}, fmt.Errorf("%w: %d", ErrNotFound, doID))
			return
		}
		class, err := it.Uint16()
		if err != nil {
			done(Record{}, malformed(err))
			return
		}
		fields, err := c.readFields(it)
		done(Record{Class: class, Fields: fields}, err)
	}, func(dg *protocol.Datagram) {
		dg.AddChannel(doID)
	})
}

func (c *Client) QueryFields(doID protocol.Channel, numbers []uint16, done func(Fields, error)) error {
	return c.request(fmt.Sprintf("query fields %d", doID), protocol.MsgDBGetFields, func(it *protocol.Iterator) {
		ok, err := it.Bool()
		if err != nil {
			done(nil, malformed(err))
			return
		}
		if !ok {
			done(nil, fmt.Errorf("%w: %d", ErrNotFound, doID))
			return
		}
		done(c.readFields(it))
	}, func(dg *protocol.Datagram) {
		dg.AddChannel(doID)
		dg.AddUint16(uint16(len(numbers)))
		for _, n := range numbers {
			dg.AddUint16(n)
		}
	})
}

// UpdateObject is fire-and-forget.
func (c *Client) UpdateObject(doID protocol.Channel, fields Fields) error {
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	writeFields(dg, fields)
	return c.send(protocol.MsgDBSetFields, dg)
}

// UpdateObjectIfEquals sets updates only if every field still holds its
// expected value. On mismatch done receives the current values.
func (c *Client) UpdateObjectIfEquals(doID protocol.Channel, expected, updates Fields, done func(Fields, error)) error {
	if len(expected) != len(updates) {
		return ErrFieldSets
	}
	for n := range updates {
		if _, ok := expected[n]; !ok {
			return fmt.Errorf("%w: field %d", ErrFieldSets, n)
		}
	}
	return c.request(fmt.Sprintf("cas %d", doID), protocol.MsgDBSetFieldsIfEquals, func(it *protocol.Iterator) {
		ok, err := it.Bool()
		if err != nil {
			done(nil, malformed(err))
			return
		}
		if ok {
			done(nil, nil)
			return
		}
		current, err := c.readFields(it)
		if err != nil {
			done(nil, err)
			return
		}
		done(current, ErrMismatch)
	}, func(dg *protocol.Datagram) {
		dg.AddChannel(doID)
		dg.AddUint16(uint16(len(updates)))
		for _, n := range updates.Numbers() {
			dg.AddUint16(n)
			dg.AddData(expected[n])
			dg.AddData(updates[n])
		}
	})
}

func (c *Client) DeleteObject(doID protocol.Channel) error {
	dg := protocol.NewDatagram()
	dg.AddChannel(doID)
	return c.send(protocol.MsgDBDeleteObject, dg)
}

// HandleEnvelope resolves a persistence response. It reports whether env
// was a persistence response at all; responses for unknown context ids are
// consumed and dropped.
func (c *Client) HandleEnvelope(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.MsgDBCreateObjectResp, protocol.MsgDBGetAllResp,
		protocol.MsgDBGetFieldsResp, protocol.MsgDBSetFieldsIfEqualsResp:
	default:
		return false
	}
	it := protocol.NewIterator(env.Payload)
	ctxID, err := it.Uint32()
	if err != nil {
		log.Warn().Msgf("database.Client.HandleEnvelope short response type=%s", env.Type)
		return true
	}
	if !c.pending.Resolve(ctxID, it) {
		log.Debug().Msgf("database.Client.HandleEnvelope unknown context=%d type=%s", ctxID, env.Type)
	}
	return true
}

func (c *Client) readFields(it *protocol.Iterator) (Fields, error) {
	count, err := it.Uint16()
	if err != nil {
		return nil, malformed(err)
	}
	out := make(Fields, count)
	for range count {
		n, err := it.Uint16()
		if err != nil {
			return nil, malformed(err)
		}
		f, ok := c.reg.Field(n)
		if !ok {
			return nil, fmt.Errorf("%w: field %d", ErrMalformed, n)
		}
		v, err := f.Read(it)
		if err != nil {
			return nil, malformed(err)
		}
		out[n] = bytes.Clone(v)
	}
	return out, nil
}
