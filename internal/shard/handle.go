package shard

import (
	"errors"
	"fmt"

	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

// fieldEvent is a watched update waiting to be dispatched once the lock is
// released.
type fieldEvent struct {
	doID     protocol.Channel
	field    *dclass.Field
	value    []byte
	handlers []FieldHandler
}

// HandleEnvelope applies one registry notification addressed to the shard.
func (r *Repository) HandleEnvelope(env protocol.Envelope) {
	if err := r.Handle(env); err != nil {
		log.Warn().Msgf("shard.HandleEnvelope dropped type=%s sender=%d err=%v", env.Type, env.Sender, err)
	}
}

// Handle is HandleEnvelope with the error returned.
func (r *Repository) Handle(env protocol.Envelope) error {
	var (
		err    error
		events []fieldEvent
	)
	if env.Type == protocol.MsgGetAllResp {
		err = r.handleGetAllResp(env)
	} else {
		events, err = r.apply(env)
	}
	observability.RecordShardMessage(env.Type.String(), outcome(err))
	for _, ev := range events {
		args, uerr := ev.field.Unpack(ev.value)
		if uerr != nil {
			log.Warn().Msgf("shard.Handle unpack do_id=%d field=%s err=%v", ev.doID, ev.field.Name, uerr)
			continue
		}
		for _, fn := range ev.handlers {
			fn(ev.doID, args)
		}
	}
	return err
}

func (r *Repository) apply(env protocol.Envelope) ([]fieldEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it := protocol.NewIterator(env.Payload)
	switch env.Type {
	case protocol.MsgEnterAIWithRequired, protocol.MsgEnterAIWithRequiredOther,
		protocol.MsgEnterLocationWithRequired, protocol.MsgEnterLocationWithRequiredOther,
		protocol.MsgEnterOwnerWithRequired, protocol.MsgEnterOwnerWithRequiredOther:
		o, err := readSnapshot(r.reg, it)
		if err != nil {
			return nil, err
		}
		r.track(o)
		log.Debug().Msgf("shard.enter do_id=%d class=%s parent=%d zone=%d", o.DoID, o.Class.Name, o.Parent, o.Zone)
		return nil, nil

	case protocol.MsgUpdateField:
		return r.applyUpdate(it)

	case protocol.MsgDeleteRam:
		doID, err := it.Channel()
		if err != nil {
			return nil, malformed(err)
		}
		r.forget(doID)
		return nil, nil

	case protocol.MsgChangingLocation:
		// [doId][newParent][newZone][oldParent][oldZone]
		doID, err := it.Channel()
		if err != nil {
			return nil, malformed(err)
		}
		parent, err := it.Channel()
		if err != nil {
			return nil, malformed(err)
		}
		zone, err := it.Uint32()
		if err != nil {
			return nil, malformed(err)
		}
		if parent != r.cfg.Channel {
			r.forget(doID)
			return nil, nil
		}
		if o, ok := r.objects[doID]; ok {
			o.Zone = zone
		}
		return nil, nil

	case protocol.MsgChangingAI:
		// [doId][newParent][oldParent]
		doID, err := it.Channel()
		if err != nil {
			return nil, malformed(err)
		}
		parent, err := it.Channel()
		if err != nil {
			return nil, malformed(err)
		}
		if parent != r.cfg.Channel {
			r.forget(doID)
		}
		return nil, nil

	case protocol.MsgSetAIResp, protocol.MsgSetZoneResp:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnhandled, env.Type)
}

// applyUpdate: [doId][field:u16][value]. An update for an object the shard
// has not seen yet, such as an avatar a gateway generated under it, starts a
// query so the view catches up.
func (r *Repository) applyUpdate(it *protocol.Iterator) ([]fieldEvent, error) {
	doID, err := it.Channel()
	if err != nil {
		return nil, malformed(err)
	}
	n, err := it.Uint16()
	if err != nil {
		return nil, malformed(err)
	}
	f, ok := r.reg.Field(n)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownField, n)
	}
	v, err := f.Read(it)
	if err != nil {
		return nil, malformed(err)
	}
	if err := it.Done(); err != nil {
		return nil, malformed(err)
	}
	v = append([]byte(nil), v...)

	if o, ok := r.objects[doID]; ok {
		o.Fields[n] = v
	} else if !r.learning[doID] {
		r.learn(doID)
	}

	if hs := r.watchers[f.Name]; len(hs) > 0 {
		return []fieldEvent{{doID: doID, field: f, value: v, handlers: hs}}, nil
	}
	return nil, nil
}

// learn queries an unseen object. Called with r.mu held; the callback runs
// later from HandleEnvelope.
func (r *Repository) learn(doID protocol.Channel) {
	r.learning[doID] = true
	err := r.Query(doID, func(o Object, err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.learning[doID] {
			// Deleted or tracked while the query was in flight.
			return
		}
		if err != nil || o.Parent != r.cfg.Channel {
			delete(r.learning, doID)
			if err != nil {
				log.Warn().Msgf("shard.learn do_id=%d err=%v", doID, err)
			}
			return
		}
		r.track(&o)
	})
	if err != nil {
		delete(r.learning, doID)
		log.Warn().Msgf("shard.learn do_id=%d err=%v", doID, err)
	}
}

// GetAllResp: [context:u32][snapshot].
func (r *Repository) handleGetAllResp(env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	ctxID, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	if !r.pending.Resolve(ctxID, it) {
		log.Debug().Msgf("shard.GetAllResp unknown context=%d", ctxID)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnhandled):
		return "unhandled"
	default:
		return "malformed"
	}
}
