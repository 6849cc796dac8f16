package gateway

import (
	"errors"
	"slices"

	"github.com/danmuck/shardmesh/internal/database"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

type avatarSummary struct {
	id    protocol.Channel
	name  string
	dna   []byte
	index uint8
}

func (g *Gateway) handleGetAvatars(s *Session, it *protocol.Iterator) error {
	if err := it.Done(); err != nil {
		return malformed(err)
	}
	if err := s.transition(StateListingAvatars); err != nil {
		return err
	}
	err := g.db.QueryFields(s.account, []uint16{g.avatarSet.Number}, func(f database.Fields, err error) {
		if s.state != StateListingAvatars {
			return
		}
		var avatars []protocol.Channel
		if err == nil {
			avatars, err = g.decodeAvatarSet(f[g.avatarSet.Number])
		}
		if err != nil {
			log.Warn().Msgf("gateway.GetAvatars account=%d err=%v", s.account, err)
			g.finishAvatarList(s, ResultFailed, nil)
			return
		}
		s.avatars = avatars
		g.queryAvatars(s)
	})
	if err != nil {
		g.finishAvatarList(s, ResultFailed, nil)
	}
	return nil
}

// queryAvatars fetches every occupied slot and answers once the last one
// resolves. Slots whose object cannot be read are left out.
func (g *Gateway) queryAvatars(s *Session) {
	list := make([]*avatarSummary, len(s.avatars))
	remaining := 0
	for _, id := range s.avatars {
		if id != 0 {
			remaining++
		}
	}
	if remaining == 0 {
		g.finishAvatarList(s, ResultOK, nil)
		return
	}
	settle := func() {
		remaining--
		if remaining > 0 || s.state != StateListingAvatars {
			return
		}
		var out []avatarSummary
		for _, a := range list {
			if a != nil {
				out = append(out, *a)
			}
		}
		g.finishAvatarList(s, ResultOK, out)
	}
	fields := []uint16{g.avatarName.Number, g.avatarDNA.Number}
	for i, id := range s.avatars {
		if id == 0 {
			continue
		}
		err := g.db.QueryFields(id, fields, func(f database.Fields, err error) {
			if err == nil {
				list[i], err = g.summarize(id, uint8(i), f)
			}
			if err != nil {
				log.Warn().Msgf("gateway.GetAvatars avatar=%d err=%v", id, err)
			}
			settle()
		})
		if err != nil {
			log.Warn().Msgf("gateway.GetAvatars query avatar=%d err=%v", id, err)
			settle()
		}
	}
}

func (g *Gateway) summarize(id protocol.Channel, index uint8, f database.Fields) (*avatarSummary, error) {
	name, err := unpackOne[string](g.avatarName, f[g.avatarName.Number])
	if err != nil {
		return nil, err
	}
	dna, err := unpackOne[[]byte](g.avatarDNA, f[g.avatarDNA.Number])
	if err != nil {
		return nil, err
	}
	return &avatarSummary{id: id, name: name, dna: dna, index: index}, nil
}

func unpackOne[T any](f *dclass.Field, raw []byte) (T, error) {
	var zero T
	if raw == nil {
		return zero, errors.New("field " + f.Name + " missing")
	}
	vals, err := f.Unpack(raw)
	if err != nil {
		return zero, err
	}
	v, ok := vals[0].(T)
	if !ok {
		return zero, errors.New("field " + f.Name + " has an unexpected type")
	}
	return v, nil
}

// GetAvatarsResp: [code:u8][count:u16]{[id][name][dna][index:u8]}.
func (g *Gateway) finishAvatarList(s *Session, code uint8, list []avatarSummary) {
	if s.transition(StateAuthenticated) != nil {
		return
	}
	dg := newClientDatagram(ClientGetAvatarsResp)
	dg.AddUint8(code)
	dg.AddUint16(uint16(len(list)))
	for _, a := range list {
		dg.AddChannel(a.id)
		dg.AddString(a.name)
		dg.AddBlob(a.dna)
		dg.AddUint8(a.index)
	}
	s.enqueue(dg)
}

// CreateAvatar: [ctx:u16][dna:blob][index:u8]. The new object is linked
// into the account with a compare-and-set on the slot list; if another
// session changed the list first the object is deleted again.
func (g *Gateway) handleCreateAvatar(s *Session, it *protocol.Iterator) error {
	ctx, err := it.Uint16()
	if err != nil {
		return malformed(err)
	}
	dna, err := it.Blob()
	if err != nil {
		return malformed(err)
	}
	index, err := it.Uint8()
	if err != nil {
		return malformed(err)
	}
	if err := it.Done(); err != nil {
		return malformed(err)
	}
	if int(index) >= len(s.avatars) || s.avatars[index] != 0 {
		g.answerCreate(s, ctx, ResultInvalid, 0)
		return nil
	}
	dnaValue, err := g.avatarDNA.Pack(dna)
	if err != nil {
		g.answerCreate(s, ctx, ResultInvalid, 0)
		return nil
	}
	if err := s.transition(StateCreatingAvatar); err != nil {
		return err
	}

	account := s.account
	before := slices.Clone(s.avatars)
	finish := func(code uint8, id protocol.Channel) {
		if s.state != StateCreatingAvatar || s.transition(StateAuthenticated) != nil {
			return
		}
		g.answerCreate(s, ctx, code, id)
	}
	err = g.db.CreateObject(g.avatarClass, database.Fields{g.avatarDNA.Number: dnaValue}, func(id protocol.Channel, err error) {
		if err != nil {
			log.Warn().Msgf("gateway.CreateAvatar account=%d err=%v", account, err)
			finish(ResultFailed, 0)
			return
		}
		after := slices.Clone(before)
		after[index] = id
		expected := database.Fields{g.avatarSet.Number: g.encodeAvatarSet(before)}
		updates := database.Fields{g.avatarSet.Number: g.encodeAvatarSet(after)}
		err = g.db.UpdateObjectIfEquals(account, expected, updates, func(current database.Fields, err error) {
			if err == nil {
				s.avatars = after
				log.Info().Msgf("gateway.CreateAvatar account=%d avatar=%d index=%d", account, id, index)
				finish(ResultOK, id)
				return
			}
			g.discardAvatar(id)
			if errors.Is(err, database.ErrMismatch) {
				if avatars, derr := g.decodeAvatarSet(current[g.avatarSet.Number]); derr == nil {
					s.avatars = avatars
				}
				finish(ResultConflict, 0)
				return
			}
			log.Warn().Msgf("gateway.CreateAvatar link account=%d err=%v", account, err)
			finish(ResultFailed, 0)
		})
		if err != nil {
			g.discardAvatar(id)
			finish(ResultFailed, 0)
		}
	})
	if err != nil {
		finish(ResultFailed, 0)
	}
	return nil
}

func (g *Gateway) discardAvatar(id protocol.Channel) {
	if err := g.db.DeleteObject(id); err != nil {
		log.Warn().Msgf("gateway.CreateAvatar discard avatar=%d err=%v", id, err)
	}
}

// CreateAvatarResp: [ctx:u16][code:u8][avatarId].
func (g *Gateway) answerCreate(s *Session, ctx uint16, code uint8, id protocol.Channel) {
	dg := newClientDatagram(ClientCreateAvatarResp)
	dg.AddUint16(ctx)
	dg.AddUint8(code)
	dg.AddChannel(id)
	s.enqueue(dg)
}

// SetAvatar: [avatarId]. A shard must be chosen first.
func (g *Gateway) handleSetAvatar(s *Session, it *protocol.Iterator) error {
	id, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	if err := it.Done(); err != nil {
		return malformed(err)
	}
	if s.shard == 0 || id == 0 || !slices.Contains(s.avatars, id) {
		g.answerSetAvatar(s, ResultInvalid, id)
		return nil
	}
	if err := s.transition(StateLoadingAvatar); err != nil {
		return err
	}
	err = g.db.QueryObject(id, func(rec database.Record, err error) {
		if s.state != StateLoadingAvatar {
			return
		}
		if err == nil && rec.Class != g.avatarClass.Number {
			err = errors.New("object is not an avatar")
		}
		if err == nil {
			err = g.activateAvatar(s, id, rec)
		}
		if err != nil {
			log.Warn().Msgf("gateway.SetAvatar session=%s avatar=%d err=%v", s.ID, id, err)
			if s.transition(StateAuthenticated) == nil {
				g.answerSetAvatar(s, ResultFailed, id)
			}
		}
	})
	if err != nil && s.transition(StateAuthenticated) == nil {
		g.answerSetAvatar(s, ResultFailed, id)
	}
	return nil
}

// activateAvatar generates the stored avatar in the shard's quiet zone,
// claims it for the client and arms the director to delete it if this
// gateway dies.
func (g *Gateway) activateAvatar(s *Session, id protocol.Channel, rec database.Record) error {
	var fields []*dclass.Field
	for _, f := range g.avatarClass.Fields() {
		if _, ok := rec.Fields[f.Number]; ok && (f.Is(dclass.KeywordRequired) || f.Is(dclass.KeywordRAM)) {
			fields = append(fields, f)
		}
	}
	dg := protocol.NewDatagram()
	dg.AddChannel(id)
	dg.AddChannel(s.shard)
	dg.AddUint32(g.cfg.QuietZone)
	dg.AddUint16(g.avatarClass.Number)
	dg.AddUint16(uint16(len(fields)))
	for _, f := range fields {
		dg.AddUint16(f.Number)
		dg.AddData(rec.Fields[f.Number])
	}
	if err := g.sendBus(protocol.StateServerChannel, s.Channel, protocol.MsgGenerateWithRequiredOther, dg); err != nil {
		return err
	}

	owner := protocol.NewDatagram()
	owner.AddChannel(id)
	owner.AddChannel(s.Channel)
	if err := g.sendBus(protocol.StateServerChannel, s.Channel, protocol.MsgSetOwner, owner); err != nil {
		return err
	}

	del := protocol.NewDatagram()
	del.AddChannel(id)
	if err := g.bus.AddPostRemove(s.Channel, protocol.NewEnvelope(protocol.StateServerChannel, s.Channel, protocol.MsgDeleteRam, del.Bytes())); err != nil {
		return err
	}

	s.avatar = id
	s.zone = g.cfg.QuietZone
	if err := s.transition(StatePlaying); err != nil {
		return err
	}
	g.answerSetAvatar(s, ResultOK, id)
	return nil
}

// SetAvatarResp: [code:u8][avatarId].
func (g *Gateway) answerSetAvatar(s *Session, code uint8, id protocol.Channel) {
	dg := newClientDatagram(ClientSetAvatarResp)
	dg.AddUint8(code)
	dg.AddChannel(id)
	s.enqueue(dg)
}
