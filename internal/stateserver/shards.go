package stateserver

import (
	"fmt"
	"slices"

	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Shard is a registered game-logic host.
type Shard struct {
	Channel    protocol.Channel `json:"channel"`
	Name       string           `json:"name"`
	Population uint32           `json:"population"`
}

// AddShard: [name:string][population:u32]; the sender is the shard.
func (s *Server) handleAddShard(env protocol.Envelope) error {
	it := protocol.NewIterator(env.Payload)
	name, err := it.String()
	if err != nil {
		return malformed(err)
	}
	pop, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	if err := it.Done(); err != nil {
		return malformed(err)
	}
	if env.Sender == 0 {
		return fmt.Errorf("%w: shard channel 0", ErrForbidden)
	}
	if sh, ok := s.shards[env.Sender]; ok {
		sh.Name, sh.Population = name, pop
		log.Debug().Msgf("stateserver.AddShard refreshed channel=%d name=%q", env.Sender, name)
		return nil
	}
	s.shards[env.Sender] = &Shard{Channel: env.Sender, Name: name, Population: pop}
	log.Info().Msgf("stateserver.AddShard channel=%d name=%q population=%d", env.Sender, name, pop)
	return nil
}

// RemoveShard destroys everything parented to the sender, then forgets it.
func (s *Server) handleRemoveShard(env protocol.Envelope) error {
	if _, ok := s.shards[env.Sender]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownShard, env.Sender)
	}
	var doomed []*Object
	for _, o := range s.byParent[env.Sender] {
		doomed = append(doomed, o)
	}
	slices.SortFunc(doomed, func(a, b *Object) int {
		if a.DoID < b.DoID {
			return -1
		}
		if a.DoID > b.DoID {
			return 1
		}
		return 0
	})
	for _, o := range doomed {
		s.destroy(o, env.Sender)
	}
	delete(s.shards, env.Sender)
	log.Info().Msgf("stateserver.RemoveShard channel=%d destroyed=%d", env.Sender, len(doomed))
	return nil
}

// UpdateShardPopulation: [population:u32].
func (s *Server) handleUpdateShardPopulation(env protocol.Envelope) error {
	sh, ok := s.shards[env.Sender]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownShard, env.Sender)
	}
	it := protocol.NewIterator(env.Payload)
	pop, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	sh.Population = pop
	return nil
}

// GetShardAll answers [count:u16]{[channel][name][population]} ascending by
// channel.
func (s *Server) handleGetShardAll(env protocol.Envelope) error {
	list := s.shardList()
	dg := protocol.NewDatagram()
	dg.AddUint16(uint16(len(list)))
	for _, sh := range list {
		dg.AddChannel(sh.Channel)
		dg.AddString(sh.Name)
		dg.AddUint32(sh.Population)
	}
	s.emitOne(env.Sender, protocol.StateServerChannel, protocol.MsgGetShardAllResp, dg.Bytes())
	return nil
}

func (s *Server) shardList() []Shard {
	out := make([]Shard, 0, len(s.shards))
	for _, sh := range s.shards {
		out = append(out, *sh)
	}
	slices.SortFunc(out, func(a, b Shard) int {
		if a.Channel < b.Channel {
			return -1
		}
		if a.Channel > b.Channel {
			return 1
		}
		return 0
	})
	return out
}

// Shards lists registered shards ascending by channel.
func (s *Server) Shards() []Shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shardList()
}
