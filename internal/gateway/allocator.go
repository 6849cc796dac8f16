package gateway

import (
	"errors"

	"github.com/danmuck/shardmesh/internal/protocol"
)

var ErrChannelsExhausted = errors.New("gateway: connection channels exhausted")

// ChannelAllocator hands out connection channels from a fixed range,
// reusing released ones oldest first. Not safe for concurrent use.
type ChannelAllocator struct {
	min, max protocol.Channel
	next     protocol.Channel
	free     []protocol.Channel
	inUse    map[protocol.Channel]bool
}

func NewChannelAllocator(min, max protocol.Channel) *ChannelAllocator {
	return &ChannelAllocator{
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[protocol.Channel]bool),
	}
}

func (a *ChannelAllocator) Allocate() (protocol.Channel, error) {
	var ch protocol.Channel
	switch {
	case len(a.free) > 0:
		ch = a.free[0]
		a.free = a.free[1:]
	case a.next <= a.max && a.next >= a.min:
		ch = a.next
		a.next++
	default:
		return 0, ErrChannelsExhausted
	}
	a.inUse[ch] = true
	return ch, nil
}

// Release returns ch to the pool. Unknown channels are ignored.
func (a *ChannelAllocator) Release(ch protocol.Channel) {
	if !a.inUse[ch] {
		return
	}
	delete(a.inUse, ch)
	a.free = append(a.free, ch)
}

func (a *ChannelAllocator) InUse() int {
	return len(a.inUse)
}
