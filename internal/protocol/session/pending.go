package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Pending describes one request awaiting its correlated response.
type Pending struct {
	Context  uint32
	Label    string
	QueuedAt time.Time
}

type continuation[T any] struct {
	meta Pending
	fn   func(T)
}

// Continuations stores callbacks keyed by locally generated context ids.
// Requests never block: the caller registers a callback, sends the request
// tagged with the returned id, and the response handler resolves it later.
// There is no cancel; a response for an unknown id is discarded.
type Continuations[T any] struct {
	mu    sync.Mutex
	next  uint32
	items map[uint32]continuation[T]
	now   func() time.Time
}

func NewContinuations[T any]() *Continuations[T] {
	return &Continuations[T]{
		items: make(map[uint32]continuation[T]),
		now:   time.Now,
	}
}

// Register stores fn and returns its context id. Zero is never issued.
func (c *Continuations[T]) Register(label string, fn func(T)) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.next++
		if c.next == 0 {
			continue
		}
		if _, busy := c.items[c.next]; !busy {
			break
		}
	}
	id := c.next
	c.items[id] = continuation[T]{
		meta: Pending{Context: id, Label: strings.TrimSpace(label), QueuedAt: c.now()},
		fn:   fn,
	}
	return id
}

// Resolve removes the continuation for id and runs it with v. It reports
// false when id is unknown, which covers late and duplicate responses.
func (c *Continuations[T]) Resolve(id uint32, v T) bool {
	c.mu.Lock()
	item, ok := c.items[id]
	if ok {
		delete(c.items, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if item.fn != nil {
		item.fn(v)
	}
	return true
}

// Forget drops id without running its callback, e.g. after a failed send.
func (c *Continuations[T]) Forget(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
}

func (c *Continuations[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Continuations[T]) List() []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Pending, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Context < out[j].Context
	})
	return out
}
