package database

import (
	"context"
	"sync"

	"github.com/danmuck/shardmesh/internal/protocol"
)

// MemoryStore keeps records in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	ids     IDRange
	next    protocol.Channel
	records map[protocol.Channel]Record
}

func NewMemoryStore(ids IDRange) *MemoryStore {
	return &MemoryStore{
		ids:     ids,
		next:    ids.Min,
		records: make(map[protocol.Channel]Record),
	}
}

func (s *MemoryStore) Create(ctx context.Context, class uint16, fields Fields) (protocol.Channel, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next > s.ids.Max {
		return 0, ErrIDsExhausted
	}
	id := s.next
	s.next++
	s.records[id] = Record{Class: class, Fields: fields.Clone()}
	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, id protocol.Channel) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{Class: rec.Class, Fields: rec.Fields.Clone()}, nil
}

func (s *MemoryStore) SetFields(ctx context.Context, id protocol.Channel, fields Fields) error {
	_, err := s.SetFieldsIfEquals(ctx, id, nil, fields)
	return err
}

func (s *MemoryStore) SetFieldsIfEquals(ctx context.Context, id protocol.Channel, expected, updates Fields) (Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	current, err := compareAndSet(&rec, expected, updates)
	if err != nil {
		return current, err
	}
	s.records[id] = rec
	return nil, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id protocol.Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
