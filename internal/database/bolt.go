package database

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/shardmesh/internal/codec"
	"github.com/danmuck/shardmesh/internal/protocol"
	bolt "go.etcd.io/bbolt"
)

var (
	boltObjects = []byte("objects")
	boltMeta    = []byte("meta")
	boltNextKey = []byte("next_id")
)

// BoltStore keeps CBOR records in a single bbolt file.
type BoltStore struct {
	db  *bolt.DB
	ids IDRange
}

func OpenBolt(path string, ids IDRange) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database: bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltObjects); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{db: db, ids: ids}, nil
}

func boltKey(id protocol.Channel) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func (s *BoltStore) Create(ctx context.Context, class uint16, fields Fields) (protocol.Channel, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	raw, err := codec.Marshal(Record{Class: class, Fields: fields})
	if err != nil {
		return 0, err
	}
	var id protocol.Channel
	err = s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(boltMeta)
		id = s.ids.Min
		if v := meta.Get(boltNextKey); v != nil {
			id = protocol.Channel(binary.BigEndian.Uint64(v))
		}
		if id > s.ids.Max {
			return ErrIDsExhausted
		}
		if err := meta.Put(boltNextKey, boltKey(id+1)); err != nil {
			return err
		}
		return tx.Bucket(boltObjects).Put(boltKey(id), raw)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *BoltStore) Get(ctx context.Context, id protocol.Channel) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltObjects).Get(boltKey(id))
		if raw == nil {
			return ErrNotFound
		}
		return codec.Unmarshal(raw, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	if rec.Fields == nil {
		rec.Fields = make(Fields)
	}
	return rec, nil
}

func (s *BoltStore) SetFields(ctx context.Context, id protocol.Channel, fields Fields) error {
	_, err := s.SetFieldsIfEquals(ctx, id, nil, fields)
	return err
}

func (s *BoltStore) SetFieldsIfEquals(ctx context.Context, id protocol.Channel, expected, updates Fields) (Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var current Fields
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltObjects)
		raw := b.Get(boltKey(id))
		if raw == nil {
			return ErrNotFound
		}
		var rec Record
		if err := codec.Unmarshal(raw, &rec); err != nil {
			return err
		}
		var err error
		if current, err = compareAndSet(&rec, expected, updates); err != nil {
			return err
		}
		out, err := codec.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(boltKey(id), out)
	})
	return current, err
}

func (s *BoltStore) Delete(ctx context.Context, id protocol.Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltObjects)
		if b.Get(boltKey(id)) == nil {
			return ErrNotFound
		}
		return b.Delete(boltKey(id))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
