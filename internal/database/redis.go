package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/shardmesh/internal/codec"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/redis/go-redis/v9"
)

const redisMaxCASRetries = 16

// RedisStore keeps one CBOR record per key. Compare-and-set uses WATCH so a
// concurrent writer forces a retry instead of a lost update.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ids    IDRange
}

func OpenRedis(ctx context.Context, addr, prefix string, ids IDRange) (*RedisStore, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("database: redis address is required")
	}
	if prefix == "" {
		prefix = "shardmesh"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ids: ids}, nil
}

func (s *RedisStore) objectKey(id protocol.Channel) string {
	return s.prefix + ":object:" + strconv.FormatUint(uint64(id), 10)
}

func (s *RedisStore) nextKey() string {
	return s.prefix + ":next_id"
}

func (s *RedisStore) Create(ctx context.Context, class uint16, fields Fields) (protocol.Channel, error) {
	raw, err := codec.Marshal(Record{Class: class, Fields: fields})
	if err != nil {
		return 0, err
	}
	// The counter holds the last issued id.
	if err := s.rdb.SetNX(ctx, s.nextKey(), uint64(s.ids.Min)-1, 0).Err(); err != nil {
		return 0, fmt.Errorf("seed id counter: %w", err)
	}
	n, err := s.rdb.Incr(ctx, s.nextKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	id := protocol.Channel(n)
	if id > s.ids.Max {
		return 0, ErrIDsExhausted
	}
	if err := s.rdb.Set(ctx, s.objectKey(id), raw, 0).Err(); err != nil {
		return 0, fmt.Errorf("store object: %w", err)
	}
	return id, nil
}

func (s *RedisStore) Get(ctx context.Context, id protocol.Channel) (Record, error) {
	raw, err := s.rdb.Get(ctx, s.objectKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := codec.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	if rec.Fields == nil {
		rec.Fields = make(Fields)
	}
	return rec, nil
}

func (s *RedisStore) SetFields(ctx context.Context, id protocol.Channel, fields Fields) error {
	_, err := s.SetFieldsIfEquals(ctx, id, nil, fields)
	return err
}

func (s *RedisStore) SetFieldsIfEquals(ctx context.Context, id protocol.Channel, expected, updates Fields) (Fields, error) {
	key := s.objectKey(id)
	var current Fields
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := codec.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if current, err = compareAndSet(&rec, expected, updates); err != nil {
			return err
		}
		out, err := codec.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}
	for range redisMaxCASRetries {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return current, err
	}
	return nil, fmt.Errorf("database: redis compare-and-set on %d kept conflicting", id)
}

func (s *RedisStore) Delete(ctx context.Context, id protocol.Channel) error {
	n, err := s.rdb.Del(ctx, s.objectKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
