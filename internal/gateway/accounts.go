package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"
)

// AccountIndex maps a play token key to the persisted account object.
type AccountIndex interface {
	Lookup(key string) (protocol.Channel, bool, error)
	Put(key string, account protocol.Channel) error
	Close() error
}

var (
	_ AccountIndex = (*MemoryAccounts)(nil)
	_ AccountIndex = (*BoltAccounts)(nil)
	_ AccountIndex = (*RedisAccounts)(nil)
	_ AccountIndex = (*SharedAccounts)(nil)
)

// OpenAccountIndex opens the index named by path: a redis:// URL, a bbolt
// file, or an in-memory index when path is empty. Gateways in separate
// processes only agree on accounts through redis.
func OpenAccountIndex(path string) (AccountIndex, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return NewMemoryAccounts(), nil
	case strings.HasPrefix(path, "redis://"), strings.HasPrefix(path, "rediss://"):
		return OpenRedisAccounts(path)
	}
	return OpenBoltAccounts(path)
}

type MemoryAccounts struct {
	mu       sync.RWMutex
	accounts map[string]protocol.Channel
}

func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{accounts: make(map[string]protocol.Channel)}
}

func (m *MemoryAccounts) Lookup(key string) (protocol.Channel, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.accounts[key]
	return id, ok, nil
}

func (m *MemoryAccounts) Put(key string, account protocol.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[key] = account
	return nil
}

func (m *MemoryAccounts) Close() error { return nil }

var boltAccountsBucket = []byte("accounts")

type BoltAccounts struct {
	db *bolt.DB
}

func OpenBoltAccounts(path string) (*BoltAccounts, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create accounts dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open accounts db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltAccountsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init accounts bucket: %w", err)
	}
	return &BoltAccounts{db: db}, nil
}

func (b *BoltAccounts) Lookup(key string) (protocol.Channel, bool, error) {
	var id protocol.Channel
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltAccountsBucket).Get([]byte(key))
		if len(v) != 8 {
			return nil
		}
		id, found = protocol.Channel(binary.BigEndian.Uint64(v)), true
		return nil
	})
	return id, found, err
}

func (b *BoltAccounts) Put(key string, account protocol.Channel) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(account))
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltAccountsBucket).Put([]byte(key), v[:])
	})
}

func (b *BoltAccounts) Close() error {
	return b.db.Close()
}

const redisAccountsTimeout = 2 * time.Second

// RedisAccounts keeps one key per play token under a prefix.
type RedisAccounts struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedisAccounts connects to url. A key prefix may follow as the
// "prefix" query parameter; it defaults to "shardmesh".
func OpenRedisAccounts(url string) (*RedisAccounts, error) {
	prefix := "shardmesh"
	if base, query, ok := strings.Cut(url, "?"); ok {
		var rest []string
		for _, kv := range strings.Split(query, "&") {
			if v, found := strings.CutPrefix(kv, "prefix="); found && v != "" {
				prefix = v
				continue
			}
			rest = append(rest, kv)
		}
		url = base
		if len(rest) > 0 {
			url += "?" + strings.Join(rest, "&")
		}
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse accounts url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), redisAccountsTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping accounts redis: %w", err)
	}
	return &RedisAccounts{rdb: rdb, prefix: prefix}, nil
}

func (r *RedisAccounts) key(token string) string {
	return r.prefix + ":account:" + token
}

func (r *RedisAccounts) Lookup(key string) (protocol.Channel, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisAccountsTimeout)
	defer cancel()
	raw, err := r.rdb.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("account %q: %w", key, err)
	}
	return protocol.Channel(id), true, nil
}

func (r *RedisAccounts) Put(key string, account protocol.Channel) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisAccountsTimeout)
	defer cancel()
	return r.rdb.Set(ctx, r.key(key), strconv.FormatUint(uint64(account), 10), 0).Err()
}

func (r *RedisAccounts) Close() error {
	return r.rdb.Close()
}

// SharedAccounts opens the index at path on first use, so several
// gateways in one process can hold it without racing for a bbolt lock.
type SharedAccounts struct {
	path string
	once sync.Once
	idx  AccountIndex
	err  error
}

func NewSharedAccounts(path string) *SharedAccounts {
	return &SharedAccounts{path: path}
}

func (s *SharedAccounts) open() (AccountIndex, error) {
	s.once.Do(func() {
		s.idx, s.err = OpenAccountIndex(s.path)
	})
	return s.idx, s.err
}

func (s *SharedAccounts) Lookup(key string) (protocol.Channel, bool, error) {
	idx, err := s.open()
	if err != nil {
		return 0, false, err
	}
	return idx.Lookup(key)
}

func (s *SharedAccounts) Put(key string, account protocol.Channel) error {
	idx, err := s.open()
	if err != nil {
		return err
	}
	return idx.Put(key, account)
}

// Close releases the underlying index if it was ever opened.
func (s *SharedAccounts) Close() error {
	s.once.Do(func() {})
	if s.idx == nil {
		return nil
	}
	return s.idx.Close()
}
