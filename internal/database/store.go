package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/danmuck/shardmesh/internal/protocol"
)

var (
	ErrNotFound       = errors.New("database: object not found")
	ErrMismatch       = errors.New("database: expected values do not match")
	ErrIDsExhausted   = errors.New("database: object id range exhausted")
	ErrInvalidRange   = errors.New("database: invalid object id range")
	ErrUnknownBackend = errors.New("database: unknown backend")
)

// Fields maps field numbers to packed values.
type Fields map[uint16][]byte

// Numbers returns the field numbers in ascending order.
func (f Fields) Numbers() []uint16 {
	return slices.Sorted(maps.Keys(f))
}

func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for n, v := range f {
		out[n] = bytes.Clone(v)
	}
	return out
}

// Record is one persisted object.
type Record struct {
	Class  uint16 `cbor:"1,keyasint"`
	Fields Fields `cbor:"2,keyasint"`
}

// Store persists objects keyed by ids allocated from a fixed range.
type Store interface {
	Create(ctx context.Context, class uint16, fields Fields) (protocol.Channel, error)
	Get(ctx context.Context, id protocol.Channel) (Record, error)
	SetFields(ctx context.Context, id protocol.Channel, fields Fields) error
	// SetFieldsIfEquals applies updates only when every expected field
	// currently holds the expected value. On ErrMismatch it returns the
	// current values of the expected fields that exist.
	SetFieldsIfEquals(ctx context.Context, id protocol.Channel, expected, updates Fields) (Fields, error)
	Delete(ctx context.Context, id protocol.Channel) error
	Close() error
}

// IDRange bounds allocated object ids, inclusive.
type IDRange struct {
	Min protocol.Channel
	Max protocol.Channel
}

func DefaultIDRange() IDRange {
	return IDRange{Min: protocol.ObjectIDMin, Max: protocol.ObjectIDMax}
}

func (r IDRange) Validate() error {
	if r.Min == 0 || r.Max < r.Min {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, r.Min, r.Max)
	}
	return nil
}

// compareAndSet is the shared check for stores that load a whole record
// before writing it back.
func compareAndSet(rec *Record, expected, updates Fields) (Fields, error) {
	current := make(Fields)
	match := true
	for n, want := range expected {
		have, ok := rec.Fields[n]
		if ok {
			current[n] = bytes.Clone(have)
		}
		if !ok || !bytes.Equal(have, want) {
			match = false
		}
	}
	if !match {
		return current, ErrMismatch
	}
	if rec.Fields == nil {
		rec.Fields = make(Fields)
	}
	for n, v := range updates {
		rec.Fields[n] = bytes.Clone(v)
	}
	return nil, nil
}

// Options selects and configures a backend.
type Options struct {
	Backend     string
	Path        string
	RedisAddr   string
	RedisPrefix string
	PostgresURL string
	IDs         IDRange
}

// Open constructs the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.IDs == (IDRange{}) {
		opts.IDs = DefaultIDRange()
	}
	if err := opts.IDs.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "memory":
		return NewMemoryStore(opts.IDs), nil
	case "bolt":
		return OpenBolt(opts.Path, opts.IDs)
	case "sqlite":
		return OpenSQLite(ctx, opts.Path, opts.IDs)
	case "redis":
		return OpenRedis(ctx, opts.RedisAddr, opts.RedisPrefix, opts.IDs)
	case "postgres":
		return OpenPostgres(ctx, opts.PostgresURL, opts.IDs)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
