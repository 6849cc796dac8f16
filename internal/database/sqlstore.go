package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/shardmesh/internal/protocol"
)

// dialect covers the few places sqlite and postgres SQL differ.
type dialect struct {
	name       string
	numbered   bool
	lockSuffix string
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numbered: true, lockSuffix: " FOR UPDATE"}
)

// bind rewrites ? placeholders to $n for dialects that number them.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore is the relational Store shared by the sqlite and postgres
// backends: one row per object, one row per stored field.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	ids IDRange
}

func (s *sqlStore) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, s.d.bind(query), args...)
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", s.d.name, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) Create(ctx context.Context, class uint16, fields Fields) (protocol.Channel, error) {
	var id protocol.Channel
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var next int64
		err := tx.QueryRowContext(ctx,
			s.d.bind("SELECT next_id FROM id_allocator WHERE name = ?"+s.d.lockSuffix), "objects",
		).Scan(&next)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			next = int64(s.ids.Min)
		case err != nil:
			return fmt.Errorf("read id allocator: %w", err)
		}
		id = protocol.Channel(next)
		if id > s.ids.Max {
			return ErrIDsExhausted
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO id_allocator (name, next_id) VALUES (?, ?)
			 ON CONFLICT (name) DO UPDATE SET next_id = excluded.next_id`,
			"objects", next+1,
		); err != nil {
			return fmt.Errorf("advance id allocator: %w", err)
		}
		if _, err := s.exec(ctx, tx, "INSERT INTO objects (id, class) VALUES (?, ?)", next, int64(class)); err != nil {
			return fmt.Errorf("insert object: %w", err)
		}
		return s.putFields(ctx, tx, id, fields)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqlStore) putFields(ctx context.Context, tx *sql.Tx, id protocol.Channel, fields Fields) error {
	for _, n := range fields.Numbers() {
		if _, err := s.exec(ctx, tx,
			`INSERT INTO object_fields (object_id, field, value) VALUES (?, ?, ?)
			 ON CONFLICT (object_id, field) DO UPDATE SET value = excluded.value`,
			int64(id), int64(n), fields[n],
		); err != nil {
			return fmt.Errorf("upsert field %d: %w", n, err)
		}
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id protocol.Channel) (Record, error) {
	var rec Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = s.load(ctx, tx, id, "")
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *sqlStore) load(ctx context.Context, tx *sql.Tx, id protocol.Channel, lock string) (Record, error) {
	var class int64
	err := tx.QueryRowContext(ctx, s.d.bind("SELECT class FROM objects WHERE id = ?"+lock), int64(id)).Scan(&class)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load object: %w", err)
	}
	rows, err := tx.QueryContext(ctx, s.d.bind("SELECT field, value FROM object_fields WHERE object_id = ?"), int64(id))
	if err != nil {
		return Record{}, fmt.Errorf("load fields: %w", err)
	}
	defer rows.Close()
	rec := Record{Class: uint16(class), Fields: make(Fields)}
	for rows.Next() {
		var n int64
		var v []byte
		if err := rows.Scan(&n, &v); err != nil {
			return Record{}, err
		}
		rec.Fields[uint16(n)] = bytes.Clone(v)
	}
	return rec, rows.Err()
}

func (s *sqlStore) SetFields(ctx context.Context, id protocol.Channel, fields Fields) error {
	_, err := s.SetFieldsIfEquals(ctx, id, nil, fields)
	return err
}

func (s *sqlStore) SetFieldsIfEquals(ctx context.Context, id protocol.Channel, expected, updates Fields) (Fields, error) {
	var current Fields
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.load(ctx, tx, id, s.d.lockSuffix)
		if err != nil {
			return err
		}
		if current, err = compareAndSet(&rec, expected, updates); err != nil {
			return err
		}
		return s.putFields(ctx, tx, id, updates)
	})
	return current, err
}

func (s *sqlStore) Delete(ctx context.Context, id protocol.Channel) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, "DELETE FROM object_fields WHERE object_id = ?", int64(id)); err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, "DELETE FROM objects WHERE id = ?", int64(id))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
