package dclass

import (
	"fmt"
	"math"
	"strings"

	"github.com/danmuck/shardmesh/internal/protocol"
)

// Kind is the scalar encoding of one parameter.
type Kind uint8

const (
	KindInt8 Kind = iota + 1
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat64
	KindBool
	KindString
	KindBlob
)

var kindNames = map[string]Kind{
	"int8":    KindInt8,
	"int16":   KindInt16,
	"int32":   KindInt32,
	"int64":   KindInt64,
	"uint8":   KindUint8,
	"uint16":  KindUint16,
	"uint32":  KindUint32,
	"uint64":  KindUint64,
	"float64": KindFloat64,
	"bool":    KindBool,
	"string":  KindString,
	"blob":    KindBlob,
}

// width returns the fixed byte size of k, or 0 for length-prefixed kinds.
func (k Kind) width() int {
	switch k {
	case KindInt8, KindUint8, KindBool:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	default:
		return 0
	}
}

// Param is one positional argument of a field. Array params are encoded as
// [count:u16] followed by count fixed-width elements.
type Param struct {
	Kind  Kind
	Array bool
	Type  string
}

func parseParam(raw string) (Param, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	p := Param{Type: name}
	if base, ok := strings.CutSuffix(name, "[]"); ok {
		p.Array = true
		name = base
	}
	k, ok := kindNames[name]
	if !ok {
		return Param{}, fmt.Errorf("%w: unknown parameter type %q", ErrInvalidSchema, raw)
	}
	if p.Array && k.width() == 0 {
		return Param{}, fmt.Errorf("%w: array of variable-width type %q", ErrInvalidSchema, raw)
	}
	p.Kind = k
	return p, nil
}

func (p Param) zero() any {
	if p.Array {
		return []any{}
	}
	switch p.Kind {
	case KindFloat64:
		return float64(0)
	case KindBool:
		return false
	case KindString:
		return ""
	case KindBlob:
		return []byte{}
	default:
		return int64(0)
	}
}

func (p Param) pack(dg *protocol.Datagram, v any) error {
	if !p.Array {
		return packScalar(dg, p.Kind, v)
	}
	elems, err := asSlice(v)
	if err != nil {
		return err
	}
	if len(elems) > math.MaxUint16 {
		return fmt.Errorf("%w: array of %d elements", ErrValueRange, len(elems))
	}
	dg.AddUint16(uint16(len(elems)))
	for _, e := range elems {
		if err := packScalar(dg, p.Kind, e); err != nil {
			return err
		}
	}
	return nil
}

func (p Param) unpack(it *protocol.Iterator) (any, error) {
	if !p.Array {
		return unpackScalar(it, p.Kind)
	}
	n, err := it.Uint16()
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, n)
	for range int(n) {
		v, err := unpackScalar(it, p.Kind)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// skip advances it past one encoded value without materializing it.
func (p Param) skip(it *protocol.Iterator) error {
	w := p.Kind.width()
	if p.Array {
		n, err := it.Uint16()
		if err != nil {
			return err
		}
		return it.Skip(int(n) * w)
	}
	if w > 0 {
		return it.Skip(w)
	}
	_, err := it.Blob()
	return err
}

func packScalar(dg *protocol.Datagram, k Kind, v any) error {
	switch k {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return typeErr(k, v)
		}
		dg.AddString(s)
		return dg.Err()
	case KindBlob:
		switch b := v.(type) {
		case []byte:
			dg.AddBlob(b)
		case string:
			dg.AddBlob([]byte(b))
		default:
			return typeErr(k, v)
		}
		return dg.Err()
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return typeErr(k, v)
		}
		dg.AddBool(b)
		return nil
	case KindFloat64:
		switch f := v.(type) {
		case float64:
			dg.AddFloat64(f)
		case float32:
			dg.AddFloat64(float64(f))
		default:
			i, ok := asInt(v)
			if !ok {
				return typeErr(k, v)
			}
			dg.AddFloat64(float64(i))
		}
		return nil
	case KindUint8, KindUint16, KindUint32, KindUint64:
		u, ok := asUint(v)
		if !ok {
			return typeErr(k, v)
		}
		if bits := k.width() * 8; bits < 64 && u>>bits != 0 {
			return fmt.Errorf("%w: %d does not fit %d bits", ErrValueRange, u, bits)
		}
		switch k {
		case KindUint8:
			dg.AddUint8(uint8(u))
		case KindUint16:
			dg.AddUint16(uint16(u))
		case KindUint32:
			dg.AddUint32(uint32(u))
		default:
			dg.AddUint64(u)
		}
		return nil
	default:
		i, ok := asInt(v)
		if !ok {
			return typeErr(k, v)
		}
		bits := k.width() * 8
		if bits < 64 {
			lo, hi := -int64(1)<<(bits-1), int64(1)<<(bits-1)-1
			if i < lo || i > hi {
				return fmt.Errorf("%w: %d does not fit signed %d bits", ErrValueRange, i, bits)
			}
		}
		switch k {
		case KindInt8:
			dg.AddInt8(int8(i))
		case KindInt16:
			dg.AddInt16(int16(i))
		case KindInt32:
			dg.AddInt32(int32(i))
		default:
			dg.AddInt64(i)
		}
		return nil
	}
}

func unpackScalar(it *protocol.Iterator, k Kind) (any, error) {
	switch k {
	case KindString:
		return it.String()
	case KindBlob:
		b, err := it.Blob()
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	case KindBool:
		return it.Bool()
	case KindFloat64:
		return it.Float64()
	case KindUint8:
		v, err := it.Uint8()
		return uint64(v), err
	case KindUint16:
		v, err := it.Uint16()
		return uint64(v), err
	case KindUint32:
		v, err := it.Uint32()
		return uint64(v), err
	case KindUint64:
		return it.Uint64()
	case KindInt8:
		v, err := it.Uint8()
		return int64(int8(v)), err
	case KindInt16:
		v, err := it.Uint16()
		return int64(int16(v)), err
	case KindInt32:
		v, err := it.Uint32()
		return int64(int32(v)), err
	default:
		return it.Int64()
	}
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func asUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case protocol.Channel:
		return uint64(n), true
	default:
		i, ok := asInt(v)
		if !ok || i < 0 {
			return 0, false
		}
		return uint64(i), true
	}
}

func asSlice(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case []int64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	case []uint64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	case []int:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	case []float64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T is not an array", ErrValueType, v)
	}
}

func typeErr(k Kind, v any) error {
	for name, kk := range kindNames {
		if kk == k {
			return fmt.Errorf("%w: %T for %s", ErrValueType, v, name)
		}
	}
	return fmt.Errorf("%w: %T", ErrValueType, v)
}
