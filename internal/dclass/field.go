package dclass

import (
	"fmt"
	"strings"

	"github.com/danmuck/shardmesh/internal/protocol"
)

// Field is one schema field. Its packed value is the concatenation of its
// params' encodings.
type Field struct {
	Number   uint16
	Name     string
	Class    string
	Keywords Keywords
	Params   []Param
	// Default is the packed default value, nil when none applies.
	Default []byte
}

func (f *Field) Is(k Keyword) bool {
	return f.Keywords.Has(k)
}

// Pack encodes one value per param.
func (f *Field) Pack(args ...any) ([]byte, error) {
	if len(args) != len(f.Params) {
		return nil, fmt.Errorf("%w: field %s wants %d args, got %d", ErrArity, f.Name, len(f.Params), len(args))
	}
	dg := protocol.NewDatagram()
	for i, p := range f.Params {
		if err := p.pack(dg, args[i]); err != nil {
			return nil, fmt.Errorf("field %s arg %d: %w", f.Name, i, err)
		}
	}
	return dg.Bytes(), nil
}

// Unpack decodes a packed value. The input must hold exactly one value.
func (f *Field) Unpack(b []byte) ([]any, error) {
	it := protocol.NewIterator(b)
	out := make([]any, 0, len(f.Params))
	for _, p := range f.Params {
		v, err := p.unpack(it)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out = append(out, v)
	}
	if err := it.Done(); err != nil {
		return nil, fmt.Errorf("field %s: %w", f.Name, err)
	}
	return out, nil
}

// Read validates one packed value at the iterator's position and returns
// its bytes. The result aliases the iterator's buffer.
func (f *Field) Read(it *protocol.Iterator) ([]byte, error) {
	start := it.Offset()
	for _, p := range f.Params {
		if err := p.skip(it); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return it.Since(start), nil
}

// Validate reports whether b is exactly one well-formed value.
func (f *Field) Validate(b []byte) error {
	it := protocol.NewIterator(b)
	if _, err := f.Read(it); err != nil {
		return err
	}
	if err := it.Done(); err != nil {
		return fmt.Errorf("field %s: %w", f.Name, err)
	}
	return nil
}

// Format renders a packed value for logs and admin views.
func (f *Field) Format(b []byte) string {
	vals, err := f.Unpack(b)
	if err != nil {
		return fmt.Sprintf("<invalid %x>", b)
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%s(%s)", f.Name, strings.Join(parts, ", "))
}
