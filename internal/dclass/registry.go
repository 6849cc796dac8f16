package dclass

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/zeebo/blake3"
)

var (
	ErrInvalidSchema = errors.New("dclass: invalid schema")
	ErrArity         = errors.New("dclass: wrong argument count")
	ErrValueType     = errors.New("dclass: wrong value type")
	ErrValueRange    = errors.New("dclass: value out of range")
)

type schemaFile struct {
	Classes []classDecl `toml:"class"`
}

type classDecl struct {
	Name    string      `toml:"name"`
	Parents []string    `toml:"parents"`
	Fields  []fieldDecl `toml:"field"`
}

type fieldDecl struct {
	Name     string   `toml:"name"`
	Keywords []string `toml:"keywords"`
	Params   []string `toml:"params"`
	Default  []any    `toml:"default"`
}

// Class is one object type with its own and inherited fields.
type Class struct {
	Number  uint16
	Name    string
	Parents []string

	fields   []*Field
	byNumber map[uint16]*Field
	byName   map[string]*Field
}

// Fields returns every field of the class ascending by number.
func (c *Class) Fields() []*Field {
	return c.fields
}

func (c *Class) Field(number uint16) (*Field, bool) {
	f, ok := c.byNumber[number]
	return f, ok
}

func (c *Class) FieldByName(name string) (*Field, bool) {
	f, ok := c.byName[name]
	return f, ok
}

// RequiredFields returns the required fields ascending by number.
func (c *Class) RequiredFields() []*Field {
	out := make([]*Field, 0, len(c.fields))
	for _, f := range c.fields {
		if f.Is(KeywordRequired) {
			out = append(out, f)
		}
	}
	return out
}

// Registry is the immutable schema table loaded once per process.
type Registry struct {
	classes []*Class
	byName  map[string]*Class
	fields  []*Field
	hash    uint32
}

// Load reads a TOML schema file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load schema %q: %w", path, err)
	}
	return reg, nil
}

// Parse builds a registry from TOML schema text.
func Parse(data []byte) (*Registry, error) {
	var raw schemaFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if len(raw.Classes) == 0 {
		return nil, fmt.Errorf("%w: no classes", ErrInvalidSchema)
	}
	if len(raw.Classes) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: too many classes", ErrInvalidSchema)
	}

	reg := &Registry{byName: make(map[string]*Class, len(raw.Classes))}
	for i, decl := range raw.Classes {
		name := strings.TrimSpace(decl.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: class %d has no name", ErrInvalidSchema, i)
		}
		if _, dup := reg.byName[name]; dup {
			return nil, fmt.Errorf("%w: duplicate class %q", ErrInvalidSchema, name)
		}
		cls := &Class{
			Number:   uint16(i),
			Name:     name,
			byNumber: make(map[uint16]*Field),
			byName:   make(map[string]*Field),
		}
		for _, pname := range decl.Parents {
			parent, ok := reg.byName[strings.TrimSpace(pname)]
			if !ok {
				return nil, fmt.Errorf("%w: class %q has unknown or later-declared parent %q", ErrInvalidSchema, name, pname)
			}
			cls.Parents = append(cls.Parents, parent.Name)
			for _, f := range parent.fields {
				if err := cls.add(f); err != nil {
					return nil, err
				}
			}
		}
		for _, fd := range decl.Fields {
			f, err := reg.newField(name, fd)
			if err != nil {
				return nil, err
			}
			if err := cls.add(f); err != nil {
				return nil, err
			}
		}
		slices.SortFunc(cls.fields, func(a, b *Field) int {
			return int(a.Number) - int(b.Number)
		})
		reg.classes = append(reg.classes, cls)
		reg.byName[name] = cls
	}
	reg.hash = reg.computeHash()
	return reg, nil
}

func (c *Class) add(f *Field) error {
	if _, ok := c.byNumber[f.Number]; ok {
		// diamond inheritance: same field reached twice
		return nil
	}
	if _, dup := c.byName[f.Name]; dup {
		return fmt.Errorf("%w: class %q has duplicate field %q", ErrInvalidSchema, c.Name, f.Name)
	}
	c.fields = append(c.fields, f)
	c.byNumber[f.Number] = f
	c.byName[f.Name] = f
	return nil
}

func (r *Registry) newField(className string, fd fieldDecl) (*Field, error) {
	name := strings.TrimSpace(fd.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: class %q has unnamed field", ErrInvalidSchema, className)
	}
	if len(r.fields) >= math.MaxUint16 {
		return nil, fmt.Errorf("%w: too many fields", ErrInvalidSchema)
	}
	kws, err := parseKeywords(fd.Keywords)
	if err != nil {
		return nil, fmt.Errorf("field %s.%s: %w", className, name, err)
	}
	f := &Field{
		Number:   uint16(len(r.fields)),
		Name:     name,
		Class:    className,
		Keywords: kws,
	}
	for _, raw := range fd.Params {
		p, err := parseParam(raw)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", className, name, err)
		}
		f.Params = append(f.Params, p)
	}

	switch {
	case fd.Default != nil:
		f.Default, err = f.Pack(fd.Default...)
		if err != nil {
			return nil, fmt.Errorf("%w: default for %s.%s: %v", ErrInvalidSchema, className, name, err)
		}
	case kws.Has(KeywordRequired):
		zeros := make([]any, len(f.Params))
		for i, p := range f.Params {
			zeros[i] = p.zero()
		}
		if f.Default, err = f.Pack(zeros...); err != nil {
			return nil, fmt.Errorf("%w: zero default for %s.%s: %v", ErrInvalidSchema, className, name, err)
		}
	}
	r.fields = append(r.fields, f)
	return f, nil
}

func (r *Registry) Class(number uint16) (*Class, bool) {
	if int(number) >= len(r.classes) {
		return nil, false
	}
	return r.classes[number], true
}

func (r *Registry) ClassByName(name string) (*Class, bool) {
	c, ok := r.byName[name]
	return c, ok
}

func (r *Registry) Classes() []*Class {
	return r.classes
}

func (r *Registry) Field(number uint16) (*Field, bool) {
	if int(number) >= len(r.fields) {
		return nil, false
	}
	return r.fields[number], true
}

// Hash identifies the schema so peers can reject mismatched builds.
func (r *Registry) Hash() uint32 {
	return r.hash
}

func (r *Registry) computeHash() uint32 {
	h := blake3.New()
	for _, c := range r.classes {
		fmt.Fprintf(h, "class %d %s %s\n", c.Number, c.Name, strings.Join(c.Parents, ","))
		for _, f := range c.fields {
			types := make([]string, len(f.Params))
			for i, p := range f.Params {
				types[i] = p.Type
			}
			fmt.Fprintf(h, "field %d %s %s (%s) %x\n", f.Number, f.Name, f.Keywords, strings.Join(types, ","), f.Default)
		}
	}
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint32(sum[:4])
}
