package tuple

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrUnknownType is returned when an entry or template names an
	// unregistered entry type.
	ErrUnknownType = errors.New("unknown entry type")

	// ErrMalformed is returned when an entry or template does not fit the
	// layout of its declared type.
	ErrMalformed = errors.New("malformed entry")
)

// FieldDesc describes one field of an entry type.
type FieldDesc struct {
	Name string `msgpack:"name" json:"name" yaml:"name"`
	Kind Kind   `msgpack:"kind" json:"kind" yaml:"kind"`
}

// Schema declares an entry type. Fields lists only the fields the type
// adds on top of Extends.
type Schema struct {
	Name    string      `msgpack:"name" json:"name" yaml:"name"`
	Extends string      `msgpack:"extends,omitempty" json:"extends,omitempty" yaml:"extends,omitempty"`
	Fields  []FieldDesc `msgpack:"fields" json:"fields" yaml:"fields"`
}

// Type is a registered entry type with its flattened field layout:
// supertype fields first, then the type's own.
type Type struct {
	Name    string
	Extends string
	Fields  []FieldDesc

	// ancestors holds the type's own name followed by each supertype,
	// nearest first.
	ancestors []string
	schema    Schema
}

// AssignableTo reports whether entries of t may satisfy a template of
// target, i.e. target is t or one of t's supertypes.
func (t *Type) AssignableTo(target *Type) bool {
	if target == nil {
		return true
	}
	return slices.Contains(t.ancestors, target.Name)
}

// Index returns the position of the named field, or -1.
func (t *Type) Index(name string) int {
	return slices.IndexFunc(t.Fields, func(f FieldDesc) bool { return f.Name == name })
}

// Schema returns the declaration the type was registered from.
func (t *Type) Schema() Schema {
	return t.schema
}

// Registry is the table of known entry types.
//
// Thread-safety: safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Type)}
}

// Register adds an entry type.
//
// Registering an identical declaration twice is a no-op. A different
// declaration under an existing name, an unknown supertype or a duplicated
// field name is rejected.
func (r *Registry) Register(s Schema) (*Type, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("register type: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[s.Name]; ok {
		if sameSchema(existing.schema, s) {
			return existing, nil
		}
		return nil, fmt.Errorf("register type %q: already registered with a different layout", s.Name)
	}

	var (
		fields    []FieldDesc
		ancestors = []string{s.Name}
	)
	if s.Extends != "" {
		parent, ok := r.types[s.Extends]
		if !ok {
			return nil, fmt.Errorf("register type %q: supertype %q: %w", s.Name, s.Extends, ErrUnknownType)
		}
		fields = append(fields, parent.Fields...)
		ancestors = append(ancestors, parent.ancestors...)
	}

	seen := make(map[string]bool, len(fields)+len(s.Fields))
	for _, f := range fields {
		seen[f.Name] = true
	}
	for _, f := range s.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("register type %q: field with empty name", s.Name)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("register type %q: duplicate field %q", s.Name, f.Name)
		}
		if f.Kind < KindString || f.Kind > KindBytes {
			return nil, fmt.Errorf("register type %q: field %q: invalid kind %d", s.Name, f.Name, f.Kind)
		}
		seen[f.Name] = true
		fields = append(fields, f)
	}

	t := &Type{
		Name:      s.Name,
		Extends:   s.Extends,
		Fields:    fields,
		ancestors: ancestors,
		schema: Schema{
			Name:    s.Name,
			Extends: s.Extends,
			Fields:  slices.Clone(s.Fields),
		},
	}
	r.types[s.Name] = t
	r.order = append(r.order, s.Name)
	return t, nil
}

func sameSchema(a, b Schema) bool {
	return a.Name == b.Name && a.Extends == b.Extends && slices.Equal(a.Fields, b.Fields)
}

// Lookup returns the named type.
func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Types returns every registered type in registration order.
func (r *Registry) Types() []*Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Type, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// Schemas returns every registered declaration in registration order.
// Replaying them into an empty registry rebuilds the same table.
func (r *Registry) Schemas() []Schema {
	types := r.Types()
	out := make([]Schema, len(types))
	for i, t := range types {
		out[i] = t.Schema()
	}
	return out
}

// ValidateEntry checks that e names a registered type, carries exactly
// that type's field count and that every non-null field has the declared
// kind.
func (r *Registry) ValidateEntry(e Entry) (*Type, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("%w: entry has no type", ErrMalformed)
	}
	t, ok := r.Lookup(e.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if len(e.Fields) != len(t.Fields) {
		return nil, fmt.Errorf("%w: type %q has %d fields, entry has %d", ErrMalformed, t.Name, len(t.Fields), len(e.Fields))
	}
	if err := checkKinds(t, e.Fields); err != nil {
		return nil, err
	}
	return t, nil
}

// ValidateTemplate checks a template against its type. A template may
// omit trailing fields; omitted fields are wildcards. The any-template
// (empty type, no fields) validates to a nil Type.
func (r *Registry) ValidateTemplate(tmpl Template) (*Type, error) {
	if tmpl.Type == "" {
		if len(tmpl.Fields) > 0 {
			return nil, fmt.Errorf("%w: untyped template cannot constrain fields", ErrMalformed)
		}
		return nil, nil
	}
	t, ok := r.Lookup(tmpl.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tmpl.Type)
	}
	if len(tmpl.Fields) > len(t.Fields) {
		return nil, fmt.Errorf("%w: type %q has %d fields, template has %d", ErrMalformed, t.Name, len(t.Fields), len(tmpl.Fields))
	}
	if err := checkKinds(t, tmpl.Fields); err != nil {
		return nil, err
	}
	return t, nil
}

func checkKinds(t *Type, fields []Value) error {
	for i, v := range fields {
		if v == nil {
			continue
		}
		if v.Kind() != t.Fields[i].Kind {
			return fmt.Errorf("%w: type %q field %q is %s, got %s",
				ErrMalformed, t.Name, t.Fields[i].Name, t.Fields[i].Kind, v.Kind())
		}
	}
	return nil
}
