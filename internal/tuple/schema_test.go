package tuple

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	_, err := r.Register(Schema{
		Name:   "TestEntry",
		Fields: []FieldDesc{{Name: "name", Kind: KindString}, {Name: "count", Kind: KindInt}},
	})
	require.NoError(t, err)
	_, err = r.Register(Schema{
		Name:    "Counted",
		Extends: "TestEntry",
		Fields:  []FieldDesc{{Name: "tag", Kind: KindString}},
	})
	require.NoError(t, err)
	return r
}

func TestRegistry_FlattensSupertypeFields(t *testing.T) {
	r := testRegistry(t)

	counted, ok := r.Lookup("Counted")
	require.True(t, ok)
	assert.Equal(t, []FieldDesc{
		{Name: "name", Kind: KindString},
		{Name: "count", Kind: KindInt},
		{Name: "tag", Kind: KindString},
	}, counted.Fields)
	assert.Equal(t, 2, counted.Index("tag"))
	assert.Equal(t, -1, counted.Index("missing"))
}

func TestRegistry_Assignability(t *testing.T) {
	r := testRegistry(t)
	base, _ := r.Lookup("TestEntry")
	sub, _ := r.Lookup("Counted")

	assert.True(t, sub.AssignableTo(base))
	assert.True(t, sub.AssignableTo(sub))
	assert.False(t, base.AssignableTo(sub))
	assert.True(t, base.AssignableTo(nil), "nil target is the any-template")
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := testRegistry(t)

	again, err := r.Register(Schema{
		Name:   "TestEntry",
		Fields: []FieldDesc{{Name: "name", Kind: KindString}, {Name: "count", Kind: KindInt}},
	})
	require.NoError(t, err)
	assert.Equal(t, "TestEntry", again.Name)
	assert.Len(t, r.Types(), 2)
}

func TestRegistry_RegisterRejects(t *testing.T) {
	tests := []struct {
		name   string
		schema Schema
	}{
		{"empty name", Schema{}},
		{"unknown supertype", Schema{Name: "X", Extends: "Nope"}},
		{"duplicate inherited field", Schema{Name: "X", Extends: "TestEntry", Fields: []FieldDesc{{Name: "count", Kind: KindInt}}}},
		{"changed layout", Schema{Name: "TestEntry", Fields: []FieldDesc{{Name: "name", Kind: KindString}}}},
		{"invalid kind", Schema{Name: "X", Fields: []FieldDesc{{Name: "a", Kind: Kind(42)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRegistry(t)
			_, err := r.Register(tt.schema)
			assert.Error(t, err)
		})
	}
}

func TestRegistry_SchemasPreserveOrder(t *testing.T) {
	r := testRegistry(t)
	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "TestEntry", schemas[0].Name)
	assert.Equal(t, "Counted", schemas[1].Name)
	assert.Len(t, schemas[1].Fields, 1, "declared fields only")

	rebuilt := NewRegistry()
	for _, s := range schemas {
		_, err := rebuilt.Register(s)
		require.NoError(t, err)
	}
	c, ok := rebuilt.Lookup("Counted")
	require.True(t, ok)
	assert.Len(t, c.Fields, 3)
}

func TestRegistry_ValidateEntry(t *testing.T) {
	r := testRegistry(t)

	typ, err := r.ValidateEntry(Entry{Type: "TestEntry", Fields: []Value{String("a"), nil}})
	require.NoError(t, err)
	assert.Equal(t, "TestEntry", typ.Name)

	_, err = r.ValidateEntry(Entry{Type: "Nope", Fields: nil})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = r.ValidateEntry(Entry{Type: "TestEntry", Fields: []Value{String("a")}})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = r.ValidateEntry(Entry{Type: "TestEntry", Fields: []Value{Int(1), Int(1)}})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = r.ValidateEntry(Entry{Fields: nil})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRegistry_ValidateTemplate(t *testing.T) {
	r := testRegistry(t)

	typ, err := r.ValidateTemplate(AnyTemplate)
	require.NoError(t, err)
	assert.Nil(t, typ)

	typ, err = r.ValidateTemplate(Template{Type: "Counted", Fields: []Value{String("x")}})
	require.NoError(t, err)
	assert.Equal(t, "Counted", typ.Name)

	_, err = r.ValidateTemplate(Template{Fields: []Value{String("x")}})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = r.ValidateTemplate(Template{Type: "TestEntry", Fields: []Value{nil, nil, nil}})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = r.ValidateTemplate(Template{Type: "TestEntry", Fields: []Value{nil, String("1")}})
	assert.ErrorIs(t, err, ErrMalformed)
}
