package tuple

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func genValue(kind Kind) *rapid.Generator[Value] {
	return rapid.Custom(func(t *rapid.T) Value {
		if rapid.IntRange(0, 5).Draw(t, "null") == 0 {
			return nil
		}
		switch kind {
		case KindString:
			return String(rapid.String().Draw(t, "s"))
		case KindInt:
			return Int(rapid.Int64().Draw(t, "i"))
		case KindBool:
			return Bool(rapid.Bool().Draw(t, "b"))
		default:
			return Bytes(rapid.SliceOf(rapid.Byte()).Draw(t, "y"))
		}
	})
}

// Property: a template derived from an entry by wildcarding any subset of
// fields is always admitted by the pre-filter.
func TestDescriptor_NoFalseNegatives(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 80).Draw(t, "n")
		kinds := rapid.SliceOfN(rapid.SampledFrom([]Kind{KindString, KindInt, KindBool, KindBytes}), n, n).Draw(t, "kinds")

		e := Entry{Type: "T", Fields: make([]Value, n)}
		for i, k := range kinds {
			e.Fields[i] = genValue(k).Draw(t, "field")
		}
		tmpl := Template{Type: "T", Fields: make([]Value, n)}
		for i, v := range e.Fields {
			if rapid.Bool().Draw(t, "keep") {
				tmpl.Fields[i] = v
			}
		}
		// Templates may also stop short of the field count.
		tmpl.Fields = tmpl.Fields[:rapid.IntRange(0, n).Draw(t, "prefix")]

		if !Matches(tmpl, e) {
			t.Fatalf("derived template does not match its entry")
		}
		d := DescriptorFor(tmpl, n)
		if !d.Admits(EntryHash(e)) {
			t.Fatalf("pre-filter rejected a matching entry: hash=%x desc=%+v", EntryHash(e), d)
		}
	})
}

func TestDescriptor_RejectsDifferentValue(t *testing.T) {
	e := Entry{Type: "TestEntry", Fields: []Value{String("TestEntry #1"), Int(1)}}
	h := NewHandle(e)

	rejected := 0
	for i := int64(2); i < 50; i++ {
		d := DescriptorFor(Template{Type: "TestEntry", Fields: []Value{nil, Int(i)}}, 2)
		if !h.Admits(d) {
			rejected++
		}
	}
	// 32 bits per field: collisions among 48 values are practically impossible.
	assert.Equal(t, 48, rejected)
}

func TestDescriptor_WildcardAdmitsEverything(t *testing.T) {
	d := DescriptorFor(Template{Type: "TestEntry", Fields: []Value{nil, nil}}, 2)
	assert.True(t, d.MatchesAll())
	assert.True(t, d.Admits(0))
	assert.True(t, d.Admits(^uint64(0)))
	assert.True(t, DescriptorFor(AnyTemplate, 5).MatchesAll())
}

func TestDescriptor_SubtypeCandidate(t *testing.T) {
	// A supertype template is evaluated against the subtype's layout.
	sub := Entry{Type: "Counted", Fields: []Value{String("a"), Int(1), String("tag")}}
	tmpl := Template{Type: "TestEntry", Fields: []Value{String("a"), Int(1)}}

	assert.True(t, DescriptorFor(tmpl, len(sub.Fields)).Admits(EntryHash(sub)))
}

func TestFieldSlot(t *testing.T) {
	shift, mask, ok := fieldSlot(0, 1)
	assert.True(t, ok)
	assert.Equal(t, 0, shift)
	assert.Equal(t, ^uint64(0), mask)

	shift, mask, ok = fieldSlot(1, 2)
	assert.True(t, ok)
	assert.Equal(t, 32, shift)
	assert.Equal(t, uint64(0xffffffff00000000), mask)

	_, _, ok = fieldSlot(64, 65)
	assert.False(t, ok)

	_, _, ok = fieldSlot(63, 65)
	assert.True(t, ok)
}

func TestFieldHash_KindTagged(t *testing.T) {
	assert.NotEqual(t, FieldHash(String("1")), FieldHash(Int(1)))
	assert.NotEqual(t, FieldHash(Bytes("a")), FieldHash(String("a")))
	assert.Equal(t, FieldHash(String("caf\u00e9")), FieldHash(String("cafe\u0301")))
}
