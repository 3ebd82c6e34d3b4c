package tuple

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
	"golang.org/x/text/unicode/norm"
)

// hashBits is the width of entry hashes and descriptors.
const hashBits = 64

// Descriptor is the compact form of a template for one candidate type.
// Hash holds the contributions of the template's non-wildcard fields and
// Mask marks the bits those contributions occupy.
type Descriptor struct {
	Hash uint64
	Mask uint64
}

// Admits is the pre-filter. A false result proves the entry cannot match;
// a true result must still be confirmed with Matches.
func (d Descriptor) Admits(entryHash uint64) bool {
	return entryHash&d.Mask == d.Hash
}

// MatchesAll reports whether the descriptor admits every hash.
func (d Descriptor) MatchesAll() bool {
	return d.Mask == 0
}

// bitsPerField is the slice of the 64-bit hash each field owns in a type
// with n fields. Fields past the 64th bit contribute nothing.
func bitsPerField(n int) int {
	if n <= 0 {
		return hashBits
	}
	b := hashBits / n
	if b < 1 {
		b = 1
	}
	return b
}

// fieldSlot returns the shift and width mask for field i of an n-field
// type, and false if the field lies outside the hash.
func fieldSlot(i, n int) (shift int, mask uint64, ok bool) {
	b := bitsPerField(n)
	shift = i * b
	if shift+b > hashBits {
		return 0, 0, false
	}
	if b == hashBits {
		return 0, ^uint64(0), true
	}
	return shift, (uint64(1)<<b - 1) << shift, true
}

// FieldHash is the stable 64-bit hash of a non-null value: murmur3 over
// the kind tag followed by the value's bytes. Strings are hashed in NFC.
func FieldHash(v Value) uint64 {
	h := murmur3.New64()
	_, _ = h.Write([]byte{byte(v.Kind())})
	switch val := v.(type) {
	case String:
		_, _ = h.Write([]byte(norm.NFC.String(string(val))))
	case Int:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(val))
		_, _ = h.Write(buf[:])
	case Bool:
		if val {
			_, _ = h.Write([]byte{1})
		} else {
			_, _ = h.Write([]byte{0})
		}
	case Bytes:
		_, _ = h.Write(val)
	}
	return h.Sum64()
}

func contribution(v Value, i, n int) (bits, mask uint64, ok bool) {
	shift, m, ok := fieldSlot(i, n)
	if !ok {
		return 0, 0, false
	}
	return (FieldHash(v) << shift) & m, m, true
}

// EntryHash combines the contributions of the entry's non-null fields,
// laid out for the entry's own field count.
func EntryHash(e Entry) uint64 {
	var h uint64
	n := len(e.Fields)
	for i, v := range e.Fields {
		if v == nil {
			continue
		}
		bits, _, ok := contribution(v, i, n)
		if !ok {
			break
		}
		h |= bits
	}
	return h
}

// DescriptorFor computes the descriptor of tmpl against candidate entries
// that have n fields. A null template field is a wildcard and is left out
// of both hash and mask. Because a null entry field contributes no bits,
// a non-null template field can only be admitted by an entry carrying an
// equal value, so the pre-filter never rejects a true match.
func DescriptorFor(tmpl Template, n int) Descriptor {
	var d Descriptor
	for i, v := range tmpl.Fields {
		if v == nil || i >= n {
			continue
		}
		bits, mask, ok := contribution(v, i, n)
		if !ok {
			break
		}
		d.Hash |= bits
		d.Mask |= mask
	}
	return d
}

// Handle is an entry paired with its full-field hash.
type Handle struct {
	Entry Entry
	Hash  uint64
}

// NewHandle computes the hash of e.
func NewHandle(e Entry) Handle {
	return Handle{Entry: e, Hash: EntryHash(e)}
}

// Admits reports whether a template descriptor passes this handle.
func (h Handle) Admits(d Descriptor) bool {
	return d.Admits(h.Hash)
}

