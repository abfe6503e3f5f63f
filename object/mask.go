package object

import (
	"math/bits"
	"strconv"
	"strings"
)

// Mask is a dirty bit set. Every kind defines its own closed set of bits.
type Mask uint64

func (m Mask) Has(b Mask) bool {
	return m&b != 0
}

// Each calls f for every set bit, lowest first.
func (m Mask) Each(f func(bit Mask)) {
	for m != 0 {
		b := m & -m
		f(b)
		m &^= b
	}
}

func (m Mask) String() string {
	if m == 0 {
		return "clean"
	}
	var parts []string
	m.Each(func(bit Mask) {
		parts = append(parts, strconv.Itoa(bits.TrailingZeros64(uint64(bit))))
	})
	return "bits(" + strings.Join(parts, ",") + ")"
}

// Layout is the part of a kind's contract the protocol needs to know.
type Layout struct {
	// All is every bit the kind serializes in a full snapshot.
	All Mask
	// Redistributable bits are re-marked dirty when a master applies a
	// slave commit, so the change travels on to the other slaves.
	Redistributable Mask
	// UserData is the bit carrying the nested user data reference, zero
	// when the kind has none.
	UserData Mask
	// Transient bits travel in deltas only; snapshots leave them out.
	Transient Mask
}
