// Package ring implements the identifier algebra for the 160-bit Chord
// ring: digesting, ordering, modular offsets, and arc membership. Every
// other component builds on these pure functions rather than reasoning
// about ring wraparound itself.
package ring

import (
	"crypto/sha1"
	"fmt"
	"math/big"
)

const (
	// Bits is the width of an identifier in bits; the identifier space
	// holds 2^Bits values.
	Bits = 160

	// Bytes is the big-endian wire width of an identifier.
	Bytes = Bits / 8
)

var (
	ringSize = new(big.Int).Lsh(big.NewInt(1), Bits)
	zero     = big.NewInt(0)
	one      = big.NewInt(1)
)

// ID is a 160-bit unsigned ring identifier.
type ID struct {
	v *big.Int
}

// Zero is the additive identity of the ring.
func Zero() ID {
	return ID{v: new(big.Int)}
}

// FromBigInt wraps a big.Int as a ring ID, reducing it modulo 2^160 first.
func FromBigInt(v *big.Int) ID {
	if v == nil {
		return Zero()
	}
	return ID{v: mod(v)}
}

// FromBytes interprets a big-endian byte slice as a ring ID.
func FromBytes(b []byte) ID {
	return ID{v: mod(new(big.Int).SetBytes(b))}
}

// Digest computes the canonical 160-bit identifier of a byte string.
// It is SHA-1 bit-for-bit, chosen for interoperability with the original
// deployment's key placement.
func Digest(data []byte) ID {
	sum := sha1.Sum(data)
	return ID{v: new(big.Int).SetBytes(sum[:])}
}

// DigestString is a convenience wrapper around Digest for UTF-8 strings.
func DigestString(s string) ID {
	return Digest([]byte(s))
}

// Bytes renders the identifier as a 20-byte big-endian slice.
func (id ID) Bytes() []byte {
	raw := id.v.Bytes()
	out := make([]byte, Bytes)
	copy(out[Bytes-len(raw):], raw)
	return out
}

// Text renders the identifier in the given base (lowercase digits).
func (id ID) Text(base int) string {
	return id.v.Text(base)
}

// String implements fmt.Stringer, truncated for log readability.
func (id ID) String() string {
	s := id.v.Text(16)
	if len(s) > 16 {
		s = s[:16]
	}
	return s
}

// Cmp returns -1, 0, or +1 comparing a and b as unsigned integers.
func Cmp(a, b ID) int {
	return a.v.Cmp(b.v)
}

// Equal reports whether a and b denote the same identifier.
func Equal(a, b ID) bool {
	return a.v.Cmp(b.v) == 0
}

// AddPow2 computes (base + 2^i) mod 2^160. An out-of-range exponent is a
// no-op: it returns base unchanged rather than panicking, since callers
// iterate i across the finger table and must not crash on a miscomputed
// index.
func AddPow2(base ID, i int) ID {
	if i < 0 || i >= Bits {
		return base
	}
	offset := new(big.Int).Lsh(one, uint(i))
	return ID{v: mod(new(big.Int).Add(base.v, offset))}
}

// InArc reports whether x lies in the arc (start, end] when inclusive is
// true, or (start, end) when inclusive is false, walking clockwise around
// the ring and wrapping when start > end.
//
// When start == end the arc is degenerate: membership is
// "inclusive && x == start", so only the start point itself can be a
// member, and only when inclusive is true.
func InArc(x, start, end ID, inclusive bool) bool {
	switch start.v.Cmp(end.v) {
	case 0:
		return inclusive && x.v.Cmp(start.v) == 0
	case -1: // start < end, no wraparound
		afterStart := x.v.Cmp(start.v) > 0
		if inclusive {
			return afterStart && x.v.Cmp(end.v) <= 0
		}
		return afterStart && x.v.Cmp(end.v) < 0
	default: // start > end, the arc wraps through zero
		afterStart := x.v.Cmp(start.v) > 0
		if inclusive {
			return afterStart || x.v.Cmp(end.v) <= 0
		}
		return afterStart || x.v.Cmp(end.v) < 0
	}
}

// Distance returns the clockwise distance from a to b: (b - a) mod 2^160.
func Distance(a, b ID) ID {
	return ID{v: mod(new(big.Int).Sub(b.v, a.v))}
}

// MarshalText and UnmarshalText let ID round-trip through JSON as hex,
// which keeps wire-transferred NodeRef values and logs human-readable.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.v.Text(16)), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	v, ok := new(big.Int).SetString(string(text), 16)
	if !ok {
		return fmt.Errorf("ring: invalid hex identifier %q", text)
	}
	id.v = mod(v)
	return nil
}

func mod(x *big.Int) *big.Int {
	r := new(big.Int).Mod(x, ringSize)
	if r.Sign() < 0 {
		r.Add(r, ringSize)
	}
	return r
}
