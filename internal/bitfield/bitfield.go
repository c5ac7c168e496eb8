// Package bitfield implements the packed piece possession vector used on the wire
// and in the bitmap file.
package bitfield

import (
	"errors"
	"math/bits"
)

// ErrInvalidText is returned from UnmarshalText when the input is not a '0'/'1' string of the right length.
var ErrInvalidText = errors.New("invalid bitmap text")

// Bitfield is a fixed length bit vector. Bit 0 is the most significant bit of the first byte.
type Bitfield struct {
	b      []byte
	length uint32
}

// New creates a new Bitfield of length bits, all clear.
func New(length uint32) *Bitfield {
	return &Bitfield{
		b:      make([]byte, (length+7)/8),
		length: length,
	}
}

// NewBytes returns a new Bitfield from packed bytes in b.
// b is copied. Bits after length in the last byte are cleared.
// Returns false if b does not have exactly the number of bytes needed for length bits.
func NewBytes(b []byte, length uint32) (*Bitfield, bool) {
	if uint32(len(b)) != (length+7)/8 {
		return nil, false
	}
	bf := &Bitfield{
		b:      append([]byte(nil), b...),
		length: length,
	}
	if mod := length % 8; mod != 0 {
		bf.b[len(bf.b)-1] &= ^(0xff >> mod)
	}
	return bf, true
}

// FromBools packs a boolean sequence into a Bitfield.
func FromBools(v []bool) *Bitfield {
	bf := New(uint32(len(v)))
	for i, set := range v {
		if set {
			bf.Set(uint32(i))
		}
	}
	return bf
}

// Bools unpacks the Bitfield into a boolean slice of Len elements.
func (b *Bitfield) Bools() []bool {
	v := make([]bool, b.length)
	for i := range v {
		v[i] = b.Test(uint32(i))
	}
	return v
}

// Bytes returns the packed representation. Modifying the returned slice modifies b.
func (b *Bitfield) Bytes() []byte { return b.b }

// Len returns the number of bits.
func (b *Bitfield) Len() uint32 { return b.length }

// Copy returns a deep copy of b.
func (b *Bitfield) Copy() *Bitfield {
	return &Bitfield{
		b:      append([]byte(nil), b.b...),
		length: b.length,
	}
}

// Set bit i. Panics if i >= b.Len().
func (b *Bitfield) Set(i uint32) {
	b.checkIndex(i)
	b.b[i/8] |= 0x80 >> (i % 8)
}

// Clear bit i. Panics if i >= b.Len().
func (b *Bitfield) Clear(i uint32) {
	b.checkIndex(i)
	b.b[i/8] &^= 0x80 >> (i % 8)
}

// Test bit i. Panics if i >= b.Len().
func (b *Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	return b.b[i/8]&(0x80>>(i%8)) != 0
}

// Count returns the count of set bits.
func (b *Bitfield) Count() uint32 {
	var total int
	for _, v := range b.b {
		total += bits.OnesCount8(v)
	}
	return uint32(total)
}

// All returns true if all bits are set.
func (b *Bitfield) All() bool {
	return b.Count() == b.length
}

// Indices returns the indexes of set bits in increasing order.
func (b *Bitfield) Indices() []uint32 {
	ret := make([]uint32, 0, b.Count())
	for i := uint32(0); i < b.length; i++ {
		if b.Test(i) {
			ret = append(ret, i)
		}
	}
	return ret
}

// Missing returns the indexes of bits that are set in other and clear in b.
// Both bitfields must have the same length.
func (b *Bitfield) Missing(other *Bitfield) []uint32 {
	var ret []uint32
	for i := uint32(0); i < b.length && i < other.length; i++ {
		if other.Test(i) && !b.Test(i) {
			ret = append(ret, i)
		}
	}
	return ret
}

// MarshalText encodes the bitfield as one ASCII '0' or '1' per bit.
func (b *Bitfield) MarshalText() ([]byte, error) {
	out := make([]byte, b.length)
	for i := range out {
		if b.Test(uint32(i)) {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return out, nil
}

// UnmarshalText decodes a '0'/'1' string produced by MarshalText.
// The text length must be equal to b.Len().
func (b *Bitfield) UnmarshalText(text []byte) error {
	if uint32(len(text)) != b.length {
		return ErrInvalidText
	}
	nb := make([]byte, len(b.b))
	for i, c := range text {
		switch c {
		case '1':
			nb[i/8] |= 0x80 >> (uint(i) % 8)
		case '0':
		default:
			return ErrInvalidText
		}
	}
	copy(b.b, nb)
	return nil
}

func (b *Bitfield) checkIndex(i uint32) {
	if i >= b.length {
		panic("index out of bound")
	}
}
