package abi

import (
	"math/bits"
	"reflect"
	"unicode/utf8"
)

// Limits applied before allocating guest-side buffers.
const (
	MaxStringSize = 1 << 30
	MaxListLength = 1 << 27
)

// SafeMulU32 returns a*b and false when the product does not fit in 32 bits.
func SafeMulU32(a, b uint32) (uint32, bool) {
	hi, lo := bits.Mul32(a, b)
	return lo, hi == 0
}

// SafeAddU32 returns a+b and false on overflow.
func SafeAddU32(a, b uint32) (uint32, bool) {
	sum, carry := bits.Add32(a, b, 0)
	return sum, carry == 0
}

// AlignTo rounds offset up to a power-of-two alignment. Zero alignment is
// treated as one.
func AlignTo(offset, align uint32) uint32 {
	if align <= 1 {
		return offset
	}
	mask := align - 1
	return (offset + mask) &^ mask
}

// ValidateChar reports whether r is a Unicode scalar value.
func ValidateChar(r rune) bool {
	return utf8.ValidRune(r)
}

// TypeName names the dynamic type of value, "nil" for a nil interface.
func TypeName(value any) string {
	if value == nil {
		return "nil"
	}
	return reflect.TypeOf(value).String()
}
