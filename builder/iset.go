package builder

import "math/bits"

// ISetCapacity is the number of slots an ISet can track.
const ISetCapacity = 64

// MaxArrayLen is the largest array the builder tracks element by element.
const MaxArrayLen = ISetCapacity - 1

// ISet records which fields or elements of a frame are initialized.
type ISet uint64

// FullISet returns a set with slots 0..n-1 present.
func FullISet(n int) ISet {
	if n >= ISetCapacity {
		return ^ISet(0)
	}
	return ISet(1)<<uint(n) - 1
}

// Set marks slot i. It reports false when i is outside the capacity.
func (s *ISet) Set(i int) bool {
	if i < 0 || i >= ISetCapacity {
		return false
	}
	*s |= 1 << uint(i)
	return true
}

// Unset clears slot i.
func (s *ISet) Unset(i int) {
	if i >= 0 && i < ISetCapacity {
		*s &^= 1 << uint(i)
	}
}

// Has reports whether slot i is set.
func (s ISet) Has(i int) bool {
	return i >= 0 && i < ISetCapacity && s&(1<<uint(i)) != 0
}

// Full reports whether slots 0..n-1 are all set.
func (s ISet) Full(n int) bool {
	want := FullISet(n)
	return s&want == want
}

// FirstUnset returns the lowest slot below n that is not set, or -1.
func (s ISet) FirstUnset(n int) int {
	missing := ^s & FullISet(n)
	if missing == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(missing))
}

// Count returns the number of set slots.
func (s ISet) Count() int {
	return bits.OnesCount64(uint64(s))
}
