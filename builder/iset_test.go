package builder

import "testing"

func TestISet(t *testing.T) {
	var s ISet
	if !s.Set(0) || !s.Set(5) || !s.Set(63) {
		t.Fatal("Set within capacity must succeed")
	}
	if s.Set(64) || s.Set(-1) {
		t.Error("Set outside capacity must report false")
	}
	if !s.Has(5) || s.Has(4) || s.Has(64) {
		t.Errorf("Has mismatch on %064b", uint64(s))
	}
	if s.Count() != 3 {
		t.Errorf("Count = %d, want 3", s.Count())
	}
	s.Unset(5)
	if s.Has(5) {
		t.Error("Unset did not clear slot 5")
	}
}

func TestISet_Full(t *testing.T) {
	tests := []struct {
		name  string
		set   ISet
		n     int
		full  bool
		first int
	}{
		{"empty of zero", 0, 0, true, -1},
		{"empty of three", 0, 3, false, 0},
		{"gap", 0b101, 3, false, 1},
		{"all three", 0b111, 3, true, -1},
		{"extra bits ignored", 0b1111, 3, true, -1},
		{"full word", FullISet(64), 64, true, -1},
		{"last missing", FullISet(63), 64, false, 63},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.Full(tt.n); got != tt.full {
				t.Errorf("Full(%d) = %v, want %v", tt.n, got, tt.full)
			}
			if got := tt.set.FirstUnset(tt.n); got != tt.first {
				t.Errorf("FirstUnset(%d) = %d, want %d", tt.n, got, tt.first)
			}
		})
	}
}
