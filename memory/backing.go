package memory

// PageSize is the growth granularity of every backing, matching WebAssembly pages.
const PageSize = 64 * 1024

// MaxPages caps slice backings at 1 GiB.
const MaxPages = 16384

// Backing is the raw byte space under a Heap.
// wazero's api.Memory implements this interface.
type Backing interface {
	Size() uint32
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// SliceBacking is an in-process Backing over a Go byte slice.
type SliceBacking struct {
	data     []byte
	maxPages uint32
}

// NewSliceBacking creates a backing with the given initial and maximum page counts.
func NewSliceBacking(pages, maxPages uint32) *SliceBacking {
	if maxPages == 0 || maxPages > MaxPages {
		maxPages = MaxPages
	}
	if pages > maxPages {
		pages = maxPages
	}
	return &SliceBacking{
		data:     make([]byte, int(pages)*PageSize),
		maxPages: maxPages,
	}
}

func (s *SliceBacking) Size() uint32 {
	return uint32(len(s.data))
}

func (s *SliceBacking) Grow(deltaPages uint32) (uint32, bool) {
	prev := uint32(len(s.data) / PageSize)
	if deltaPages == 0 {
		return prev, true
	}
	if prev+deltaPages > s.maxPages || prev+deltaPages < prev {
		return prev, false
	}
	grown := make([]byte, int(prev+deltaPages)*PageSize)
	copy(grown, s.data)
	s.data = grown
	return prev, true
}

// Read returns a view into the backing; callers must copy before mutating memory.
func (s *SliceBacking) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(s.data)) {
		return nil, false
	}
	return s.data[offset:end:end], true
}

func (s *SliceBacking) Write(offset uint32, v []byte) bool {
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(s.data)) {
		return false
	}
	copy(s.data[offset:end], v)
	return true
}
