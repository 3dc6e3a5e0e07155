package memory

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"go.uber.org/zap"

	"github.com/wippyai/partial/errors"
)

// PoisonByte fills every fresh allocation.
const PoisonByte = 0xCD

// MaxAlloc caps a single allocation at 1 GiB.
const MaxAlloc = 1 << 30

// heapBase is the first address handed out; [0, heapBase) is reserved so 0 stays null.
const heapBase = 16

type span struct {
	addr  uint32
	size  uint32
	align uint32
}

func (s span) end() uint32 { return s.addr + s.size }

// Stats reports allocator activity.
type Stats struct {
	Allocs    int
	Frees     int
	Live      int
	LiveBytes uint32
	Faults    int
}

// Heap is a linear memory with a tracking first-fit allocator.
type Heap struct {
	back   Backing
	live   map[uint32]span
	free   []span // sorted by addr, coalesced
	faults []error
	top    uint32
	allocs int
	frees  int
	bytes  uint32
}

// NewHeap creates a heap over a fresh one-page slice backing.
func NewHeap() *Heap {
	return NewHeapOn(NewSliceBacking(1, MaxPages))
}

// NewHeapOn creates a heap over an existing backing.
// The heap assumes it owns the whole backing from heapBase upwards.
func NewHeapOn(b Backing) *Heap {
	return &Heap{
		back: b,
		live: make(map[uint32]span),
		top:  heapBase,
	}
}

// Backing returns the underlying byte space.
func (h *Heap) Backing() Backing {
	return h.back
}

// Size returns the current backing size in bytes.
func (h *Heap) Size() uint32 {
	return h.back.Size()
}

// Alloc allocates size bytes aligned to align.
func (h *Heap) Alloc(size, align uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	if bits.OnesCount32(align) != 1 {
		return 0, errors.New(errors.PhaseMemory, errors.KindAllocation).
			Detail("alignment %d is not a power of two", align).
			Build()
	}
	if size == 0 {
		// dangling, never tracked
		return align, nil
	}
	if size > MaxAlloc {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, align,
			fmt.Errorf("exceeds maximum single allocation of %d bytes", MaxAlloc))
	}

	addr, ok := h.takeFree(size, align)
	if !ok {
		var err error
		addr, err = h.bump(size, align)
		if err != nil {
			return 0, err
		}
	}

	h.live[addr] = span{addr: addr, size: size, align: align}
	h.allocs++
	h.bytes += size
	h.poison(addr, size)
	return addr, nil
}

// Free releases an allocation. Unknown pointers and size mismatches are recorded
// as faults and leave the heap unchanged.
func (h *Heap) Free(ptr, size, align uint32) {
	if size == 0 {
		return
	}
	s, ok := h.live[ptr]
	if !ok {
		h.fault(fmt.Errorf("free of unallocated address %d (size %d): double free or invalid pointer", ptr, size))
		return
	}
	if s.size != size {
		h.fault(fmt.Errorf("free of address %d with size %d, allocated with size %d", ptr, size, s.size))
		return
	}
	delete(h.live, ptr)
	h.frees++
	h.bytes -= size
	h.poison(ptr, size)
	h.release(span{addr: ptr, size: size})
}

// Realloc moves an allocation to a new block of newSize bytes, copying the common prefix.
func (h *Heap) Realloc(ptr, oldSize, align, newSize uint32) (uint32, error) {
	next, err := h.Alloc(newSize, align)
	if err != nil {
		return 0, err
	}
	n := min(oldSize, newSize)
	if ptr != 0 && n > 0 {
		data, err := h.Read(ptr, n)
		if err != nil {
			h.Free(next, newSize, align)
			return 0, err
		}
		if err := h.Write(next, data); err != nil {
			h.Free(next, newSize, align)
			return 0, err
		}
	}
	if ptr != 0 {
		h.Free(ptr, oldSize, align)
	}
	return next, nil
}

// IsLive reports whether ptr is the start of a live allocation.
func (h *Heap) IsLive(ptr uint32) bool {
	_, ok := h.live[ptr]
	return ok
}

// Live returns the number of live allocations.
func (h *Heap) Live() int {
	return len(h.live)
}

// LiveBytes returns the number of bytes in live allocations.
func (h *Heap) LiveBytes() uint32 {
	return h.bytes
}

// Faults returns every invalid free observed so far.
func (h *Heap) Faults() []error {
	return h.faults
}

// Stats returns a snapshot of allocator counters.
func (h *Heap) Stats() Stats {
	return Stats{
		Allocs:    h.allocs,
		Frees:     h.frees,
		Live:      len(h.live),
		LiveBytes: h.bytes,
		Faults:    len(h.faults),
	}
}

func (h *Heap) fault(err error) {
	h.faults = append(h.faults, err)
	Logger().Warn("heap fault", zap.Error(err))
}

func (h *Heap) poison(addr, size uint32) {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = PoisonByte
	}
	h.back.Write(addr, buf)
}

func alignUp(v, align uint32) uint64 {
	return (uint64(v) + uint64(align) - 1) &^ (uint64(align) - 1)
}

// takeFree carves an aligned block out of the first free span that fits.
func (h *Heap) takeFree(size, align uint32) (uint32, bool) {
	for i, s := range h.free {
		start := alignUp(s.addr, align)
		if start+uint64(size) > uint64(s.end()) {
			continue
		}
		addr := uint32(start)
		var rest []span
		if addr > s.addr {
			rest = append(rest, span{addr: s.addr, size: addr - s.addr})
		}
		if tail := s.end() - (addr + size); tail > 0 {
			rest = append(rest, span{addr: addr + size, size: tail})
		}
		h.free = append(h.free[:i], append(rest, h.free[i+1:]...)...)
		return addr, true
	}
	return 0, false
}

func (h *Heap) bump(size, align uint32) (uint32, error) {
	start := alignUp(h.top, align)
	end := start + uint64(size)
	if end > uint64(^uint32(0)) {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, align, fmt.Errorf("address space exhausted"))
	}
	if end > uint64(h.back.Size()) {
		need := end - uint64(h.back.Size())
		pages := uint32((need + PageSize - 1) / PageSize)
		if _, ok := h.back.Grow(pages); !ok {
			return 0, errors.AllocationFailed(errors.PhaseMemory, size, align,
				fmt.Errorf("cannot grow memory by %d pages", pages))
		}
	}
	if uint32(start) > h.top {
		h.release(span{addr: h.top, size: uint32(start) - h.top})
	}
	h.top = uint32(end)
	return uint32(start), nil
}

// release inserts a span into the free list, merging with neighbours.
func (h *Heap) release(s span) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].addr >= s.addr })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = s

	if i+1 < len(h.free) && h.free[i].end() == h.free[i+1].addr {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].end() == h.free[i].addr {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
		i--
	}
	// give the tail back to the bump region
	if last := len(h.free) - 1; last >= 0 && h.free[last].end() == h.top {
		h.top = h.free[last].addr
		h.free = h.free[:last]
	}
}

func oob(offset uint32, length int) error {
	return errors.New(errors.PhaseMemory, errors.KindOutOfBounds).
		Detail("memory access out of bounds: offset=%d, length=%d", offset, length).
		Build()
}

// Read copies length bytes starting at offset.
func (h *Heap) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := h.back.Read(offset, length)
	if !ok {
		return nil, oob(offset, int(length))
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write writes data at offset.
func (h *Heap) Write(offset uint32, data []byte) error {
	if !h.back.Write(offset, data) {
		return oob(offset, len(data))
	}
	return nil
}

// ReadU8 reads an unsigned 8-bit value.
func (h *Heap) ReadU8(offset uint32) (uint8, error) {
	data, ok := h.back.Read(offset, 1)
	if !ok {
		return 0, oob(offset, 1)
	}
	return data[0], nil
}

// ReadU16 reads an unsigned 16-bit little-endian value.
func (h *Heap) ReadU16(offset uint32) (uint16, error) {
	data, ok := h.back.Read(offset, 2)
	if !ok {
		return 0, oob(offset, 2)
	}
	return binary.LittleEndian.Uint16(data), nil
}

// ReadU32 reads an unsigned 32-bit little-endian value.
func (h *Heap) ReadU32(offset uint32) (uint32, error) {
	data, ok := h.back.Read(offset, 4)
	if !ok {
		return 0, oob(offset, 4)
	}
	return binary.LittleEndian.Uint32(data), nil
}

// ReadU64 reads an unsigned 64-bit little-endian value.
func (h *Heap) ReadU64(offset uint32) (uint64, error) {
	data, ok := h.back.Read(offset, 8)
	if !ok {
		return 0, oob(offset, 8)
	}
	return binary.LittleEndian.Uint64(data), nil
}

// WriteU8 writes an unsigned 8-bit value.
func (h *Heap) WriteU8(offset uint32, value uint8) error {
	return h.Write(offset, []byte{value})
}

// WriteU16 writes an unsigned 16-bit little-endian value.
func (h *Heap) WriteU16(offset uint32, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return h.Write(offset, buf[:])
}

// WriteU32 writes an unsigned 32-bit little-endian value.
func (h *Heap) WriteU32(offset uint32, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return h.Write(offset, buf[:])
}

// WriteU64 writes an unsigned 64-bit little-endian value.
func (h *Heap) WriteU64(offset uint32, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return h.Write(offset, buf[:])
}
