// Package rope provides pointer-stable staging storage for list elements
// that are built one at a time.
//
// A Rope is a sequence of fixed-capacity chunks. Slots handed out by
// PushUninit are never moved: growth allocates a new chunk instead of
// reallocating an old one, so addresses of elements 0..N-1 stay valid while
// element N is being built.
//
// The rope does not know how to destroy its elements. Callers end its life
// with DrainInto (ownership moves out one element at a time), DropAll
// (elements are destroyed) or Release once they have copied every element
// out themselves.
package rope

import (
	"go.uber.org/zap"

	"github.com/wippyai/partial"
	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/internal/abi"
	"github.com/wippyai/partial/memory"
)

// DefaultChunkCapacity is the number of elements per chunk.
const DefaultChunkCapacity = 16

// Rope stages elements of one layout in fixed-size chunks.
type Rope struct {
	alloc  partial.Allocator
	chunks *memory.BlockList
	log    *zap.Logger

	elemSize  uint32
	elemAlign uint32
	chunkCap  uint32

	// dangling is the shared address of zero-sized elements.
	dangling uint32

	length      uint32
	initialized uint32
	drained     uint32
}

// New creates an empty rope. A chunkCap of 0 selects DefaultChunkCapacity.
func New(alloc partial.Allocator, elemSize, elemAlign, chunkCap uint32, log *zap.Logger) *Rope {
	if chunkCap == 0 {
		chunkCap = DefaultChunkCapacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Rope{
		alloc:     alloc,
		chunks:    memory.AcquireBlockList(),
		log:       log,
		elemSize:  abi.AlignTo(elemSize, max(elemAlign, 1)),
		elemAlign: max(elemAlign, 1),
		chunkCap:  chunkCap,
	}
}

// Len returns the number of slots handed out.
func (r *Rope) Len() uint32 { return r.length }

// Initialized returns the number of slots marked initialized.
func (r *Rope) Initialized() uint32 { return r.initialized }

// ChunkCount returns the number of chunks allocated so far.
func (r *Rope) ChunkCount() int {
	if r.chunks == nil {
		return 0
	}
	return r.chunks.Len()
}

// PushUninit reserves the next slot and returns its address. The slot is
// uninitialized until MarkLastInitialized is called.
func (r *Rope) PushUninit() (uint32, error) {
	if r.chunks == nil {
		return 0, errors.Invariant(errors.PhaseNavigate, nil, "rope already released")
	}
	if r.length > r.initialized {
		return 0, errors.Invariant(errors.PhaseNavigate, nil, "previous rope slot was never initialized")
	}
	if r.length >= abi.MaxListLength {
		return 0, errors.Overflow(errors.PhaseNavigate, nil, r.length+1, "list length")
	}
	if r.elemSize == 0 {
		if r.dangling == 0 {
			p, err := r.alloc.Alloc(0, r.elemAlign)
			if err != nil {
				return 0, errors.AllocationFailed(errors.PhaseAlloc, 0, r.elemAlign, err)
			}
			r.dangling = p
		}
		r.length++
		return r.dangling, nil
	}
	if r.length%r.chunkCap == 0 && int(r.length/r.chunkCap) == r.chunks.Len() {
		if err := r.grow(); err != nil {
			return 0, err
		}
	}
	addr := r.At(r.length)
	r.length++
	return addr, nil
}

func (r *Rope) grow() error {
	size, ok := abi.SafeMulU32(r.elemSize, r.chunkCap)
	if !ok {
		return errors.Overflow(errors.PhaseAlloc, nil, uint64(r.elemSize)*uint64(r.chunkCap), "u32")
	}
	ptr, err := r.alloc.Alloc(size, r.elemAlign)
	if err != nil {
		return errors.AllocationFailed(errors.PhaseAlloc, size, r.elemAlign, err)
	}
	r.chunks.Append(ptr, size, r.elemAlign)
	r.log.Debug("rope chunk allocated",
		zap.Uint32("ptr", ptr),
		zap.Uint32("size", size),
		zap.Int("chunks", r.chunks.Len()))
	return nil
}

// MarkLastInitialized records that the most recent slot holds a value.
func (r *Rope) MarkLastInitialized() error {
	if r.initialized >= r.length {
		return errors.Invariant(errors.PhaseEnd, nil, "no uninitialized rope slot to mark")
	}
	r.initialized++
	return nil
}

// DiscardLast gives back the most recent slot if it was never initialized,
// so the next PushUninit hands out the same address.
func (r *Rope) DiscardLast() {
	if r.length > r.initialized {
		r.length--
	}
}

// At returns the address of slot i.
func (r *Rope) At(i uint32) uint32 {
	if r.elemSize == 0 {
		return r.dangling
	}
	return r.chunks.At(int(i/r.chunkCap)).Ptr + (i%r.chunkCap)*r.elemSize
}

// DrainInto calls move once per initialized element in push order, then
// frees every chunk. move takes ownership; elements are not dropped. When
// move fails the elements not yet moved are left for DropAll.
func (r *Rope) DrainInto(move func(addr uint32) error) error {
	for r.drained < r.initialized {
		if err := move(r.At(r.drained)); err != nil {
			return err
		}
		r.drained++
	}
	r.free()
	return nil
}

// DropAll runs drop over every initialized element not yet drained, then
// frees every chunk. It returns the first drop error.
func (r *Rope) DropAll(drop func(addr uint32) error) error {
	var first error
	if drop != nil {
		for i := r.drained; i < r.initialized; i++ {
			if err := drop(r.At(i)); err != nil && first == nil {
				first = err
			}
		}
	}
	r.drained = r.initialized
	r.free()
	return first
}

// Release frees chunk memory without running destructors. The caller owns
// the bytes of every element it copied out. Releasing with a slot still
// being built logs a warning, since that slot's frame is left dangling.
func (r *Rope) Release() {
	if r.length > r.initialized {
		r.log.Warn("rope released with a slot in flight",
			zap.Uint32("len", r.length),
			zap.Uint32("initialized", r.initialized))
	}
	r.log.Debug("rope released", zap.Uint32("elements", r.initialized-r.drained))
	r.free()
}

func (r *Rope) free() {
	if r.chunks == nil {
		return
	}
	r.chunks.FreeAll(r.alloc)
	r.chunks = nil
	r.length, r.initialized, r.drained = 0, 0, 0
}
