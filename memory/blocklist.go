package memory

import (
	"sync"

	"github.com/wippyai/partial"
)

// Block is one allocation made through an Allocator.
type Block struct {
	Ptr   uint32
	Size  uint32
	Align uint32
}

// BlockList remembers the blocks backing a structure that grows in pieces,
// such as the chunks of a rope, so they can be given back together.
type BlockList struct {
	blocks []Block
}

var blockLists = sync.Pool{
	New: func() any { return &BlockList{blocks: make([]Block, 0, 4)} },
}

// maxRecycledBlocks bounds the backing array a recycled list may keep.
const maxRecycledBlocks = 64

// AcquireBlockList returns an empty list, reusing one freed earlier when
// possible.
func AcquireBlockList() *BlockList {
	return blockLists.Get().(*BlockList)
}

// Append records a block.
func (l *BlockList) Append(ptr, size, align uint32) {
	l.blocks = append(l.blocks, Block{Ptr: ptr, Size: size, Align: align})
}

// Len returns the number of recorded blocks.
func (l *BlockList) Len() int {
	return len(l.blocks)
}

// At returns the i-th recorded block.
func (l *BlockList) At(i int) Block {
	return l.blocks[i]
}

// FreeAll hands every sized block back to alloc and recycles the list.
// The list must not be used afterwards.
func (l *BlockList) FreeAll(alloc partial.Allocator) {
	for _, b := range l.blocks {
		if b.Size > 0 {
			alloc.Free(b.Ptr, b.Size, b.Align)
		}
	}
	l.blocks = l.blocks[:0]
	if cap(l.blocks) <= maxRecycledBlocks {
		blockLists.Put(l)
	}
}
