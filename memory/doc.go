// Package memory provides linear memories and the allocator used to build values in them.
//
// A Heap combines a Backing (the raw growable byte space) with a first-fit allocator
// that keeps a table of live allocations. The table is what makes leak and double-free
// bugs observable: every Free is checked against it, and mismatches are recorded as
// faults instead of corrupting the free list.
//
// # Backings
//
//	NewHeap()                  in-process byte slice, grows in 64 KiB pages
//	NewWazeroHeap(ctx, pages)  memory exported by a minimal wazero module instance
//
// Any wazero api.Memory satisfies Backing directly, so a heap can also be layered over
// the memory of an already running guest with NewHeapOn.
//
// # Layout
//
// Address 0 is never handed out. Fresh allocations are filled with PoisonByte so reads
// of uninitialized memory show up as obviously wrong values in tests.
//
// # Thread Safety
//
// Heap is not safe for concurrent use.
package memory
