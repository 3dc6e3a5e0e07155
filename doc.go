// Package partial is a generic incremental value builder driven by runtime shape descriptors.
//
// Given only a Shape (size, alignment, field offsets, structural category and a vtable of
// operations), a caller can construct an arbitrary value field by field, element by element,
// inside a linear memory, without per-type generated code. Partial initialization is tracked
// per frame, so a build that is abandoned halfway tears down exactly the parts that were
// written and frees every staging buffer once.
//
// # Architecture Overview
//
// The module is organized into several packages with distinct responsibilities:
//
//	partial/             Root package with the Memory and Allocator interfaces
//	├── memory/          Heap allocator over a byte slice or a wazero linear memory
//	├── shape/           Shape descriptors, layouts and standard vtables
//	├── transcoder/      Go value <-> linear memory conversion driven by shapes
//	├── builder/         The Partial frame stack, trackers, end/build protocol
//	├── errors/          Structured error types for debugging
//	└── cmd/shapewalk/   Developer tool that steps a builder through a script
//
// # Quick Start
//
// Build a struct field by field:
//
//	type Pair struct {
//	    A uint64
//	    B string
//	}
//
//	pairShape := shape.MustStruct("Pair", reflect.TypeFor[Pair](),
//	    shape.F("a", shape.U64),
//	    shape.F("b", shape.String),
//	)
//
//	heap := memory.NewHeap()
//	p, _ := builder.Alloc(heap, heap, pairShape)
//	_ = p.BeginNthField(0)
//	_ = p.Set(uint64(7))
//	_ = p.End()
//	_ = p.BeginNthField(1)
//	_ = p.Set("hi")
//	_ = p.End()
//	hv, _ := p.Build()
//	pair, _ := builder.Materialize[Pair](hv) // Pair{A: 7, B: "hi"}
//
// # Memory Model
//
// Every value lives in linear memory at a uint32 address. All accesses are bounds-checked
// by the Memory implementation; nothing in the builder dereferences Go pointers into the
// built value. Ownership moves (pushing an element into a list, wrapping a pointee into a
// Box) copy bytes and then mark the source frame as moved so it is never dropped twice.
//
// # Thread Safety
//
// Shapes are immutable and safe for concurrent use. A builder is driven by a single
// goroutine; Heap is not safe for concurrent mutation.
package partial
