// Package transcoder converts between Go values and shaped linear memory.
//
// The Encoder writes a Go value into uninitialized memory described by a
// shape; the Decoder reads initialized memory back into a fresh Go value.
// Both follow the Go type mapping recorded in shape.Shape.GoType:
//
//	Shape kind     Go type
//	──────────────────────────────────────────────
//	scalar         bool, uintN, intN, float, rune, string
//	struct         struct (fields bound by name)
//	enum           integer, or struct of per-variant pointers
//	list / array   []T / [N]T
//	map / set      map[K]V / map[T]struct{}
//	option         *T
//	result         struct{ Ok *T; Err *E }
//	Box/Rc/Arc     *T
//	Box<[T]>       []T
//	dynamic        any
//
// # Ownership
//
// Encode either initializes the destination completely or leaves it
// uninitialized: any strings, buffers or pointees allocated before a failure
// are dropped again. Decode never takes ownership; the caller still drops the
// memory through the shape.
//
// # Example
//
//	enc := transcoder.NewEncoder(heap, heap)
//	if err := enc.Encode(pairShape, addr, Pair{A: 1, B: "x"}); err != nil {
//		return err
//	}
//	v, err := transcoder.NewDecoder(heap).Decode(pairShape, addr)
package transcoder
