// Package builder constructs values of a runtime shape in linear memory,
// one part at a time.
//
// A Partial keeps a stack of frames. The root frame covers the value being
// built; navigation methods (BeginNthField, BeginListItem, BeginKey,
// BeginSome, BeginSmartPtr and friends) push a frame for a sub-value, a
// terminal method (Set, SetDefault, ParseFromStr) fills the current frame,
// and End pops it, moving the finished value into its parent:
//
//	parent kind     End does
//	──────────────────────────────────────────────
//	struct/enum     marks the field initialized
//	array           marks the element initialized
//	list            bumps the length, or pushes from the rope
//	map             stages the key, then inserts key and value
//	set             inserts the element
//	option/result   InitSome / InitOk / InitErr
//	Box/Rc/Arc      NewInto, moving the pointee to the heap
//	Box<[T]>        allocates n elements and moves them in
//	dynamic         appends the item or assigns the entry
//	transparent     marks the wrapper initialized (BeginInner)
//
// # Trackers
//
// Each frame records which of its parts are initialized. Structs, enum
// variants and arrays use a 64-bit ISet, so structs are limited to 64
// fields and arrays to 63 elements. A frame holding a complete value that
// is navigated into again keeps all its parts marked, and re-setting a part
// drops the old value first.
//
// # Deferred mode
//
// Between BeginDeferred and FinishDeferred, End on an incomplete struct
// field, variant field or array element keeps the frame aside. Navigating
// to the same slot later resumes it, so inputs that mention fields out of
// order can be applied as they arrive.
//
// # Failure
//
// Every error leaves the frame stack as it was before the call. Abandon
// drops the current frame and pops it. Discard abandons a build: it walks
// the frames top-down, drops exactly the parts that were initialized and
// frees every staging buffer once.
//
// # Example
//
//	p, err := builder.Alloc(heap, heap, shape.ListOf(shape.U64))
//	if err != nil {
//	    return err
//	}
//	defer p.Discard()
//	for _, n := range []uint64{1, 2, 3} {
//	    if err := p.BeginListItem(); err != nil {
//	        return err
//	    }
//	    if err := p.Set(n); err != nil {
//	        return err
//	    }
//	    if err := p.End(); err != nil {
//	        return err
//	    }
//	}
//	hv, err := p.Build()
//	if err != nil {
//	    return err
//	}
//	values, err := builder.Materialize[[]uint64](hv) // [1 2 3]
package builder
