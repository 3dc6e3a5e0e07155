package shape

import (
	"reflect"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/internal/abi"
	"github.com/wippyai/partial/shape/internal/layout"
)

// PointerSize is the size of a thin smart pointer slot.
const PointerSize = 4

// FatPointerSize is the size of a {ptr, len} slice pointer slot.
const FatPointerSize = 8

// PointerDef is the smart pointer vtable.
type PointerDef struct {
	Kind PointerKind

	// NewInto allocates pointee storage, moves the value at src into it and
	// writes the pointer to dst. Nil for slice pointers.
	NewInto func(mem Memory, alloc Allocator, dst, src uint32) error

	// Borrow returns the address of the pointee.
	Borrow func(mem Memory, addr uint32) (uint32, error)

	// Clone adds a strong reference and writes it to dst (Rc/Arc).
	Clone func(mem Memory, addr, dst uint32) error

	// Downgrade adds a weak reference and writes it to dst (Rc/Arc).
	Downgrade func(mem Memory, addr, dst uint32) error

	// Upgrade writes a strong reference to dst when the value is alive (Weak).
	Upgrade func(mem Memory, addr, dst uint32) (bool, error)

	Slice *SliceDef
}

// SliceDef builds slice pointers such as Box<[T]> from a known element count.
type SliceDef struct {
	// New allocates storage for n elements and returns the storage handle and
	// the address of the first element.
	New func(mem Memory, alloc Allocator, n uint32) (handle, elems uint32, err error)
	// Convert writes the finished pointer to dst.
	Convert func(mem Memory, dst, handle, n uint32) error
	// Discard frees storage from New without dropping elements.
	Discard func(alloc Allocator, handle, n uint32)
}

// BoxOf returns a uniquely owned heap pointer to inner.
func BoxOf(inner *Shape) *Shape {
	s := &Shape{
		Name:  "Box<" + inner.Name + ">",
		Kind:  KindPointer,
		Size:  PointerSize,
		Align: 4,
		Elem:  inner,
	}
	if inner.GoType != nil {
		s.GoType = reflect.PointerTo(inner.GoType)
	}
	align := max(inner.Align, 1)
	borrow := func(mem Memory, addr uint32) (uint32, error) {
		return mem.ReadU32(addr)
	}
	newInto := func(mem Memory, alloc Allocator, dst, src uint32) error {
		p, err := alloc.Alloc(inner.Size, align)
		if err != nil {
			return err
		}
		if err := inner.MoveBytes(mem, p, src); err != nil {
			alloc.Free(p, inner.Size, align)
			return err
		}
		return mem.WriteU32(dst, p)
	}
	s.Pointer = &PointerDef{Kind: PointerBox, NewInto: newInto, Borrow: borrow}
	s.VTable = VTable{
		Drop: func(mem Memory, alloc Allocator, addr uint32) error {
			p, err := borrow(mem, addr)
			if err != nil {
				return err
			}
			derr := inner.DropInPlace(mem, alloc, p)
			alloc.Free(p, inner.Size, align)
			return derr
		},
		Equal: func(mem Memory, a, b uint32) (bool, error) {
			return pointeeEqual(mem, inner, borrow, a, b)
		},
	}
	if inner.HasDefault() {
		s.VTable.Default = func(mem Memory, alloc Allocator, addr uint32) error {
			p, err := alloc.Alloc(inner.Size, align)
			if err != nil {
				return err
			}
			if err := inner.DefaultInPlace(mem, alloc, p); err != nil {
				alloc.Free(p, inner.Size, align)
				return err
			}
			return mem.WriteU32(addr, p)
		}
	}
	return s
}

func pointeeEqual(mem Memory, inner *Shape, borrow func(Memory, uint32) (uint32, error), a, b uint32) (bool, error) {
	pa, err := borrow(mem, a)
	if err != nil {
		return false, err
	}
	pb, err := borrow(mem, b)
	if err != nil {
		return false, err
	}
	return inner.Equal(mem, pa, pb)
}

// counted is a reference-counted block: {strong u32, weak u32} then the value.
type counted struct {
	elem  *Shape
	voff  uint32
	size  uint32
	align uint32
}

func newCounted(elem *Shape, payload uint32) counted {
	info := layout.Info{Size: elem.Size, Align: max(elem.Align, 1)}
	voff := layout.RcValueOffset(info)
	return counted{
		elem:  elem,
		voff:  voff,
		size:  voff + payload,
		align: max(info.Align, 4),
	}
}

func (c counted) alloc(mem Memory, alloc Allocator) (uint32, error) {
	p, err := alloc.Alloc(c.size, c.align)
	if err != nil {
		return 0, err
	}
	if err := mem.WriteU32(p, 1); err != nil {
		alloc.Free(p, c.size, c.align)
		return 0, err
	}
	if err := mem.WriteU32(p+4, 0); err != nil {
		alloc.Free(p, c.size, c.align)
		return 0, err
	}
	return p, nil
}

func (c counted) counts(mem Memory, block uint32) (strong, weak uint32, err error) {
	if strong, err = mem.ReadU32(block); err != nil {
		return
	}
	weak, err = mem.ReadU32(block + 4)
	return
}

func (c counted) bump(mem Memory, block, off uint32) error {
	v, err := mem.ReadU32(block + off)
	if err != nil {
		return err
	}
	if v == ^uint32(0) {
		return errors.Overflow(errors.PhaseSet, nil, v, "reference count")
	}
	return mem.WriteU32(block+off, v+1)
}

// releaseStrong drops one strong reference, dropping the value with dropValue
// when it was the last one and freeing the block when no weak ones remain.
func (c counted) releaseStrong(mem Memory, alloc Allocator, block uint32, dropValue func() error) error {
	strong, weak, err := c.counts(mem, block)
	if err != nil {
		return err
	}
	if strong == 0 {
		return errors.Invariant(errors.PhaseDrop, nil, "strong count underflow")
	}
	strong--
	if err := mem.WriteU32(block, strong); err != nil {
		return err
	}
	if strong > 0 {
		return nil
	}
	derr := dropValue()
	if weak == 0 {
		alloc.Free(block, c.size, c.align)
	}
	return derr
}

func (c counted) releaseWeak(mem Memory, alloc Allocator, block uint32) error {
	strong, weak, err := c.counts(mem, block)
	if err != nil {
		return err
	}
	if weak == 0 {
		return errors.Invariant(errors.PhaseDrop, nil, "weak count underflow")
	}
	weak--
	if err := mem.WriteU32(block+4, weak); err != nil {
		return err
	}
	if strong == 0 && weak == 0 {
		alloc.Free(block, c.size, c.align)
	}
	return nil
}

// RcOf returns a single-threaded reference-counted pointer to inner.
func RcOf(inner *Shape) *Shape {
	return countedOf(PointerRc, inner)
}

// ArcOf returns an atomically reference-counted pointer to inner. In linear
// memory it shares the Rc layout.
func ArcOf(inner *Shape) *Shape {
	return countedOf(PointerArc, inner)
}

func countedOf(kind PointerKind, inner *Shape) *Shape {
	c := newCounted(inner, inner.Size)
	s := &Shape{
		Name:  kind.String() + "<" + inner.Name + ">",
		Kind:  KindPointer,
		Size:  PointerSize,
		Align: 4,
		Elem:  inner,
	}
	if inner.GoType != nil {
		s.GoType = reflect.PointerTo(inner.GoType)
	}
	borrow := func(mem Memory, addr uint32) (uint32, error) {
		block, err := mem.ReadU32(addr)
		if err != nil {
			return 0, err
		}
		return block + c.voff, nil
	}
	s.Pointer = &PointerDef{
		Kind: kind,
		NewInto: func(mem Memory, alloc Allocator, dst, src uint32) error {
			block, err := c.alloc(mem, alloc)
			if err != nil {
				return err
			}
			if err := inner.MoveBytes(mem, block+c.voff, src); err != nil {
				alloc.Free(block, c.size, c.align)
				return err
			}
			return mem.WriteU32(dst, block)
		},
		Borrow: borrow,
		Clone: func(mem Memory, addr, dst uint32) error {
			block, err := mem.ReadU32(addr)
			if err != nil {
				return err
			}
			if err := c.bump(mem, block, 0); err != nil {
				return err
			}
			return mem.WriteU32(dst, block)
		},
		Downgrade: func(mem Memory, addr, dst uint32) error {
			block, err := mem.ReadU32(addr)
			if err != nil {
				return err
			}
			if err := c.bump(mem, block, 4); err != nil {
				return err
			}
			return mem.WriteU32(dst, block)
		},
	}
	s.VTable = VTable{
		Drop: func(mem Memory, alloc Allocator, addr uint32) error {
			block, err := mem.ReadU32(addr)
			if err != nil {
				return err
			}
			return c.releaseStrong(mem, alloc, block, func() error {
				return inner.DropInPlace(mem, alloc, block+c.voff)
			})
		},
		Equal: func(mem Memory, a, b uint32) (bool, error) {
			return pointeeEqual(mem, inner, borrow, a, b)
		},
	}
	if inner.HasDefault() {
		s.VTable.Default = func(mem Memory, alloc Allocator, addr uint32) error {
			block, err := c.alloc(mem, alloc)
			if err != nil {
				return err
			}
			if err := inner.DefaultInPlace(mem, alloc, block+c.voff); err != nil {
				alloc.Free(block, c.size, c.align)
				return err
			}
			return mem.WriteU32(addr, block)
		}
	}
	return s
}

// WeakOf returns the weak counterpart of an Rc or Arc shape.
func WeakOf(strong *Shape) (*Shape, error) {
	if strong.Kind != KindPointer || strong.Pointer == nil ||
		(strong.Pointer.Kind != PointerRc && strong.Pointer.Kind != PointerArc) || strong.Pointer.Slice != nil {
		return nil, errors.New(errors.PhaseShape, errors.KindWrongShape).
			Shape(strong.Name).
			Expected("Rc or Arc").
			Detail("weak pointers need a reference-counted target").
			Build()
	}
	inner := strong.Elem
	c := newCounted(inner, inner.Size)
	s := &Shape{
		Name:   "Weak<" + inner.Name + ">",
		Kind:   KindPointer,
		Size:   PointerSize,
		Align:  4,
		Elem:   inner,
		GoType: strong.GoType,
	}
	s.Pointer = &PointerDef{
		Kind: PointerWeak,
		Borrow: func(mem Memory, addr uint32) (uint32, error) {
			block, err := mem.ReadU32(addr)
			if err != nil {
				return 0, err
			}
			strongCount, _, err := c.counts(mem, block)
			if err != nil {
				return 0, err
			}
			if strongCount == 0 {
				return 0, nil
			}
			return block + c.voff, nil
		},
		Upgrade: func(mem Memory, addr, dst uint32) (bool, error) {
			block, err := mem.ReadU32(addr)
			if err != nil {
				return false, err
			}
			strongCount, _, err := c.counts(mem, block)
			if err != nil || strongCount == 0 {
				return false, err
			}
			if err := c.bump(mem, block, 0); err != nil {
				return false, err
			}
			return true, mem.WriteU32(dst, block)
		},
	}
	s.VTable = VTable{
		Drop: func(mem Memory, alloc Allocator, addr uint32) error {
			block, err := mem.ReadU32(addr)
			if err != nil {
				return err
			}
			return c.releaseWeak(mem, alloc, block)
		},
	}
	return s, nil
}

// BoxSliceOf returns an owned slice pointer Box<[elem]>.
func BoxSliceOf(elem *Shape) *Shape {
	return slicePointerOf(PointerBox, elem)
}

// ArcSliceOf returns a shared slice pointer Arc<[elem]>.
func ArcSliceOf(elem *Shape) *Shape {
	return slicePointerOf(PointerArc, elem)
}

func slicePointerOf(kind PointerKind, elem *Shape) *Shape {
	stride := elem.Stride()
	align := max(elem.Align, 1)
	pointee := &Shape{
		Name:    "[" + elem.Name + "]",
		Kind:    KindArray,
		Align:   align,
		Elem:    elem,
		Unsized: true,
	}
	s := &Shape{
		Name:  kind.String() + "<[" + elem.Name + "]>",
		Kind:  KindPointer,
		Size:  FatPointerSize,
		Align: 4,
		Elem:  pointee,
	}
	if elem.GoType != nil {
		s.GoType = reflect.SliceOf(elem.GoType)
	}

	// header is 0 for Box; Arc carries the counters in front of the elements.
	header := uint32(0)
	if kind != PointerBox {
		header = layout.RcValueOffset(layout.Info{Size: elem.Size, Align: align})
	}
	blockAlign := align
	if header > 0 {
		blockAlign = max(align, 4)
	}
	blockSize := func(n uint32) (uint32, error) {
		body, ok := abi.SafeMulU32(n, stride)
		if !ok {
			return 0, errors.Overflow(errors.PhaseAlloc, nil, uint64(n)*uint64(stride), "u32")
		}
		total, ok := abi.SafeAddU32(body, header)
		if !ok {
			return 0, errors.Overflow(errors.PhaseAlloc, nil, uint64(body)+uint64(header), "u32")
		}
		return total, nil
	}
	dropElems := func(mem Memory, alloc Allocator, elems, n uint32) error {
		var first error
		if elem.NeedsDrop() {
			for i := uint32(0); i < n; i++ {
				if err := elem.DropInPlace(mem, alloc, elems+i*stride); err != nil && first == nil {
					first = err
				}
			}
		}
		return first
	}
	discard := func(alloc Allocator, handle, n uint32) {
		if handle == 0 {
			return
		}
		size, err := blockSize(n)
		if err != nil {
			return
		}
		alloc.Free(handle, size, blockAlign)
	}

	slice := &SliceDef{
		New: func(mem Memory, alloc Allocator, n uint32) (uint32, uint32, error) {
			size, err := blockSize(n)
			if err != nil {
				return 0, 0, err
			}
			if size == 0 {
				return 0, 0, nil
			}
			block, err := alloc.Alloc(size, blockAlign)
			if err != nil {
				return 0, 0, err
			}
			if header > 0 {
				if err := mem.WriteU32(block, 1); err != nil {
					alloc.Free(block, size, blockAlign)
					return 0, 0, err
				}
				if err := mem.WriteU32(block+4, 0); err != nil {
					alloc.Free(block, size, blockAlign)
					return 0, 0, err
				}
			}
			return block, block + header, nil
		},
		Convert: func(mem Memory, dst, handle, n uint32) error {
			if err := mem.WriteU32(dst, handle); err != nil {
				return err
			}
			return mem.WriteU32(dst+4, n)
		},
		Discard: discard,
	}

	borrow := func(mem Memory, addr uint32) (uint32, error) {
		block, err := mem.ReadU32(addr)
		if err != nil || block == 0 {
			return 0, err
		}
		return block + header, nil
	}
	s.Pointer = &PointerDef{Kind: kind, Borrow: borrow, Slice: slice}
	if kind == PointerArc {
		s.Pointer.Clone = func(mem Memory, addr, dst uint32) error {
			block, err := mem.ReadU32(addr)
			if err != nil {
				return err
			}
			n, err := mem.ReadU32(addr + 4)
			if err != nil {
				return err
			}
			if block != 0 {
				v, err := mem.ReadU32(block)
				if err != nil {
					return err
				}
				if err := mem.WriteU32(block, v+1); err != nil {
					return err
				}
			}
			return slice.Convert(mem, dst, block, n)
		}
	}

	s.VTable = VTable{
		Default: func(mem Memory, _ Allocator, addr uint32) error {
			return slice.Convert(mem, addr, 0, 0)
		},
		Drop: func(mem Memory, alloc Allocator, addr uint32) error {
			block, err := mem.ReadU32(addr)
			if err != nil || block == 0 {
				return err
			}
			n, err := mem.ReadU32(addr + 4)
			if err != nil {
				return err
			}
			if header > 0 {
				strong, err := mem.ReadU32(block)
				if err != nil {
					return err
				}
				if strong > 1 {
					return mem.WriteU32(block, strong-1)
				}
			}
			derr := dropElems(mem, alloc, block+header, n)
			discard(alloc, block, n)
			return derr
		},
		Equal: func(mem Memory, a, b uint32) (bool, error) {
			na, err := mem.ReadU32(a + 4)
			if err != nil {
				return false, err
			}
			nb, err := mem.ReadU32(b + 4)
			if err != nil {
				return false, err
			}
			if na != nb {
				return false, nil
			}
			pa, err := borrow(mem, a)
			if err != nil {
				return false, err
			}
			pb, err := borrow(mem, b)
			if err != nil {
				return false, err
			}
			for i := uint32(0); i < na; i++ {
				eq, err := elem.Equal(mem, pa+i*stride, pb+i*stride)
				if err != nil || !eq {
					return false, err
				}
			}
			return true, nil
		},
	}
	return s
}
