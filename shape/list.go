package shape

import (
	"math"
	"reflect"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/internal/abi"
)

// ContainerSize is the size of a {ptr, len, cap} list, map or set header.
const ContainerSize = 12

// ListDef is the list vtable. The direct-fill entries (Reserve, Capacity,
// AsMutPtr, SetLen) are nil for push-only lists.
type ListDef struct {
	InitWithCapacity func(mem Memory, alloc Allocator, addr, capacity uint32) error
	Len              func(mem Memory, addr uint32) (uint32, error)
	Push             func(mem Memory, alloc Allocator, addr, elem uint32) error
	Get              func(mem Memory, addr, index uint32) (uint32, error)

	Reserve  func(mem Memory, alloc Allocator, addr, additional uint32) error
	Capacity func(mem Memory, addr uint32) (uint32, error)
	AsMutPtr func(mem Memory, addr uint32) (uint32, error)
	SetLen   func(mem Memory, addr, n uint32) error
}

// DirectFill reports whether elements can be built in the list's own buffer.
func (d *ListDef) DirectFill() bool {
	return d.Reserve != nil && d.Capacity != nil && d.AsMutPtr != nil && d.SetLen != nil
}

// ListOf returns a growable list of elem that supports direct fill.
func ListOf(elem *Shape) *Shape {
	s := newList("List<"+elem.Name+">", elem)
	b := buffer{elem: elem}
	s.List = &ListDef{
		InitWithCapacity: b.init,
		Len:              b.len,
		Push:             b.push,
		Get:              b.get,
		Reserve:          b.reserve,
		Capacity:         b.capacity,
		AsMutPtr:         b.ptr,
		SetLen:           b.setLen,
	}
	return s
}

// PushListOf returns a list of elem that only supports whole-element push.
// Builders stage its elements out of line.
func PushListOf(elem *Shape) *Shape {
	s := newList("PushList<"+elem.Name+">", elem)
	b := buffer{elem: elem}
	s.List = &ListDef{
		InitWithCapacity: b.init,
		Len:              b.len,
		Push:             b.push,
		Get:              b.get,
	}
	return s
}

func newList(name string, elem *Shape) *Shape {
	s := &Shape{
		Name:  name,
		Kind:  KindList,
		Size:  ContainerSize,
		Align: 4,
		Elem:  elem,
	}
	if elem.GoType != nil {
		s.GoType = reflect.SliceOf(elem.GoType)
	}
	b := buffer{elem: elem}
	s.VTable = VTable{
		Default: func(mem Memory, alloc Allocator, addr uint32) error {
			return b.init(mem, alloc, addr, 0)
		},
		Drop:  b.drop,
		Equal: b.equal,
	}
	return s
}

// buffer implements a {ptr, len, cap} header over contiguous elements.
// Zero-sized elements never allocate and report unbounded capacity.
type buffer struct {
	elem *Shape
}

func (b buffer) stride() uint32 {
	return b.elem.Stride()
}

func (b buffer) header(mem Memory, addr uint32) (ptr, n, capacity uint32, err error) {
	if ptr, err = mem.ReadU32(addr); err != nil {
		return
	}
	if n, err = mem.ReadU32(addr + 4); err != nil {
		return
	}
	capacity, err = mem.ReadU32(addr + 8)
	return
}

func (b buffer) writeHeader(mem Memory, addr, ptr, n, capacity uint32) error {
	if err := mem.WriteU32(addr, ptr); err != nil {
		return err
	}
	if err := mem.WriteU32(addr+4, n); err != nil {
		return err
	}
	return mem.WriteU32(addr+8, capacity)
}

func (b buffer) allocBuf(alloc Allocator, capacity uint32) (uint32, error) {
	if capacity == 0 || b.stride() == 0 {
		return 0, nil
	}
	if capacity > abi.MaxListLength {
		return 0, errors.New(errors.PhaseAlloc, errors.KindOverflow).
			Shape(b.elem.Name).
			Detail("capacity %d exceeds maximum %d", capacity, abi.MaxListLength).
			Build()
	}
	size, ok := abi.SafeMulU32(capacity, b.stride())
	if !ok {
		return 0, errors.AllocationFailed(errors.PhaseAlloc, math.MaxUint32, b.elem.Align, nil)
	}
	return alloc.Alloc(size, max(b.elem.Align, 1))
}

func (b buffer) freeBuf(alloc Allocator, ptr, capacity uint32) {
	if ptr == 0 || capacity == 0 || b.stride() == 0 {
		return
	}
	alloc.Free(ptr, capacity*b.stride(), max(b.elem.Align, 1))
}

func (b buffer) init(mem Memory, alloc Allocator, addr, capacity uint32) error {
	if b.stride() == 0 {
		return b.writeHeader(mem, addr, 0, 0, math.MaxUint32)
	}
	ptr, err := b.allocBuf(alloc, capacity)
	if err != nil {
		return err
	}
	if err := b.writeHeader(mem, addr, ptr, 0, capacity); err != nil {
		b.freeBuf(alloc, ptr, capacity)
		return err
	}
	return nil
}

func (b buffer) len(mem Memory, addr uint32) (uint32, error) {
	return mem.ReadU32(addr + 4)
}

func (b buffer) capacity(mem Memory, addr uint32) (uint32, error) {
	return mem.ReadU32(addr + 8)
}

func (b buffer) ptr(mem Memory, addr uint32) (uint32, error) {
	return mem.ReadU32(addr)
}

func (b buffer) setLen(mem Memory, addr, n uint32) error {
	capacity, err := b.capacity(mem, addr)
	if err != nil {
		return err
	}
	if n > capacity {
		return errors.OutOfBounds(errors.PhaseSet, nil, int(n), int(capacity))
	}
	return mem.WriteU32(addr+4, n)
}

func (b buffer) reserve(mem Memory, alloc Allocator, addr, additional uint32) error {
	ptr, n, capacity, err := b.header(mem, addr)
	if err != nil {
		return err
	}
	need, ok := abi.SafeAddU32(n, additional)
	if !ok {
		return errors.Overflow(errors.PhaseAlloc, nil, uint64(n)+uint64(additional), "u32")
	}
	if need <= capacity {
		return nil
	}
	newCap := max(need, capacity*2, 4)
	if newCap > abi.MaxListLength {
		newCap = max(need, abi.MaxListLength)
	}
	next, err := b.allocBuf(alloc, newCap)
	if err != nil {
		return err
	}
	if n > 0 {
		if err := moveBytes(mem, next, ptr, n*b.stride()); err != nil {
			b.freeBuf(alloc, next, newCap)
			return err
		}
	}
	b.freeBuf(alloc, ptr, capacity)
	return b.writeHeader(mem, addr, next, n, newCap)
}

func (b buffer) get(mem Memory, addr, index uint32) (uint32, error) {
	ptr, n, _, err := b.header(mem, addr)
	if err != nil {
		return 0, err
	}
	if index >= n {
		return 0, errors.OutOfBounds(errors.PhaseNavigate, nil, int(index), int(n))
	}
	return ptr + index*b.stride(), nil
}

// push moves the element at elem to the end of the buffer.
func (b buffer) push(mem Memory, alloc Allocator, addr, elem uint32) error {
	if err := b.reserve(mem, alloc, addr, 1); err != nil {
		return err
	}
	ptr, n, _, err := b.header(mem, addr)
	if err != nil {
		return err
	}
	if err := moveBytes(mem, ptr+n*b.stride(), elem, b.elem.Size); err != nil {
		return err
	}
	return mem.WriteU32(addr+4, n+1)
}

func (b buffer) drop(mem Memory, alloc Allocator, addr uint32) error {
	ptr, n, capacity, err := b.header(mem, addr)
	if err != nil {
		return err
	}
	var first error
	if b.elem.NeedsDrop() {
		for i := uint32(0); i < n; i++ {
			if err := b.elem.DropInPlace(mem, alloc, ptr+i*b.stride()); err != nil && first == nil {
				first = err
			}
		}
	}
	b.freeBuf(alloc, ptr, capacity)
	if err := b.writeHeader(mem, addr, 0, 0, 0); err != nil && first == nil {
		first = err
	}
	return first
}

func (b buffer) equal(mem Memory, x, y uint32) (bool, error) {
	px, nx, _, err := b.header(mem, x)
	if err != nil {
		return false, err
	}
	py, ny, _, err := b.header(mem, y)
	if err != nil {
		return false, err
	}
	if nx != ny {
		return false, nil
	}
	for i := uint32(0); i < nx; i++ {
		eq, err := b.elem.Equal(mem, px+i*b.stride(), py+i*b.stride())
		if err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

// find returns the address of the first element equal to the value at needle.
func (b buffer) find(mem Memory, addr, needle uint32) (uint32, bool, error) {
	ptr, n, _, err := b.header(mem, addr)
	if err != nil {
		return 0, false, err
	}
	for i := uint32(0); i < n; i++ {
		at := ptr + i*b.stride()
		eq, err := b.elem.Equal(mem, at, needle)
		if err != nil {
			return 0, false, err
		}
		if eq {
			return at, true, nil
		}
	}
	return 0, false, nil
}
