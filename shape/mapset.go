package shape

import (
	"reflect"

	"github.com/wippyai/partial/shape/internal/layout"
)

// MapDef is the map vtable. Insert moves both key and value; when the key is
// already present the old value is dropped and the incoming key is dropped.
type MapDef struct {
	InitWithCapacity func(mem Memory, alloc Allocator, addr, capacity uint32) error
	Len              func(mem Memory, addr uint32) (uint32, error)
	Insert           func(mem Memory, alloc Allocator, addr, key, value uint32) error
	Entry            func(mem Memory, addr, index uint32) (key, value uint32, err error)
}

// SetDef is the set vtable. Insert moves the element; a duplicate is dropped.
type SetDef struct {
	InitWithCapacity func(mem Memory, alloc Allocator, addr, capacity uint32) error
	Len              func(mem Memory, addr uint32) (uint32, error)
	Insert           func(mem Memory, alloc Allocator, addr, elem uint32) (inserted bool, err error)
	Get              func(mem Memory, addr, index uint32) (uint32, error)
}

// MapOf returns an insertion-ordered map from key to value.
func MapOf(key, value *Shape) *Shape {
	entry := layout.Record([]layout.Info{key.info(), value.info()})
	entryShape := &Shape{
		Name:  "(" + key.Name + ", " + value.Name + ")",
		Kind:  KindStruct,
		Size:  entry.Size,
		Align: entry.Align,
		Fields: []Field{
			{Name: "key", Shape: key, Offset: entry.Offsets[0], GoIndex: -1},
			{Name: "value", Shape: value, Offset: entry.Offsets[1], GoIndex: -1},
		},
	}
	valueOff := entry.Offsets[1]
	entryShape.VTable.Equal = func(mem Memory, a, b uint32) (bool, error) {
		return key.Equal(mem, a, b)
	}
	if key.NeedsDrop() || value.NeedsDrop() {
		entryShape.VTable.Drop = func(mem Memory, alloc Allocator, addr uint32) error {
			kerr := key.DropInPlace(mem, alloc, addr)
			verr := value.DropInPlace(mem, alloc, addr+valueOff)
			if kerr != nil {
				return kerr
			}
			return verr
		}
	}

	b := buffer{elem: entryShape}
	s := &Shape{
		Name:  "Map<" + key.Name + ", " + value.Name + ">",
		Kind:  KindMap,
		Size:  ContainerSize,
		Align: 4,
		Key:   key,
		Value: value,
		Elem:  entryShape,
	}
	if key.GoType != nil && value.GoType != nil && key.GoType.Comparable() {
		s.GoType = reflect.MapOf(key.GoType, value.GoType)
	}
	s.VTable = VTable{
		Default: func(mem Memory, alloc Allocator, addr uint32) error {
			return b.init(mem, alloc, addr, 0)
		},
		Drop: b.drop,
		Equal: func(mem Memory, x, y uint32) (bool, error) {
			return mapEqual(mem, b, value, valueOff, x, y)
		},
	}
	s.Map = &MapDef{
		InitWithCapacity: b.init,
		Len:              b.len,
		Insert: func(mem Memory, alloc Allocator, addr, k, v uint32) error {
			at, found, err := b.find(mem, addr, k)
			if err != nil {
				return err
			}
			if found {
				if err := value.DropInPlace(mem, alloc, at+valueOff); err != nil {
					return err
				}
				if err := value.MoveBytes(mem, at+valueOff, v); err != nil {
					return err
				}
				return key.DropInPlace(mem, alloc, k)
			}
			if err := b.reserve(mem, alloc, addr, 1); err != nil {
				return err
			}
			ptr, n, _, err := b.header(mem, addr)
			if err != nil {
				return err
			}
			slot := ptr + n*b.stride()
			if err := key.MoveBytes(mem, slot, k); err != nil {
				return err
			}
			if err := value.MoveBytes(mem, slot+valueOff, v); err != nil {
				return err
			}
			return b.setLen(mem, addr, n+1)
		},
		Entry: func(mem Memory, addr, index uint32) (uint32, uint32, error) {
			at, err := b.get(mem, addr, index)
			if err != nil {
				return 0, 0, err
			}
			return at, at + valueOff, nil
		},
	}
	return s
}

func mapEqual(mem Memory, b buffer, value *Shape, valueOff, x, y uint32) (bool, error) {
	nx, err := b.len(mem, x)
	if err != nil {
		return false, err
	}
	ny, err := b.len(mem, y)
	if err != nil {
		return false, err
	}
	if nx != ny {
		return false, nil
	}
	for i := uint32(0); i < nx; i++ {
		at, err := b.get(mem, x, i)
		if err != nil {
			return false, err
		}
		other, found, err := b.find(mem, y, at)
		if err != nil || !found {
			return false, err
		}
		eq, err := value.Equal(mem, at+valueOff, other+valueOff)
		if err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

// SetOf returns an insertion-ordered set of elem.
func SetOf(elem *Shape) *Shape {
	b := buffer{elem: elem}
	s := &Shape{
		Name:  "Set<" + elem.Name + ">",
		Kind:  KindSet,
		Size:  ContainerSize,
		Align: 4,
		Elem:  elem,
	}
	if elem.GoType != nil && elem.GoType.Comparable() {
		s.GoType = reflect.MapOf(elem.GoType, reflect.TypeFor[struct{}]())
	}
	s.VTable = VTable{
		Default: func(mem Memory, alloc Allocator, addr uint32) error {
			return b.init(mem, alloc, addr, 0)
		},
		Drop: b.drop,
		Equal: func(mem Memory, x, y uint32) (bool, error) {
			nx, err := b.len(mem, x)
			if err != nil {
				return false, err
			}
			ny, err := b.len(mem, y)
			if err != nil {
				return false, err
			}
			if nx != ny {
				return false, nil
			}
			for i := uint32(0); i < nx; i++ {
				at, err := b.get(mem, x, i)
				if err != nil {
					return false, err
				}
				if _, found, err := b.find(mem, y, at); err != nil || !found {
					return false, err
				}
			}
			return true, nil
		},
	}
	s.Set = &SetDef{
		InitWithCapacity: b.init,
		Len:              b.len,
		Insert: func(mem Memory, alloc Allocator, addr, e uint32) (bool, error) {
			_, found, err := b.find(mem, addr, e)
			if err != nil {
				return false, err
			}
			if found {
				return false, elem.DropInPlace(mem, alloc, e)
			}
			return true, b.push(mem, alloc, addr, e)
		},
		Get: b.get,
	}
	return s
}
