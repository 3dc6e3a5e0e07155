package shape

import (
	"reflect"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape/internal/layout"
)

// OptionDef is the option vtable. InitSome moves the payload from src.
type OptionDef struct {
	InitSome func(mem Memory, addr, src uint32) error
	InitNone func(mem Memory, addr uint32) error
	IsSome   func(mem Memory, addr uint32) (bool, error)
	Payload  func(addr uint32) uint32
}

// ResultDef is the result vtable. Tag 0 is Ok, 1 is Err.
type ResultDef struct {
	InitOk  func(mem Memory, addr, src uint32) error
	InitErr func(mem Memory, addr, src uint32) error
	IsOk    func(mem Memory, addr uint32) (bool, error)
	Payload func(addr uint32) uint32
}

func readTag(mem Memory, addr uint32, name string) (bool, error) {
	tag, err := mem.ReadU8(addr)
	if err != nil {
		return false, err
	}
	switch tag {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, errors.InvalidData(errors.PhaseDecode, nil, "invalid "+name+" tag")
}

// OptionOf returns an optional inner value.
func OptionOf(inner *Shape) *Shape {
	info := layout.Tagged(inner.info())
	off := info.Offsets[0]
	s := &Shape{
		Name:          "Option<" + inner.Name + ">",
		Kind:          KindOption,
		Size:          info.Size,
		Align:         info.Align,
		Elem:          inner,
		PayloadOffset: off,
	}
	if inner.GoType != nil {
		s.GoType = reflect.PointerTo(inner.GoType)
	}
	def := &OptionDef{
		InitSome: func(mem Memory, addr, src uint32) error {
			if err := inner.MoveBytes(mem, addr+off, src); err != nil {
				return err
			}
			return mem.WriteU8(addr, 1)
		},
		InitNone: func(mem Memory, addr uint32) error {
			return mem.WriteU8(addr, 0)
		},
		IsSome: func(mem Memory, addr uint32) (bool, error) {
			return readTag(mem, addr, "option")
		},
		Payload: func(addr uint32) uint32 { return addr + off },
	}
	s.Option = def
	s.VTable = VTable{
		Default: func(mem Memory, _ Allocator, addr uint32) error {
			return def.InitNone(mem, addr)
		},
		Equal: func(mem Memory, a, b uint32) (bool, error) {
			sa, err := def.IsSome(mem, a)
			if err != nil {
				return false, err
			}
			sb, err := def.IsSome(mem, b)
			if err != nil {
				return false, err
			}
			if sa != sb {
				return false, nil
			}
			if !sa {
				return true, nil
			}
			return inner.Equal(mem, a+off, b+off)
		},
	}
	if inner.NeedsDrop() {
		s.VTable.Drop = func(mem Memory, alloc Allocator, addr uint32) error {
			some, err := def.IsSome(mem, addr)
			if err != nil || !some {
				return err
			}
			if err := inner.DropInPlace(mem, alloc, addr+off); err != nil {
				return err
			}
			return def.InitNone(mem, addr)
		}
	}
	return s
}

// ResultOf returns a value that is either ok or err.
func ResultOf(ok, errShape *Shape) *Shape {
	info := layout.Tagged(ok.info(), errShape.info())
	off := info.Offsets[0]
	s := &Shape{
		Name:          "Result<" + ok.Name + ", " + errShape.Name + ">",
		Kind:          KindResult,
		Size:          info.Size,
		Align:         info.Align,
		Elem:          ok,
		Err:           errShape,
		PayloadOffset: off,
	}
	if ok.GoType != nil && errShape.GoType != nil {
		s.GoType = ResultGoType(ok.GoType, errShape.GoType)
	}
	isOk := func(mem Memory, addr uint32) (bool, error) {
		isErr, err := readTag(mem, addr, "result")
		return !isErr, err
	}
	def := &ResultDef{
		InitOk: func(mem Memory, addr, src uint32) error {
			if err := ok.MoveBytes(mem, addr+off, src); err != nil {
				return err
			}
			return mem.WriteU8(addr, 0)
		},
		InitErr: func(mem Memory, addr, src uint32) error {
			if err := errShape.MoveBytes(mem, addr+off, src); err != nil {
				return err
			}
			return mem.WriteU8(addr, 1)
		},
		IsOk:    isOk,
		Payload: func(addr uint32) uint32 { return addr + off },
	}
	s.Result = def
	s.VTable.Equal = func(mem Memory, a, b uint32) (bool, error) {
		oa, err := isOk(mem, a)
		if err != nil {
			return false, err
		}
		ob, err := isOk(mem, b)
		if err != nil {
			return false, err
		}
		if oa != ob {
			return false, nil
		}
		if oa {
			return ok.Equal(mem, a+off, b+off)
		}
		return errShape.Equal(mem, a+off, b+off)
	}
	if ok.NeedsDrop() || errShape.NeedsDrop() {
		s.VTable.Drop = func(mem Memory, alloc Allocator, addr uint32) error {
			o, err := isOk(mem, addr)
			if err != nil {
				return err
			}
			if o {
				return ok.DropInPlace(mem, alloc, addr+off)
			}
			return errShape.DropInPlace(mem, alloc, addr+off)
		}
	}
	return s
}

// ResultGoType is the Go representation of a result: exactly one of Ok and
// Err is non-nil.
func ResultGoType(ok, err reflect.Type) reflect.Type {
	return reflect.StructOf([]reflect.StructField{
		{Name: "Ok", Type: reflect.PointerTo(ok)},
		{Name: "Err", Type: reflect.PointerTo(err)},
	})
}
