package shape

import (
	"reflect"
	"strconv"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape/internal/layout"
)

// ArrayOf returns a fixed-size array of n elements.
func ArrayOf(elem *Shape, n uint32) (*Shape, error) {
	info, ok := layout.Array(elem.info(), n)
	if !ok {
		return nil, errors.New(errors.PhaseShape, errors.KindOverflow).
			Shape(elem.Name).
			Detail("array of %d elements overflows the address space", n).
			Build()
	}
	s := &Shape{
		Name:  "[" + elem.Name + "; " + itoa(n) + "]",
		Kind:  KindArray,
		Size:  info.Size,
		Align: info.Align,
		Elem:  elem,
		Len:   n,
	}
	if elem.GoType != nil {
		s.GoType = reflect.ArrayOf(int(n), elem.GoType)
	}
	stride := elem.Stride()
	s.VTable.Equal = func(mem Memory, a, b uint32) (bool, error) {
		for i := uint32(0); i < n; i++ {
			eq, err := elem.Equal(mem, a+i*stride, b+i*stride)
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}
	if elem.NeedsDrop() {
		s.VTable.Drop = func(mem Memory, alloc Allocator, addr uint32) error {
			var first error
			for i := uint32(0); i < n; i++ {
				if err := elem.DropInPlace(mem, alloc, addr+i*stride); err != nil && first == nil {
					first = err
				}
			}
			return first
		}
	}
	if elem.HasDefault() {
		s.VTable.Default = func(mem Memory, alloc Allocator, addr uint32) error {
			for i := uint32(0); i < n; i++ {
				if err := elem.DefaultInPlace(mem, alloc, addr+i*stride); err != nil {
					for j := uint32(0); j < i; j++ {
						_ = elem.DropInPlace(mem, alloc, addr+j*stride)
					}
					return err
				}
			}
			return nil
		}
	}
	return s, nil
}

// MustArrayOf is ArrayOf that panics on error.
func MustArrayOf(elem *Shape, n uint32) *Shape {
	s, err := ArrayOf(elem, n)
	if err != nil {
		panic(err)
	}
	return s
}

// Struct lays out a struct with the given fields in declaration order.
//
// goType may be nil, in which case a Go struct type is synthesized from the
// field names. Otherwise every shape field must match a Go field by name.
func Struct(name string, goType reflect.Type, fields ...Field) (*Shape, error) {
	infos := make([]layout.Info, len(fields))
	for i, f := range fields {
		if f.Shape == nil {
			return nil, errors.New(errors.PhaseShape, errors.KindInvalidData).
				Shape(name).
				Detail("field %q has no shape", f.Name).
				Build()
		}
		if f.Shape.Unsized {
			return nil, errors.Unsized(errors.PhaseShape, f.Shape.Name)
		}
		infos[i] = f.Shape.info()
	}
	rec := layout.Record(infos)

	s := &Shape{
		Name:   name,
		Kind:   KindStruct,
		Size:   rec.Size,
		Align:  rec.Align,
		Fields: make([]Field, len(fields)),
	}
	copy(s.Fields, fields)
	for i := range s.Fields {
		s.Fields[i].Offset = rec.Offsets[i]
		s.Fields[i].GoIndex = -1
	}

	gt, err := bindStruct(name, goType, s.Fields)
	if err != nil {
		return nil, err
	}
	s.GoType = gt

	s.VTable.Equal = func(mem Memory, a, b uint32) (bool, error) {
		for _, f := range s.Fields {
			eq, err := f.Shape.Equal(mem, a+f.Offset, b+f.Offset)
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}
	if fieldsNeedDrop(s.Fields) {
		s.VTable.Drop = func(mem Memory, alloc Allocator, addr uint32) error {
			return dropFields(mem, alloc, s.Fields, addr)
		}
	}
	if fieldsHaveDefault(s.Fields) {
		s.VTable.Default = func(mem Memory, alloc Allocator, addr uint32) error {
			for i, f := range s.Fields {
				if err := f.Shape.DefaultInPlace(mem, alloc, addr+f.Offset); err != nil {
					_ = dropFields(mem, alloc, s.Fields[:i], addr)
					return err
				}
			}
			return nil
		}
	}
	return s, nil
}

// MustStruct is Struct that panics on error.
func MustStruct(name string, goType reflect.Type, fields ...Field) *Shape {
	s, err := Struct(name, goType, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Tuple is a struct with positional field names "0", "1", ...
func Tuple(elems ...*Shape) *Shape {
	fields := make([]Field, len(elems))
	name := "("
	for i, e := range elems {
		fields[i] = F(itoa(uint32(i)), e)
		if i > 0 {
			name += ", "
		}
		name += e.Name
	}
	return MustStruct(name+")", nil, fields...)
}

func fieldsNeedDrop(fields []Field) bool {
	for _, f := range fields {
		if f.Shape.NeedsDrop() {
			return true
		}
	}
	return false
}

func fieldsHaveDefault(fields []Field) bool {
	for _, f := range fields {
		if !f.Shape.HasDefault() {
			return false
		}
	}
	return true
}

func dropFields(mem Memory, alloc Allocator, fields []Field, addr uint32) error {
	var first error
	for _, f := range fields {
		if err := f.Shape.DropInPlace(mem, alloc, addr+f.Offset); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// bindStruct resolves the Go struct type for a field list and records each
// field's Go index.
func bindStruct(name string, goType reflect.Type, fields []Field) (reflect.Type, error) {
	if goType == nil {
		sf := make([]reflect.StructField, 0, len(fields))
		seen := make(map[string]bool, len(fields))
		for i := range fields {
			if fields[i].Shape.GoType == nil {
				return nil, nil
			}
			n := goFieldName(fields[i].Name)
			if seen[n] {
				return nil, nil
			}
			seen[n] = true
			fields[i].GoIndex = i
			sf = append(sf, reflect.StructField{Name: n, Type: fields[i].Shape.GoType})
		}
		return reflect.StructOf(sf), nil
	}

	if goType.Kind() != reflect.Struct {
		return nil, errors.WrongShape(errors.PhaseShape, []string{name}, "struct Go type", goType.String())
	}
	for i := range fields {
		idx := lookupGoField(goType, fields[i].Name)
		if idx < 0 {
			return nil, errors.NoSuchField(errors.PhaseShape, []string{name}, goType.String(), fields[i].Name)
		}
		want := fields[i].Shape.GoType
		got := goType.Field(idx).Type
		if want != nil && want != got {
			return nil, errors.WrongShape(errors.PhaseShape, []string{name, fields[i].Name}, want.String(), got.String())
		}
		fields[i].GoIndex = idx
	}
	return goType, nil
}

func lookupGoField(t reflect.Type, name string) int {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if tag := f.Tag.Get("partial"); tag != "" {
			if tag == name {
				return i
			}
			continue
		}
		if matchName(name, f.Name) {
			return i
		}
	}
	return -1
}

func itoa(n uint32) string {
	return strconv.FormatUint(uint64(n), 10)
}
