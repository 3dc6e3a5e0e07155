package shape

import (
	"reflect"
	"strings"

	"github.com/wippyai/partial"
	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape/internal/layout"
)

// Memory and Allocator are re-exported for vtable signatures.
type (
	Memory    = partial.Memory
	Allocator = partial.Allocator
)

// Shape describes the memory layout and behaviour of one type.
//
// Shapes are immutable once handed to a builder; customize vtables before use.
type Shape struct {
	Name   string
	Kind   Kind
	Size   uint32
	Align  uint32
	GoType reflect.Type

	// Unsized shapes cannot be allocated directly (slices behind fat pointers).
	Unsized bool

	Scalar ScalarType

	Fields   []Field
	Variants []Variant
	Repr     EnumRepr

	Elem  *Shape // array, list, set, option, pointer
	Inner *Shape // transparent wrapper
	Key   *Shape // map
	Value *Shape // map
	Err   *Shape // result
	Len   uint32 // array

	// PayloadOffset is the offset of the option/result payload after the tag.
	PayloadOffset uint32

	VTable  VTable
	List    *ListDef
	Map     *MapDef
	Set     *SetDef
	Option  *OptionDef
	Result  *ResultDef
	Pointer *PointerDef
}

// Field is one named member of a struct or enum variant.
type Field struct {
	Name   string
	Shape  *Shape
	Offset uint32

	// Default marks a field that Build fills with its default when it was never set.
	Default bool

	// GoIndex is the index of the matching Go struct field, -1 if none.
	GoIndex int
}

// F declares a field.
func F(name string, sh *Shape) Field {
	return Field{Name: name, Shape: sh, GoIndex: -1}
}

// WithDefault marks the field as default-filled.
func (f Field) WithDefault() Field {
	f.Default = true
	return f
}

// Variant is one case of an enum.
type Variant struct {
	Name   string
	Fields []Field

	Discriminant    int64
	HasDiscriminant bool
	noDiscriminant  bool

	// GoIndex is the Go struct field holding this variant's payload, -1 for
	// integer-backed enums.
	GoIndex int
}

// V declares a variant. The discriminant defaults to the variant's index.
func V(name string, fields ...Field) Variant {
	return Variant{Name: name, Fields: fields, GoIndex: -1}
}

// WithDiscriminant sets an explicit discriminant.
func (v Variant) WithDiscriminant(d int64) Variant {
	v.Discriminant = d
	v.HasDiscriminant = true
	v.noDiscriminant = false
	return v
}

// WithoutDiscriminant leaves the variant without a discriminant; it can be
// described but not selected.
func (v Variant) WithoutDiscriminant() Variant {
	v.Discriminant = 0
	v.HasDiscriminant = false
	v.noDiscriminant = true
	return v
}

// Function signatures stored in vtables.
type (
	DefaultFunc    func(mem Memory, alloc Allocator, addr uint32) error
	DropFunc       func(mem Memory, alloc Allocator, addr uint32) error
	ParseFunc      func(mem Memory, alloc Allocator, addr uint32, s string) error
	ParseBytesFunc func(mem Memory, alloc Allocator, addr uint32, b []byte) error
	EqualFunc      func(mem Memory, a, b uint32) (bool, error)
)

// VTable holds the optional per-shape behaviours. A nil entry means the
// capability is absent; a nil Drop means the value owns no resources.
type VTable struct {
	Default    DefaultFunc
	Drop       DropFunc
	Parse      ParseFunc
	ParseBytes ParseBytesFunc
	Equal      EqualFunc
}

func (s *Shape) String() string {
	if s == nil {
		return "<nil>"
	}
	return s.Name
}

// Stride is the distance between consecutive values of this shape.
func (s *Shape) Stride() uint32 {
	return layout.Stride(s.info())
}

func (s *Shape) info() layout.Info {
	return layout.Info{Size: s.Size, Align: max(s.Align, 1)}
}

// NeedsDrop reports whether dropping a value of this shape does any work.
func (s *Shape) NeedsDrop() bool {
	return s.VTable.Drop != nil
}

// HasDefault reports whether the shape can produce a default value.
func (s *Shape) HasDefault() bool {
	return s.VTable.Default != nil
}

// DropInPlace runs the shape's destructor on the value at addr.
func (s *Shape) DropInPlace(mem Memory, alloc Allocator, addr uint32) error {
	if s.VTable.Drop == nil {
		return nil
	}
	return s.VTable.Drop(mem, alloc, addr)
}

// DefaultInPlace writes the shape's default value at addr.
func (s *Shape) DefaultInPlace(mem Memory, alloc Allocator, addr uint32) error {
	if s.VTable.Default == nil {
		return errors.OperationFailed(errors.PhaseSet, nil, s.Name, "shape has no default")
	}
	return s.VTable.Default(mem, alloc, addr)
}

// Equal compares two values of this shape.
func (s *Shape) Equal(mem Memory, a, b uint32) (bool, error) {
	if s.VTable.Equal != nil {
		return s.VTable.Equal(mem, a, b)
	}
	return bytesEqual(mem, a, b, s.Size)
}

// FieldIndex returns the index of the named struct field, or -1.
func (s *Shape) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// VariantIndex returns the index of the named variant, or -1.
func (s *Shape) VariantIndex(name string) int {
	for i, v := range s.Variants {
		if v.Name == name {
			return i
		}
	}
	return -1
}

// VariantByDiscriminant returns the index of the variant with discriminant d, or -1.
func (s *Shape) VariantByDiscriminant(d int64) int {
	for i, v := range s.Variants {
		if v.HasDiscriminant && v.Discriminant == d {
			return i
		}
	}
	return -1
}

// IsUnitEnum reports whether every variant is field-less.
func (s *Shape) IsUnitEnum() bool {
	if s.Kind != KindEnum {
		return false
	}
	for _, v := range s.Variants {
		if len(v.Fields) > 0 {
			return false
		}
	}
	return true
}

func bytesEqual(mem Memory, a, b, size uint32) (bool, error) {
	if size == 0 || a == b {
		return true, nil
	}
	x, err := mem.Read(a, size)
	if err != nil {
		return false, err
	}
	y, err := mem.Read(b, size)
	if err != nil {
		return false, err
	}
	return string(x) == string(y), nil
}

// moveBytes copies size bytes from src to dst.
func moveBytes(mem Memory, dst, src, size uint32) error {
	if size == 0 || dst == src {
		return nil
	}
	data, err := mem.Read(src, size)
	if err != nil {
		return err
	}
	return mem.Write(dst, data)
}

// MoveBytes copies a value of this shape from src to dst without running any
// hooks. The source must not be dropped afterwards.
func (s *Shape) MoveBytes(mem Memory, dst, src uint32) error {
	return moveBytes(mem, dst, src, s.Size)
}

// goFieldName turns a shape field name into an exported Go identifier.
func goFieldName(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if r == '_' || r == '-' || r == ' ' {
			upper = true
			continue
		}
		if upper {
			b.WriteString(strings.ToUpper(string(r)))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if out == "" || !isLetter(out[0]) {
		out = "F" + out
	}
	return out
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// matchName compares a shape name with a Go field name, ignoring case and separators.
func matchName(shapeName, goName string) bool {
	return strings.EqualFold(stripSeparators(shapeName), stripSeparators(goName))
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == ' ' {
			return -1
		}
		return r
	}, s)
}
