package shape

import (
	"reflect"

	"fortio.org/safecast"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape/internal/layout"
)

// Enum lays out a tagged union. Each variant's fields follow the discriminant.
//
// goType may be nil, an integer type (unit-only enums), or a struct with one
// pointer field per variant; unit variants may also map to bool fields.
func Enum(name string, goType reflect.Type, repr EnumRepr, variants ...Variant) (*Shape, error) {
	fieldInfos := make([][]layout.Info, len(variants))
	for i, v := range variants {
		fieldInfos[i] = make([]layout.Info, len(v.Fields))
		for j, f := range v.Fields {
			if f.Shape == nil || f.Shape.Unsized {
				return nil, errors.New(errors.PhaseShape, errors.KindInvalidData).
					Shape(name).
					Detail("variant %s field %q has no sized shape", v.Name, f.Name).
					Build()
			}
			fieldInfos[i][j] = f.Shape.info()
		}
	}
	info, offsets := layout.Enum(repr.TagSize(), fieldInfos)

	s := &Shape{
		Name:     name,
		Kind:     KindEnum,
		Size:     info.Size,
		Align:    info.Align,
		Repr:     repr,
		Variants: make([]Variant, len(variants)),
	}
	seen := make(map[int64]string, len(variants))
	for i, v := range variants {
		v.Fields = append([]Field(nil), v.Fields...)
		for j := range v.Fields {
			v.Fields[j].Offset = offsets[i][j]
			v.Fields[j].GoIndex = -1
		}
		if !v.HasDiscriminant && !v.noDiscriminant {
			v.Discriminant = int64(i)
			v.HasDiscriminant = true
		}
		if v.HasDiscriminant {
			if other, dup := seen[v.Discriminant]; dup {
				return nil, errors.New(errors.PhaseShape, errors.KindInvalidData).
					Shape(name).
					Detail("variants %s and %s share discriminant %d", other, v.Name, v.Discriminant).
					Build()
			}
			seen[v.Discriminant] = v.Name
			if repr != ReprNiche {
				if _, err := encodeDiscriminant(repr, v.Discriminant); err != nil {
					return nil, errors.New(errors.PhaseShape, errors.KindOverflow).
						Shape(name).
						Cause(err).
						Detail("discriminant %d of %s does not fit %s", v.Discriminant, v.Name, repr).
						Build()
				}
			}
		}
		v.GoIndex = -1
		s.Variants[i] = v
	}

	gt, err := bindEnum(s, goType)
	if err != nil {
		return nil, err
	}
	s.GoType = gt

	s.VTable.Equal = func(mem Memory, a, b uint32) (bool, error) {
		va, err := s.ReadVariant(mem, a)
		if err != nil {
			return false, err
		}
		vb, err := s.ReadVariant(mem, b)
		if err != nil {
			return false, err
		}
		if va != vb {
			return false, nil
		}
		for _, f := range s.Variants[va].Fields {
			eq, err := f.Shape.Equal(mem, a+f.Offset, b+f.Offset)
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}
	for _, v := range s.Variants {
		if fieldsNeedDrop(v.Fields) {
			s.VTable.Drop = func(mem Memory, alloc Allocator, addr uint32) error {
				idx, err := s.ReadVariant(mem, addr)
				if err != nil {
					return err
				}
				return dropFields(mem, alloc, s.Variants[idx].Fields, addr)
			}
			break
		}
	}
	if s.IsUnitEnum() && repr != ReprNiche {
		s.VTable.Parse = func(mem Memory, _ Allocator, addr uint32, text string) error {
			idx := s.VariantIndex(text)
			if idx < 0 {
				return errors.ParseFailed(nil, name, text, errors.NoSuchField(errors.PhaseSet, nil, name, text))
			}
			return s.WriteDiscriminant(mem, addr, idx)
		}
	}
	return s, nil
}

// MustEnum is Enum that panics on error.
func MustEnum(name string, goType reflect.Type, repr EnumRepr, variants ...Variant) *Shape {
	s, err := Enum(name, goType, repr, variants...)
	if err != nil {
		panic(err)
	}
	return s
}

// encodeDiscriminant range-checks d against repr and returns its bit pattern.
func encodeDiscriminant(repr EnumRepr, d int64) (uint64, error) {
	switch repr {
	case ReprU8:
		v, err := safecast.Conv[uint8](d)
		return uint64(v), err
	case ReprU16:
		v, err := safecast.Conv[uint16](d)
		return uint64(v), err
	case ReprU32:
		v, err := safecast.Conv[uint32](d)
		return uint64(v), err
	case ReprU64, ReprUsize:
		return safecast.Conv[uint64](d)
	case ReprI8:
		v, err := safecast.Conv[int8](d)
		return uint64(uint8(v)), err
	case ReprI16:
		v, err := safecast.Conv[int16](d)
		return uint64(uint16(v)), err
	case ReprI32:
		v, err := safecast.Conv[int32](d)
		return uint64(uint32(v)), err
	case ReprI64, ReprIsize:
		return uint64(d), nil
	}
	return 0, errors.Unsupported(errors.PhaseShape, "discriminant of "+repr.String()+" enum")
}

func decodeDiscriminant(repr EnumRepr, raw uint64) int64 {
	switch repr {
	case ReprI8:
		return int64(int8(raw))
	case ReprI16:
		return int64(int16(raw))
	case ReprI32:
		return int64(int32(raw))
	}
	return int64(raw)
}

func reprScalar(repr EnumRepr) ScalarType {
	switch repr {
	case ReprU8, ReprI8:
		return ScalarU8
	case ReprU16, ReprI16:
		return ScalarU16
	case ReprU32, ReprI32:
		return ScalarU32
	}
	return ScalarU64
}

// WriteDiscriminant stores the discriminant of variant idx at addr.
func (s *Shape) WriteDiscriminant(mem Memory, addr uint32, idx int) error {
	v := s.Variants[idx]
	if s.Repr == ReprNiche {
		return errors.OperationFailed(errors.PhaseSet, nil, s.Name, "niche-optimized enums cannot be written")
	}
	if !v.HasDiscriminant {
		return errors.OperationFailed(errors.PhaseSet, nil, s.Name, "variant "+v.Name+" has no discriminant")
	}
	raw, err := encodeDiscriminant(s.Repr, v.Discriminant)
	if err != nil {
		return errors.Overflow(errors.PhaseSet, nil, v.Discriminant, s.Repr.String())
	}
	return WriteUint(mem, reprScalar(s.Repr), addr, raw)
}

// ReadVariant returns the index of the variant stored at addr.
func (s *Shape) ReadVariant(mem Memory, addr uint32) (int, error) {
	if s.Repr == ReprNiche {
		return 0, errors.OperationFailed(errors.PhaseDecode, nil, s.Name, "niche-optimized enums cannot be read")
	}
	raw, err := ReadUint(mem, reprScalar(s.Repr), addr)
	if err != nil {
		return 0, err
	}
	d := decodeDiscriminant(s.Repr, raw)
	idx := s.VariantByDiscriminant(d)
	if idx < 0 {
		return 0, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Shape(s.Name).
			Value(d).
			Detail("no variant with discriminant %d", d).
			Build()
	}
	return idx, nil
}

func bindEnum(s *Shape, goType reflect.Type) (reflect.Type, error) {
	if goType == nil {
		if s.IsUnitEnum() {
			return reprGoType(s.Repr), nil
		}
		sf := make([]reflect.StructField, 0, len(s.Variants))
		for i := range s.Variants {
			v := &s.Variants[i]
			var payload reflect.Type
			if len(v.Fields) == 0 {
				payload = reflect.TypeFor[struct{}]()
			} else {
				fields := append([]Field(nil), v.Fields...)
				pt, err := bindStruct(v.Name, nil, fields)
				if err != nil || pt == nil {
					return nil, err
				}
				payload = pt
				v.Fields = fields
			}
			v.GoIndex = i
			sf = append(sf, reflect.StructField{Name: goFieldName(v.Name), Type: reflect.PointerTo(payload)})
		}
		return reflect.StructOf(sf), nil
	}

	switch goType.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if !s.IsUnitEnum() {
			return nil, errors.WrongShape(errors.PhaseShape, []string{s.Name}, "struct Go type for enum with payloads", goType.String())
		}
		return goType, nil
	case reflect.Struct:
	default:
		return nil, errors.WrongShape(errors.PhaseShape, []string{s.Name}, "struct or integer Go type", goType.String())
	}

	for i := range s.Variants {
		v := &s.Variants[i]
		idx := lookupGoField(goType, v.Name)
		if idx < 0 {
			return nil, errors.NoSuchField(errors.PhaseShape, []string{s.Name}, goType.String(), v.Name)
		}
		ft := goType.Field(idx).Type
		v.GoIndex = idx
		if len(v.Fields) == 0 {
			if ft.Kind() == reflect.Bool || ft.Kind() == reflect.Pointer {
				continue
			}
			return nil, errors.WrongShape(errors.PhaseShape, []string{s.Name, v.Name}, "bool or pointer", ft.String())
		}
		if ft.Kind() != reflect.Pointer || ft.Elem().Kind() != reflect.Struct {
			return nil, errors.WrongShape(errors.PhaseShape, []string{s.Name, v.Name}, "pointer to struct", ft.String())
		}
		if _, err := bindStruct(v.Name, ft.Elem(), v.Fields); err != nil {
			return nil, err
		}
	}
	return goType, nil
}

func reprGoType(repr EnumRepr) reflect.Type {
	switch repr {
	case ReprU8:
		return reflect.TypeFor[uint8]()
	case ReprU16:
		return reflect.TypeFor[uint16]()
	case ReprU32:
		return reflect.TypeFor[uint32]()
	case ReprU64:
		return reflect.TypeFor[uint64]()
	case ReprI8:
		return reflect.TypeFor[int8]()
	case ReprI16:
		return reflect.TypeFor[int16]()
	case ReprI32:
		return reflect.TypeFor[int32]()
	case ReprI64:
		return reflect.TypeFor[int64]()
	case ReprUsize:
		return reflect.TypeFor[uint]()
	}
	return reflect.TypeFor[int]()
}
