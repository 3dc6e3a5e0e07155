package shape

import (
	"reflect"
	"sync"

	"github.com/wippyai/partial/errors"
)

var (
	forCache sync.Map // reflect.Type -> *Shape
	forMu    sync.Mutex
)

// For derives a shape from a Go type.
//
// Structs become struct shapes over their exported fields, pointers become
// options, slices lists, arrays arrays, map[K]struct{} sets, other maps maps,
// and interface{} the dynamic shape. Recursive types are rejected.
func For(t reflect.Type) (*Shape, error) {
	if t == nil {
		return nil, errors.New(errors.PhaseShape, errors.KindInvalidData).
			Detail("Go type cannot be nil").
			Build()
	}
	if cached, ok := forCache.Load(t); ok {
		return cached.(*Shape), nil
	}

	forMu.Lock()
	defer forMu.Unlock()
	return derive(t, map[reflect.Type]bool{}, []string{t.String()})
}

// MustFor is For that panics on error.
func MustFor(t reflect.Type) *Shape {
	s, err := For(t)
	if err != nil {
		panic(err)
	}
	return s
}

// ForType derives the shape of T.
func ForType[T any]() (*Shape, error) {
	return For(reflect.TypeFor[T]())
}

var scalarKinds = map[reflect.Kind]*Shape{
	reflect.Bool:    Bool,
	reflect.Uint8:   U8,
	reflect.Uint16:  U16,
	reflect.Uint32:  U32,
	reflect.Uint64:  U64,
	reflect.Uint:    Usize,
	reflect.Int8:    I8,
	reflect.Int16:   I16,
	reflect.Int32:   I32,
	reflect.Int64:   I64,
	reflect.Int:     Isize,
	reflect.Float32: F32,
	reflect.Float64: F64,
	reflect.String:  String,
}

func derive(t reflect.Type, visiting map[reflect.Type]bool, path []string) (*Shape, error) {
	if cached, ok := forCache.Load(t); ok {
		return cached.(*Shape), nil
	}
	if visiting[t] {
		return nil, errors.New(errors.PhaseShape, errors.KindUnsupported).
			Path(path...).
			Detail("recursive type %s", t).
			Build()
	}
	visiting[t] = true
	defer delete(visiting, t)

	s, err := deriveUncached(t, visiting, path)
	if err != nil {
		return nil, err
	}
	forCache.Store(t, s)
	return s, nil
}

func deriveUncached(t reflect.Type, visiting map[reflect.Type]bool, path []string) (*Shape, error) {
	if base, ok := scalarKinds[t.Kind()]; ok {
		if t == base.GoType {
			return base, nil
		}
		return Custom(t.String(), base, t), nil
	}

	sub := func(et reflect.Type, seg string) (*Shape, error) {
		return derive(et, visiting, append(append([]string{}, path...), seg))
	}

	switch t.Kind() {
	case reflect.Interface:
		if t.NumMethod() == 0 {
			return Dynamic, nil
		}
	case reflect.Pointer:
		inner, err := sub(t.Elem(), "*")
		if err != nil {
			return nil, err
		}
		return OptionOf(inner), nil
	case reflect.Slice:
		elem, err := sub(t.Elem(), "[]")
		if err != nil {
			return nil, err
		}
		s := ListOf(elem)
		if s.GoType != t {
			s.GoType = t
		}
		return s, nil
	case reflect.Array:
		elem, err := sub(t.Elem(), "[]")
		if err != nil {
			return nil, err
		}
		s, err := ArrayOf(elem, uint32(t.Len()))
		if err != nil {
			return nil, err
		}
		s.GoType = t
		return s, nil
	case reflect.Map:
		key, err := sub(t.Key(), "key")
		if err != nil {
			return nil, err
		}
		if t.Elem() == reflect.TypeFor[struct{}]() {
			s := SetOf(key)
			s.GoType = t
			return s, nil
		}
		val, err := sub(t.Elem(), "value")
		if err != nil {
			return nil, err
		}
		s := MapOf(key, val)
		s.GoType = t
		return s, nil
	case reflect.Struct:
		fields := make([]Field, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			name := sf.Name
			if tag := sf.Tag.Get("partial"); tag != "" {
				if tag == "-" {
					continue
				}
				name = tag
			}
			fs, err := sub(sf.Type, name)
			if err != nil {
				return nil, err
			}
			fields = append(fields, F(name, fs))
		}
		return Struct(t.String(), t, fields...)
	}
	return nil, errors.New(errors.PhaseShape, errors.KindUnsupported).
		Path(path...).
		Detail("cannot derive a shape for %s", t).
		Build()
}
