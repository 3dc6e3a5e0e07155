package shape

import (
	"reflect"

	"github.com/wippyai/partial/errors"
)

// Transparent declares a newtype wrapper around inner. The wrapper shares
// inner's layout and vtable, and builders reach the wrapped value through
// BeginInner. A non-nil goType must have the same underlying type as
// inner's Go type.
func Transparent(name string, inner *Shape, goType reflect.Type) (*Shape, error) {
	if inner == nil {
		return nil, errors.InvalidData(errors.PhaseShape, nil, "transparent "+name+" has no inner shape")
	}
	if inner.Unsized {
		return nil, errors.Unsized(errors.PhaseShape, inner.Name)
	}
	w := *inner
	w.Name = name
	w.Inner = inner
	if goType != nil {
		if inner.GoType != nil &&
			(goType.Kind() != inner.GoType.Kind() || !goType.ConvertibleTo(inner.GoType)) {
			return nil, errors.WrongShape(errors.PhaseShape, nil, inner.GoType.String(), goType.String())
		}
		w.GoType = goType
	}
	return &w, nil
}

// MustTransparent is Transparent that panics on error.
func MustTransparent(name string, inner *Shape, goType reflect.Type) *Shape {
	s, err := Transparent(name, inner, goType)
	if err != nil {
		panic(err)
	}
	return s
}
