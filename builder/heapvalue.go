package builder

import (
	"reflect"

	"github.com/wippyai/partial"
	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape"
	"github.com/wippyai/partial/transcoder"
)

// HeapValue is a fully initialized value produced by Build. It owns the
// value, and the root allocation unless it was built in place.
//
// A HeapValue is consumed by Free, Materialize, MaterializeInto, Take or by
// being moved into another builder with SetFrom. Any later use reports a
// moved error; Free stays a no-op.
type HeapValue struct {
	mem   partial.Memory
	alloc partial.Allocator
	shape *shape.Shape
	addr  uint32
	owned bool
	size  uint32
	align uint32
	moved bool
}

// Shape returns the value's shape.
func (hv *HeapValue) Shape() *shape.Shape {
	return hv.shape
}

// Addr returns the value's address in linear memory.
func (hv *HeapValue) Addr() uint32 {
	return hv.addr
}

// Moved reports whether the value has been consumed.
func (hv *HeapValue) Moved() bool {
	return hv.moved
}

// Free drops the value and frees its memory. Calling Free on a consumed
// value does nothing.
func (hv *HeapValue) Free() error {
	if hv.moved {
		return nil
	}
	err := hv.shape.DropInPlace(hv.mem, hv.alloc, hv.addr)
	hv.release()
	if err != nil {
		return errors.WithPath(errors.PhaseDrop, err, nil)
	}
	return nil
}

// release frees the root block without dropping and marks hv moved.
func (hv *HeapValue) release() {
	if hv.owned && hv.size > 0 {
		hv.alloc.Free(hv.addr, hv.size, max(hv.align, 1))
	}
	hv.moved = true
}

// Take transfers ownership of the value's memory to the caller and returns
// its address. The caller becomes responsible for dropping the value and,
// for builder-allocated values, freeing Shape().Size bytes at the address.
// Dynamic values inside stay registered with the memory until dropped;
// shape.ReleaseDynamic reports any that never are.
func (hv *HeapValue) Take() (uint32, error) {
	if hv.moved {
		return 0, hv.movedError(errors.PhaseMaterialize)
	}
	hv.moved = true
	return hv.addr, nil
}

// Decode returns a Go copy of the value without consuming it.
func (hv *HeapValue) Decode() (any, error) {
	if hv.moved {
		return nil, hv.movedError(errors.PhaseDecode)
	}
	return transcoder.NewDecoder(hv.mem).Decode(hv.shape, hv.addr)
}

// MaterializeInto decodes the value into out, a pointer to the shape's Go
// type, and then frees it. On error the value is left intact.
func (hv *HeapValue) MaterializeInto(out any) error {
	if hv.moved {
		return hv.movedError(errors.PhaseMaterialize)
	}
	if hv.shape.GoType == nil {
		return errors.Unsupported(errors.PhaseMaterialize, "shape "+hv.shape.Name+" has no Go type")
	}
	if err := transcoder.NewDecoder(hv.mem).DecodeInto(hv.shape, hv.addr, out); err != nil {
		return err
	}
	return hv.Free()
}

// Equal compares two values of the same shape.
func (hv *HeapValue) Equal(other *HeapValue) (bool, error) {
	if hv.moved {
		return false, hv.movedError(errors.PhaseMaterialize)
	}
	if other == nil || other.moved {
		return false, errors.InvalidData(errors.PhaseMaterialize, nil, "other value is nil or moved")
	}
	if hv.shape != other.shape {
		return false, nil
	}
	return hv.shape.Equal(hv.mem, hv.addr, other.addr)
}

func (hv *HeapValue) movedError(phase errors.Phase) error {
	return errors.New(phase, errors.KindMoved).
		Shape(hv.shape.Name).
		Detail("value at %d was already moved out", hv.addr).
		Build()
}

// Materialize converts hv into a T and frees it. T must be exactly the Go
// type bound to the value's shape; otherwise hv is left untouched.
func Materialize[T any](hv *HeapValue) (T, error) {
	var out T
	if hv == nil {
		return out, errors.InvalidData(errors.PhaseMaterialize, nil, "heap value is nil")
	}
	want := reflect.TypeFor[T]()
	if hv.shape.GoType != want {
		got := "<none>"
		if hv.shape.GoType != nil {
			got = hv.shape.GoType.String()
		}
		return out, errors.New(errors.PhaseMaterialize, errors.KindWrongShape).
			Shape(hv.shape.Name).
			Expected(got).
			Detail("cannot materialize %s as %s", hv.shape.Name, want).
			Build()
	}
	if err := hv.MaterializeInto(&out); err != nil {
		return out, err
	}
	return out, nil
}
