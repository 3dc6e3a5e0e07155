package transcoder

import (
	"math"
	"reflect"
	"strconv"

	"go.uber.org/zap"

	"github.com/wippyai/partial"
	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/internal/abi"
	"github.com/wippyai/partial/shape"
)

type Memory = partial.Memory
type Allocator = partial.Allocator

// Encoder writes Go values into uninitialized shaped memory.
type Encoder struct {
	mem   Memory
	alloc Allocator
}

func NewEncoder(mem Memory, alloc Allocator) *Encoder {
	return &Encoder{mem: mem, alloc: alloc}
}

// Encode writes v at addr. The Go type of v must be the shape's GoType.
// On failure nothing is left allocated and addr is uninitialized.
func (e *Encoder) Encode(sh *shape.Shape, addr uint32, v any) error {
	return e.EncodeValue(sh, addr, reflect.ValueOf(v))
}

// EncodeValue is Encode for a reflect.Value.
func (e *Encoder) EncodeValue(sh *shape.Shape, addr uint32, rv reflect.Value) error {
	return e.encode(sh, addr, rv, nil)
}

// CheckType verifies that rv can be stored as sh.
func CheckType(sh *shape.Shape, rv reflect.Value) error {
	if sh.GoType == nil {
		return errors.New(errors.PhaseEncode, errors.KindUnsupported).
			Shape(sh.Name).
			Detail("shape has no Go representation").
			Build()
	}
	if sh.Kind == shape.KindDynamic {
		return nil
	}
	if !rv.IsValid() {
		return errors.WrongShape(errors.PhaseEncode, nil, sh.GoType.String(), "nil")
	}
	if rv.Type() != sh.GoType {
		return errors.WrongShape(errors.PhaseEncode, nil, sh.GoType.String(), rv.Type().String())
	}
	return nil
}

func childPath(path []string, seg string) []string {
	return append(append(make([]string, 0, len(path)+1), path...), seg)
}

func (e *Encoder) encode(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	if err := CheckType(sh, rv); err != nil {
		return errors.WithPath(errors.PhaseEncode, err, path)
	}
	switch sh.Kind {
	case shape.KindScalar:
		return e.encodeScalar(sh, addr, rv, path)
	case shape.KindStruct:
		return e.encodeStruct(sh, addr, rv, path)
	case shape.KindEnum:
		return e.encodeEnum(sh, addr, rv, path)
	case shape.KindArray:
		return e.encodeArray(sh, addr, rv, path)
	case shape.KindList:
		return e.encodeList(sh, addr, rv, path)
	case shape.KindMap:
		return e.encodeMap(sh, addr, rv, path)
	case shape.KindSet:
		return e.encodeSet(sh, addr, rv, path)
	case shape.KindOption:
		return e.encodeOption(sh, addr, rv, path)
	case shape.KindResult:
		return e.encodeResult(sh, addr, rv, path)
	case shape.KindPointer:
		return e.encodePointer(sh, addr, rv, path)
	case shape.KindDynamic:
		var v any
		if rv.IsValid() {
			v = rv.Interface()
		}
		return errors.WithPath(errors.PhaseEncode, shape.StoreDynamic(e.mem, addr, v), path)
	}
	return errors.New(errors.PhaseEncode, errors.KindUnsupported).
		Path(path...).
		Shape(sh.Name).
		Detail("unknown kind %v", sh.Kind).
		Build()
}

func (e *Encoder) encodeScalar(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	var err error
	switch sh.Scalar {
	case shape.ScalarUnit:
		return nil
	case shape.ScalarBool:
		var b uint8
		if rv.Bool() {
			b = 1
		}
		err = e.mem.WriteU8(addr, b)
	case shape.ScalarU8, shape.ScalarU16, shape.ScalarU32, shape.ScalarU64, shape.ScalarUsize:
		err = shape.WriteUint(e.mem, sh.Scalar, addr, rv.Uint())
	case shape.ScalarI8, shape.ScalarI16, shape.ScalarI32, shape.ScalarI64, shape.ScalarIsize:
		err = shape.WriteUint(e.mem, sh.Scalar, addr, uint64(rv.Int()))
	case shape.ScalarF32:
		err = e.mem.WriteU32(addr, math.Float32bits(float32(rv.Float())))
	case shape.ScalarF64:
		err = e.mem.WriteU64(addr, math.Float64bits(rv.Float()))
	case shape.ScalarChar:
		r := rune(rv.Int())
		if !abi.ValidateChar(r) {
			return errors.New(errors.PhaseEncode, errors.KindInvalidData).
				Path(path...).
				Value(r).
				Detail("invalid unicode scalar value %U", r).
				Build()
		}
		err = e.mem.WriteU32(addr, uint32(r))
	case shape.ScalarString:
		err = shape.WriteString(e.mem, e.alloc, addr, rv.String())
	default:
		return errors.Unsupported(errors.PhaseEncode, "scalar "+sh.Scalar.String())
	}
	return errors.WithPath(errors.PhaseEncode, err, path)
}

func (e *Encoder) encodeStruct(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	for i, f := range sh.Fields {
		if err := e.encode(f.Shape, addr+f.Offset, rv.Field(f.GoIndex), childPath(path, f.Name)); err != nil {
			e.dropFields(sh.Fields[:i], addr)
			return err
		}
	}
	return nil
}

func (e *Encoder) dropFields(fields []shape.Field, addr uint32) {
	for _, f := range fields {
		if err := f.Shape.DropInPlace(e.mem, e.alloc, addr+f.Offset); err != nil {
			Logger().Warn("encode: failed to drop field after error",
				zap.String("field", f.Name),
				zap.Uint32("addr", addr+f.Offset),
				zap.Error(err))
		}
	}
}

func (e *Encoder) encodeEnum(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	if rv.Kind() != reflect.Struct {
		var d int64
		if rv.CanInt() {
			d = rv.Int()
		} else {
			u := rv.Uint()
			if u > math.MaxInt64 {
				return errors.Overflow(errors.PhaseEncode, path, u, "discriminant")
			}
			d = int64(u)
		}
		idx := sh.VariantByDiscriminant(d)
		if idx < 0 {
			return errors.New(errors.PhaseEncode, errors.KindInvalidData).
				Path(path...).
				Shape(sh.Name).
				Value(d).
				Detail("no variant with discriminant %d", d).
				Build()
		}
		return errors.WithPath(errors.PhaseEncode, sh.WriteDiscriminant(e.mem, addr, idx), path)
	}

	idx := -1
	for i, v := range sh.Variants {
		f := rv.Field(v.GoIndex)
		set := (f.Kind() == reflect.Bool && f.Bool()) || (f.Kind() == reflect.Pointer && !f.IsNil())
		if !set {
			continue
		}
		if idx >= 0 {
			return errors.New(errors.PhaseEncode, errors.KindInvalidData).
				Path(path...).
				Shape(sh.Name).
				Detail("variants %s and %s are both set", sh.Variants[idx].Name, v.Name).
				Build()
		}
		idx = i
	}
	if idx < 0 {
		return errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Path(path...).
			Shape(sh.Name).
			Detail("no variant is set").
			Build()
	}

	v := sh.Variants[idx]
	if err := sh.WriteDiscriminant(e.mem, addr, idx); err != nil {
		return errors.WithPath(errors.PhaseEncode, err, path)
	}
	if len(v.Fields) == 0 {
		return nil
	}
	payload := rv.Field(v.GoIndex).Elem()
	vpath := childPath(path, v.Name)
	for i, f := range v.Fields {
		if err := e.encode(f.Shape, addr+f.Offset, payload.Field(f.GoIndex), childPath(vpath, f.Name)); err != nil {
			e.dropFields(v.Fields[:i], addr)
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeArray(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	stride := sh.Elem.Stride()
	for i := uint32(0); i < sh.Len; i++ {
		if err := e.encode(sh.Elem, addr+i*stride, rv.Index(int(i)), childPath(path, strconv.Itoa(int(i)))); err != nil {
			for j := uint32(0); j < i; j++ {
				_ = sh.Elem.DropInPlace(e.mem, e.alloc, addr+j*stride)
			}
			return err
		}
	}
	return nil
}

func (e *Encoder) length(rv reflect.Value, path []string) (uint32, error) {
	n := rv.Len()
	if n > abi.MaxListLength {
		return 0, errors.New(errors.PhaseEncode, errors.KindOverflow).
			Path(path...).
			Detail("length %d exceeds maximum %d", n, abi.MaxListLength).
			Build()
	}
	return uint32(n), nil
}

// staged encodes into a temporary block, runs commit and frees the block.
// commit takes ownership of the encoded value; when commit fails the value is dropped.
func (e *Encoder) staged(sh *shape.Shape, rv reflect.Value, path []string, commit func(tmp uint32) error) error {
	align := max(sh.Align, 1)
	tmp, err := e.alloc.Alloc(sh.Size, align)
	if err != nil {
		return errors.WithPath(errors.PhaseEncode, err, path)
	}
	if sh.Size > 0 {
		defer e.alloc.Free(tmp, sh.Size, align)
	}
	if err := e.encode(sh, tmp, rv, path); err != nil {
		return err
	}
	if err := commit(tmp); err != nil {
		_ = sh.DropInPlace(e.mem, e.alloc, tmp)
		return errors.WithPath(errors.PhaseEncode, err, path)
	}
	return nil
}

func (e *Encoder) encodeList(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	n, err := e.length(rv, path)
	if err != nil {
		return err
	}
	def := sh.List
	if err := def.InitWithCapacity(e.mem, e.alloc, addr, n); err != nil {
		return errors.WithPath(errors.PhaseEncode, err, path)
	}
	fail := func(err error) error {
		_ = sh.DropInPlace(e.mem, e.alloc, addr)
		return err
	}
	stride := sh.Elem.Stride()
	for i := uint32(0); i < n; i++ {
		ipath := childPath(path, strconv.Itoa(int(i)))
		if def.DirectFill() {
			if err := def.Reserve(e.mem, e.alloc, addr, 1); err != nil {
				return fail(errors.WithPath(errors.PhaseEncode, err, ipath))
			}
			base, err := def.AsMutPtr(e.mem, addr)
			if err != nil {
				return fail(errors.WithPath(errors.PhaseEncode, err, ipath))
			}
			if err := e.encode(sh.Elem, base+i*stride, rv.Index(int(i)), ipath); err != nil {
				return fail(err)
			}
			if err := def.SetLen(e.mem, addr, i+1); err != nil {
				return fail(errors.WithPath(errors.PhaseEncode, err, ipath))
			}
			continue
		}
		err := e.staged(sh.Elem, rv.Index(int(i)), ipath, func(tmp uint32) error {
			return def.Push(e.mem, e.alloc, addr, tmp)
		})
		if err != nil {
			return fail(err)
		}
	}
	return nil
}

func (e *Encoder) encodeMap(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	n, err := e.length(rv, path)
	if err != nil {
		return err
	}
	if err := sh.Map.InitWithCapacity(e.mem, e.alloc, addr, n); err != nil {
		return errors.WithPath(errors.PhaseEncode, err, path)
	}
	iter := rv.MapRange()
	for iter.Next() {
		kpath := childPath(path, "key")
		err := e.staged(sh.Key, iter.Key(), kpath, func(k uint32) error {
			return e.staged(sh.Value, iter.Value(), childPath(path, "value"), func(v uint32) error {
				return sh.Map.Insert(e.mem, e.alloc, addr, k, v)
			})
		})
		if err != nil {
			_ = sh.DropInPlace(e.mem, e.alloc, addr)
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeSet(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	n, err := e.length(rv, path)
	if err != nil {
		return err
	}
	if err := sh.Set.InitWithCapacity(e.mem, e.alloc, addr, n); err != nil {
		return errors.WithPath(errors.PhaseEncode, err, path)
	}
	iter := rv.MapRange()
	for iter.Next() {
		err := e.staged(sh.Elem, iter.Key(), childPath(path, "elem"), func(tmp uint32) error {
			_, err := sh.Set.Insert(e.mem, e.alloc, addr, tmp)
			return err
		})
		if err != nil {
			_ = sh.DropInPlace(e.mem, e.alloc, addr)
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeOption(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	if rv.IsNil() {
		return errors.WithPath(errors.PhaseEncode, sh.Option.InitNone(e.mem, addr), path)
	}
	if err := e.encode(sh.Elem, sh.Option.Payload(addr), rv.Elem(), childPath(path, "[some]")); err != nil {
		return err
	}
	if err := e.mem.WriteU8(addr, 1); err != nil {
		_ = sh.Elem.DropInPlace(e.mem, e.alloc, sh.Option.Payload(addr))
		return errors.WithPath(errors.PhaseEncode, err, path)
	}
	return nil
}

func (e *Encoder) encodeResult(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	ok, bad := rv.Field(0), rv.Field(1)
	if ok.IsNil() == bad.IsNil() {
		return errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Path(path...).
			Shape(sh.Name).
			Detail("exactly one of Ok and Err must be set").
			Build()
	}
	payload := sh.Result.Payload(addr)
	inner, src, tag, seg := sh.Elem, ok, uint8(0), "[ok]"
	if ok.IsNil() {
		inner, src, tag, seg = sh.Err, bad, 1, "[err]"
	}
	if err := e.encode(inner, payload, src.Elem(), childPath(path, seg)); err != nil {
		return err
	}
	if err := e.mem.WriteU8(addr, tag); err != nil {
		_ = inner.DropInPlace(e.mem, e.alloc, payload)
		return errors.WithPath(errors.PhaseEncode, err, path)
	}
	return nil
}

func (e *Encoder) encodePointer(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	def := sh.Pointer
	if def.Slice != nil {
		return e.encodeSlicePointer(sh, addr, rv, path)
	}
	if def.Kind == shape.PointerWeak {
		return errors.Unsupported(errors.PhaseEncode, "weak pointers cannot be created from Go values")
	}
	if rv.IsNil() {
		return errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Path(path...).
			Shape(sh.Name).
			Detail("%s pointers cannot be null", def.Kind).
			Build()
	}
	return e.staged(sh.Elem, rv.Elem(), childPath(path, "*"), func(tmp uint32) error {
		return def.NewInto(e.mem, e.alloc, addr, tmp)
	})
}

func (e *Encoder) encodeSlicePointer(sh *shape.Shape, addr uint32, rv reflect.Value, path []string) error {
	n, err := e.length(rv, path)
	if err != nil {
		return err
	}
	slice := sh.Pointer.Slice
	elem := sh.Elem.Elem
	handle, elems, err := slice.New(e.mem, e.alloc, n)
	if err != nil {
		return errors.WithPath(errors.PhaseEncode, err, path)
	}
	stride := elem.Stride()
	for i := uint32(0); i < n; i++ {
		if err := e.encode(elem, elems+i*stride, rv.Index(int(i)), childPath(path, strconv.Itoa(int(i)))); err != nil {
			for j := uint32(0); j < i; j++ {
				_ = elem.DropInPlace(e.mem, e.alloc, elems+j*stride)
			}
			slice.Discard(e.alloc, handle, n)
			return err
		}
	}
	if err := slice.Convert(e.mem, addr, handle, n); err != nil {
		for j := uint32(0); j < n; j++ {
			_ = elem.DropInPlace(e.mem, e.alloc, elems+j*stride)
		}
		slice.Discard(e.alloc, handle, n)
		return errors.WithPath(errors.PhaseEncode, err, path)
	}
	return nil
}
