package transcoder

import (
	"math"
	"reflect"
	"strconv"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape"
)

// Decoder reads initialized shaped memory into Go values. It never takes
// ownership: the memory is left as it was.
type Decoder struct {
	mem Memory
}

func NewDecoder(mem Memory) *Decoder {
	return &Decoder{mem: mem}
}

// Decode returns a new Go value of the shape's GoType.
func (d *Decoder) Decode(sh *shape.Shape, addr uint32) (any, error) {
	rv, err := d.DecodeValue(sh, addr)
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

// DecodeInto stores the value at addr into out, which must be a non-nil
// pointer to the shape's GoType.
func (d *Decoder) DecodeInto(sh *shape.Shape, addr uint32, out any) error {
	ov := reflect.ValueOf(out)
	if !ov.IsValid() || ov.Kind() != reflect.Pointer || ov.IsNil() {
		return errors.InvalidData(errors.PhaseDecode, nil, "output must be a non-nil pointer")
	}
	if sh.GoType != nil && ov.Type().Elem() != sh.GoType {
		return errors.WrongShape(errors.PhaseDecode, nil, sh.GoType.String(), ov.Type().Elem().String())
	}
	rv, err := d.DecodeValue(sh, addr)
	if err != nil {
		return err
	}
	ov.Elem().Set(rv)
	return nil
}

// DecodeValue is Decode returning a reflect.Value.
func (d *Decoder) DecodeValue(sh *shape.Shape, addr uint32) (reflect.Value, error) {
	return d.decode(sh, addr, nil)
}

func (d *Decoder) decode(sh *shape.Shape, addr uint32, path []string) (reflect.Value, error) {
	if sh.GoType == nil {
		return reflect.Value{}, errors.New(errors.PhaseDecode, errors.KindUnsupported).
			Path(path...).
			Shape(sh.Name).
			Detail("shape has no Go representation").
			Build()
	}
	out := reflect.New(sh.GoType).Elem()
	var err error
	switch sh.Kind {
	case shape.KindScalar:
		err = d.decodeScalar(sh, addr, out)
	case shape.KindStruct:
		err = d.decodeFields(sh.Fields, addr, out, path)
	case shape.KindEnum:
		err = d.decodeEnum(sh, addr, out, path)
	case shape.KindArray:
		err = d.decodeElems(sh.Elem, addr, sh.Len, out, path)
	case shape.KindList:
		err = d.decodeList(sh, addr, out, path)
	case shape.KindMap:
		err = d.decodeMap(sh, addr, out, path)
	case shape.KindSet:
		err = d.decodeSet(sh, addr, out, path)
	case shape.KindOption:
		err = d.decodeOption(sh, addr, out, path)
	case shape.KindResult:
		err = d.decodeResult(sh, addr, out, path)
	case shape.KindPointer:
		err = d.decodePointer(sh, addr, out, path)
	case shape.KindDynamic:
		var v any
		v, err = shape.LoadDynamic(d.mem, addr)
		if err == nil && v != nil {
			out.Set(reflect.ValueOf(v))
		}
	default:
		err = errors.Unsupported(errors.PhaseDecode, "kind "+sh.Kind.String())
	}
	if err != nil {
		return reflect.Value{}, errors.WithPath(errors.PhaseDecode, err, path)
	}
	return out, nil
}

func (d *Decoder) decodeScalar(sh *shape.Shape, addr uint32, out reflect.Value) error {
	switch sh.Scalar {
	case shape.ScalarUnit:
		return nil
	case shape.ScalarBool:
		b, err := d.mem.ReadU8(addr)
		if err != nil {
			return err
		}
		if b > 1 {
			return errors.InvalidData(errors.PhaseDecode, nil, "invalid bool byte "+strconv.Itoa(int(b)))
		}
		out.SetBool(b == 1)
	case shape.ScalarU8, shape.ScalarU16, shape.ScalarU32, shape.ScalarU64, shape.ScalarUsize:
		v, err := shape.ReadUint(d.mem, sh.Scalar, addr)
		if err != nil {
			return err
		}
		if out.OverflowUint(v) {
			return errors.Overflow(errors.PhaseDecode, nil, v, out.Type().String())
		}
		out.SetUint(v)
	case shape.ScalarI8, shape.ScalarI16, shape.ScalarI32, shape.ScalarI64, shape.ScalarIsize, shape.ScalarChar:
		v, err := shape.ReadInt(d.mem, sh.Scalar, addr)
		if err != nil {
			return err
		}
		if out.OverflowInt(v) {
			return errors.Overflow(errors.PhaseDecode, nil, v, out.Type().String())
		}
		out.SetInt(v)
	case shape.ScalarF32:
		v, err := d.mem.ReadU32(addr)
		if err != nil {
			return err
		}
		out.SetFloat(float64(math.Float32frombits(v)))
	case shape.ScalarF64:
		v, err := d.mem.ReadU64(addr)
		if err != nil {
			return err
		}
		out.SetFloat(math.Float64frombits(v))
	case shape.ScalarString:
		s, err := shape.ReadString(d.mem, addr)
		if err != nil {
			return err
		}
		out.SetString(s)
	default:
		return errors.Unsupported(errors.PhaseDecode, "scalar "+sh.Scalar.String())
	}
	return nil
}

func (d *Decoder) decodeFields(fields []shape.Field, addr uint32, out reflect.Value, path []string) error {
	for _, f := range fields {
		v, err := d.decode(f.Shape, addr+f.Offset, childPath(path, f.Name))
		if err != nil {
			return err
		}
		out.Field(f.GoIndex).Set(v)
	}
	return nil
}

func (d *Decoder) decodeEnum(sh *shape.Shape, addr uint32, out reflect.Value, path []string) error {
	idx, err := sh.ReadVariant(d.mem, addr)
	if err != nil {
		return err
	}
	v := sh.Variants[idx]
	if out.Kind() != reflect.Struct {
		if out.CanInt() {
			out.SetInt(v.Discriminant)
		} else {
			out.SetUint(uint64(v.Discriminant))
		}
		return nil
	}

	slot := out.Field(v.GoIndex)
	if slot.Kind() == reflect.Bool {
		slot.SetBool(true)
		return nil
	}
	payload := reflect.New(slot.Type().Elem())
	if err := d.decodeFields(v.Fields, addr, payload.Elem(), childPath(path, v.Name)); err != nil {
		return err
	}
	slot.Set(payload)
	return nil
}

func (d *Decoder) decodeElems(elem *shape.Shape, base, n uint32, out reflect.Value, path []string) error {
	stride := elem.Stride()
	for i := uint32(0); i < n; i++ {
		v, err := d.decode(elem, base+i*stride, childPath(path, strconv.Itoa(int(i))))
		if err != nil {
			return err
		}
		out.Index(int(i)).Set(v)
	}
	return nil
}

func (d *Decoder) decodeList(sh *shape.Shape, addr uint32, out reflect.Value, path []string) error {
	n, err := sh.List.Len(d.mem, addr)
	if err != nil {
		return err
	}
	out.Set(reflect.MakeSlice(sh.GoType, int(n), int(n)))
	for i := uint32(0); i < n; i++ {
		at, err := sh.List.Get(d.mem, addr, i)
		if err != nil {
			return err
		}
		v, err := d.decode(sh.Elem, at, childPath(path, strconv.Itoa(int(i))))
		if err != nil {
			return err
		}
		out.Index(int(i)).Set(v)
	}
	return nil
}

func (d *Decoder) decodeMap(sh *shape.Shape, addr uint32, out reflect.Value, path []string) error {
	n, err := sh.Map.Len(d.mem, addr)
	if err != nil {
		return err
	}
	out.Set(reflect.MakeMapWithSize(sh.GoType, int(n)))
	for i := uint32(0); i < n; i++ {
		ka, va, err := sh.Map.Entry(d.mem, addr, i)
		if err != nil {
			return err
		}
		k, err := d.decode(sh.Key, ka, childPath(path, "key"))
		if err != nil {
			return err
		}
		v, err := d.decode(sh.Value, va, childPath(path, "value"))
		if err != nil {
			return err
		}
		out.SetMapIndex(k, v)
	}
	return nil
}

func (d *Decoder) decodeSet(sh *shape.Shape, addr uint32, out reflect.Value, path []string) error {
	n, err := sh.Set.Len(d.mem, addr)
	if err != nil {
		return err
	}
	out.Set(reflect.MakeMapWithSize(sh.GoType, int(n)))
	present := reflect.Zero(sh.GoType.Elem())
	for i := uint32(0); i < n; i++ {
		at, err := sh.Set.Get(d.mem, addr, i)
		if err != nil {
			return err
		}
		k, err := d.decode(sh.Elem, at, childPath(path, "elem"))
		if err != nil {
			return err
		}
		out.SetMapIndex(k, present)
	}
	return nil
}

func (d *Decoder) decodeOption(sh *shape.Shape, addr uint32, out reflect.Value, path []string) error {
	some, err := sh.Option.IsSome(d.mem, addr)
	if err != nil || !some {
		return err
	}
	return d.decodeRef(sh.Elem, sh.Option.Payload(addr), out, childPath(path, "[some]"))
}

func (d *Decoder) decodeResult(sh *shape.Shape, addr uint32, out reflect.Value, path []string) error {
	ok, err := sh.Result.IsOk(d.mem, addr)
	if err != nil {
		return err
	}
	if ok {
		return d.decodeRef(sh.Elem, sh.Result.Payload(addr), out.Field(0), childPath(path, "[ok]"))
	}
	return d.decodeRef(sh.Err, sh.Result.Payload(addr), out.Field(1), childPath(path, "[err]"))
}

// decodeRef decodes the value at addr into a fresh *T stored in out.
func (d *Decoder) decodeRef(sh *shape.Shape, addr uint32, out reflect.Value, path []string) error {
	v, err := d.decode(sh, addr, path)
	if err != nil {
		return err
	}
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	out.Set(p)
	return nil
}

func (d *Decoder) decodePointer(sh *shape.Shape, addr uint32, out reflect.Value, path []string) error {
	def := sh.Pointer
	target, err := def.Borrow(d.mem, addr)
	if err != nil {
		return err
	}
	if def.Slice != nil {
		n, err := d.mem.ReadU32(addr + 4)
		if err != nil {
			return err
		}
		out.Set(reflect.MakeSlice(sh.GoType, int(n), int(n)))
		return d.decodeElems(sh.Elem.Elem, target, n, out, path)
	}
	if target == 0 {
		// dangling weak reference
		return nil
	}
	return d.decodeRef(sh.Elem, target, out, childPath(path, "*"))
}
