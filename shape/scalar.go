package shape

import (
	"encoding/binary"
	"math"
	"reflect"
	"strconv"
	"unicode/utf8"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/internal/abi"
)

// Built-in scalar shapes.
var (
	Unit   = newScalar(ScalarUnit, 0, 1, reflect.TypeFor[struct{}]())
	Bool   = newScalar(ScalarBool, 1, 1, reflect.TypeFor[bool]())
	U8     = newScalar(ScalarU8, 1, 1, reflect.TypeFor[uint8]())
	U16    = newScalar(ScalarU16, 2, 2, reflect.TypeFor[uint16]())
	U32    = newScalar(ScalarU32, 4, 4, reflect.TypeFor[uint32]())
	U64    = newScalar(ScalarU64, 8, 8, reflect.TypeFor[uint64]())
	I8     = newScalar(ScalarI8, 1, 1, reflect.TypeFor[int8]())
	I16    = newScalar(ScalarI16, 2, 2, reflect.TypeFor[int16]())
	I32    = newScalar(ScalarI32, 4, 4, reflect.TypeFor[int32]())
	I64    = newScalar(ScalarI64, 8, 8, reflect.TypeFor[int64]())
	Usize  = newScalar(ScalarUsize, 8, 8, reflect.TypeFor[uint]())
	Isize  = newScalar(ScalarIsize, 8, 8, reflect.TypeFor[int]())
	F32    = newScalar(ScalarF32, 4, 4, reflect.TypeFor[float32]())
	F64    = newScalar(ScalarF64, 8, 8, reflect.TypeFor[float64]())
	Char   = newScalar(ScalarChar, 4, 4, reflect.TypeFor[rune]())
	String = newStringShape()
)

// StringSize is the size of a {ptr, len} string slot.
const StringSize = 8

func newScalar(st ScalarType, size, align uint32, goType reflect.Type) *Shape {
	s := &Shape{
		Name:   st.String(),
		Kind:   KindScalar,
		Size:   size,
		Align:  align,
		GoType: goType,
		Scalar: st,
	}
	s.VTable.Default = func(mem Memory, _ Allocator, addr uint32) error {
		if size == 0 {
			return nil
		}
		return mem.Write(addr, make([]byte, size))
	}
	s.VTable.Parse = func(mem Memory, _ Allocator, addr uint32, text string) error {
		return parseScalar(mem, st, addr, text)
	}
	s.VTable.ParseBytes = func(mem Memory, _ Allocator, addr uint32, b []byte) error {
		if uint32(len(b)) != size {
			return errors.New(errors.PhaseSet, errors.KindParse).
				Shape(st.String()).
				Detail("expected %d raw bytes, got %d", size, len(b)).
				Build()
		}
		if st == ScalarChar && !abi.ValidateChar(rune(binary.LittleEndian.Uint32(b))) {
			return errors.New(errors.PhaseSet, errors.KindParse).
				Shape(st.String()).
				Detail("invalid unicode scalar value").
				Build()
		}
		if size == 0 {
			return nil
		}
		return mem.Write(addr, b)
	}
	return s
}

func newStringShape() *Shape {
	s := &Shape{
		Name:   ScalarString.String(),
		Kind:   KindScalar,
		Size:   StringSize,
		Align:  4,
		GoType: reflect.TypeFor[string](),
		Scalar: ScalarString,
	}
	s.VTable = VTable{
		Default: func(mem Memory, _ Allocator, addr uint32) error {
			return mem.Write(addr, make([]byte, StringSize))
		},
		Drop: func(mem Memory, alloc Allocator, addr uint32) error {
			return FreeString(mem, alloc, addr)
		},
		Parse: func(mem Memory, alloc Allocator, addr uint32, text string) error {
			return WriteString(mem, alloc, addr, text)
		},
		ParseBytes: func(mem Memory, alloc Allocator, addr uint32, b []byte) error {
			if !utf8.Valid(b) {
				return errors.New(errors.PhaseSet, errors.KindParse).
					Shape(ScalarString.String()).
					Detail("invalid UTF-8").
					Build()
			}
			return WriteString(mem, alloc, addr, string(b))
		},
		Equal: func(mem Memory, a, b uint32) (bool, error) {
			x, err := ReadString(mem, a)
			if err != nil {
				return false, err
			}
			y, err := ReadString(mem, b)
			if err != nil {
				return false, err
			}
			return x == y, nil
		},
	}
	return s
}

// Custom derives a named scalar from a base scalar, keeping its storage and
// vtable. Override VTable entries on the result to change behaviour.
func Custom(name string, base *Shape, goType reflect.Type) *Shape {
	c := *base
	c.Name = name
	if goType != nil {
		c.GoType = goType
	}
	return &c
}

// WriteString allocates a copy of s and stores {ptr, len} at addr.
func WriteString(mem Memory, alloc Allocator, addr uint32, s string) error {
	if len(s) > abi.MaxStringSize {
		return errors.New(errors.PhaseSet, errors.KindOverflow).
			Detail("string length %d exceeds maximum %d", len(s), abi.MaxStringSize).
			Build()
	}
	n := uint32(len(s))
	var ptr uint32
	if n > 0 {
		var err error
		ptr, err = alloc.Alloc(n, 1)
		if err != nil {
			return err
		}
		if err := mem.Write(ptr, []byte(s)); err != nil {
			alloc.Free(ptr, n, 1)
			return err
		}
	}
	if err := mem.WriteU32(addr, ptr); err != nil {
		if n > 0 {
			alloc.Free(ptr, n, 1)
		}
		return err
	}
	return mem.WriteU32(addr+4, n)
}

// ReadString reads the string stored at addr.
func ReadString(mem Memory, addr uint32) (string, error) {
	ptr, err := mem.ReadU32(addr)
	if err != nil {
		return "", err
	}
	n, err := mem.ReadU32(addr + 4)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	data, err := mem.Read(ptr, n)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FreeString releases the buffer of the string at addr and clears the slot.
func FreeString(mem Memory, alloc Allocator, addr uint32) error {
	ptr, err := mem.ReadU32(addr)
	if err != nil {
		return err
	}
	n, err := mem.ReadU32(addr + 4)
	if err != nil {
		return err
	}
	if n > 0 {
		alloc.Free(ptr, n, 1)
	}
	return mem.Write(addr, make([]byte, StringSize))
}

func parseError(st ScalarType, text string, cause error) error {
	return errors.ParseFailed(nil, st.String(), text, cause)
}

func parseScalar(mem Memory, st ScalarType, addr uint32, text string) error {
	switch st {
	case ScalarUnit:
		if text != "" && text != "()" {
			return parseError(st, text, strconv.ErrSyntax)
		}
		return nil
	case ScalarBool:
		v, err := strconv.ParseBool(text)
		if err != nil {
			return parseError(st, text, err)
		}
		var b uint8
		if v {
			b = 1
		}
		return mem.WriteU8(addr, b)
	case ScalarU8, ScalarU16, ScalarU32, ScalarU64, ScalarUsize:
		v, err := strconv.ParseUint(text, 0, scalarBits(st))
		if err != nil {
			return parseError(st, text, err)
		}
		return WriteUint(mem, st, addr, v)
	case ScalarI8, ScalarI16, ScalarI32, ScalarI64, ScalarIsize:
		v, err := strconv.ParseInt(text, 0, scalarBits(st))
		if err != nil {
			return parseError(st, text, err)
		}
		return WriteUint(mem, st, addr, uint64(v))
	case ScalarF32:
		v, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return parseError(st, text, err)
		}
		return mem.WriteU32(addr, math.Float32bits(float32(v)))
	case ScalarF64:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return parseError(st, text, err)
		}
		return mem.WriteU64(addr, math.Float64bits(v))
	case ScalarChar:
		r, size := utf8.DecodeRuneInString(text)
		if r == utf8.RuneError || size != len(text) {
			return parseError(st, text, strconv.ErrSyntax)
		}
		return mem.WriteU32(addr, uint32(r))
	}
	return errors.Unsupported(errors.PhaseSet, "parse of "+st.String())
}

func scalarBits(st ScalarType) int {
	switch st {
	case ScalarBool, ScalarU8, ScalarI8:
		return 8
	case ScalarU16, ScalarI16:
		return 16
	case ScalarU32, ScalarI32, ScalarChar, ScalarF32:
		return 32
	}
	return 64
}

// WriteUint stores the low bits of v using the width of st.
func WriteUint(mem Memory, st ScalarType, addr uint32, v uint64) error {
	switch scalarBits(st) {
	case 8:
		return mem.WriteU8(addr, uint8(v))
	case 16:
		return mem.WriteU16(addr, uint16(v))
	case 32:
		return mem.WriteU32(addr, uint32(v))
	}
	return mem.WriteU64(addr, v)
}

// ReadUint loads an integer of width st, zero-extended.
func ReadUint(mem Memory, st ScalarType, addr uint32) (uint64, error) {
	switch scalarBits(st) {
	case 8:
		v, err := mem.ReadU8(addr)
		return uint64(v), err
	case 16:
		v, err := mem.ReadU16(addr)
		return uint64(v), err
	case 32:
		v, err := mem.ReadU32(addr)
		return uint64(v), err
	}
	return mem.ReadU64(addr)
}

// ReadInt loads an integer of width st, sign-extended.
func ReadInt(mem Memory, st ScalarType, addr uint32) (int64, error) {
	v, err := ReadUint(mem, st, addr)
	if err != nil {
		return 0, err
	}
	switch scalarBits(st) {
	case 8:
		return int64(int8(v)), nil
	case 16:
		return int64(int16(v)), nil
	case 32:
		return int64(int32(v)), nil
	}
	return int64(v), nil
}
