package shape

import "strconv"

// Kind is the structural category of a shape.
type Kind uint8

const (
	KindScalar Kind = iota
	KindStruct
	KindEnum
	KindArray
	KindList
	KindMap
	KindSet
	KindOption
	KindResult
	KindPointer
	KindDynamic
)

var kindNames = [...]string{
	KindScalar:  "scalar",
	KindStruct:  "struct",
	KindEnum:    "enum",
	KindArray:   "array",
	KindList:    "list",
	KindMap:     "map",
	KindSet:     "set",
	KindOption:  "option",
	KindResult:  "result",
	KindPointer: "pointer",
	KindDynamic: "dynamic",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ScalarType is the storage class of a scalar shape.
type ScalarType uint8

const (
	ScalarUnit ScalarType = iota
	ScalarBool
	ScalarU8
	ScalarU16
	ScalarU32
	ScalarU64
	ScalarI8
	ScalarI16
	ScalarI32
	ScalarI64
	ScalarUsize
	ScalarIsize
	ScalarF32
	ScalarF64
	ScalarChar
	ScalarString
)

var scalarNames = [...]string{
	ScalarUnit:   "()",
	ScalarBool:   "bool",
	ScalarU8:     "u8",
	ScalarU16:    "u16",
	ScalarU32:    "u32",
	ScalarU64:    "u64",
	ScalarI8:     "i8",
	ScalarI16:    "i16",
	ScalarI32:    "i32",
	ScalarI64:    "i64",
	ScalarUsize:  "usize",
	ScalarIsize:  "isize",
	ScalarF32:    "f32",
	ScalarF64:    "f64",
	ScalarChar:   "char",
	ScalarString: "String",
}

func (s ScalarType) String() string {
	if int(s) < len(scalarNames) {
		return scalarNames[s]
	}
	return "scalar(" + strconv.Itoa(int(s)) + ")"
}

// IsSigned reports whether the scalar is a signed integer.
func (s ScalarType) IsSigned() bool {
	switch s {
	case ScalarI8, ScalarI16, ScalarI32, ScalarI64, ScalarIsize:
		return true
	}
	return false
}

// IsUnsigned reports whether the scalar is an unsigned integer.
func (s ScalarType) IsUnsigned() bool {
	switch s {
	case ScalarU8, ScalarU16, ScalarU32, ScalarU64, ScalarUsize:
		return true
	}
	return false
}

// EnumRepr is the declared integer representation of an enum discriminant.
type EnumRepr uint8

const (
	ReprU8 EnumRepr = iota
	ReprU16
	ReprU32
	ReprU64
	ReprI8
	ReprI16
	ReprI32
	ReprI64
	ReprUsize
	ReprIsize
	// ReprNiche marks an enum whose discriminant is packed into an invalid bit
	// pattern of a payload. Such enums can be described but not built.
	ReprNiche
)

var reprNames = [...]string{
	ReprU8:    "u8",
	ReprU16:   "u16",
	ReprU32:   "u32",
	ReprU64:   "u64",
	ReprI8:    "i8",
	ReprI16:   "i16",
	ReprI32:   "i32",
	ReprI64:   "i64",
	ReprUsize: "usize",
	ReprIsize: "isize",
	ReprNiche: "niche",
}

func (r EnumRepr) String() string {
	if int(r) < len(reprNames) {
		return reprNames[r]
	}
	return "repr(" + strconv.Itoa(int(r)) + ")"
}

// TagSize returns the byte width of the discriminant, 0 for niche layouts.
func (r EnumRepr) TagSize() uint32 {
	switch r {
	case ReprU8, ReprI8:
		return 1
	case ReprU16, ReprI16:
		return 2
	case ReprU32, ReprI32:
		return 4
	case ReprU64, ReprI64, ReprUsize, ReprIsize:
		return 8
	}
	return 0
}

// PointerKind distinguishes smart pointer flavours.
type PointerKind uint8

const (
	PointerBox PointerKind = iota
	PointerRc
	PointerArc
	PointerWeak
)

var pointerNames = [...]string{
	PointerBox:  "Box",
	PointerRc:   "Rc",
	PointerArc:  "Arc",
	PointerWeak: "Weak",
}

func (p PointerKind) String() string {
	if int(p) < len(pointerNames) {
		return pointerNames[p]
	}
	return "pointer(" + strconv.Itoa(int(p)) + ")"
}
