package shape

import (
	"reflect"
	"strings"
	"sync"

	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	"github.com/wippyai/partial/errors"
)

// WITCompiler derives shapes from WIT type definitions. Results are cached per
// (WIT type, Go type) pair.
type WITCompiler struct {
	cache sync.Map // witKey -> *Shape
}

type witKey struct {
	goType reflect.Type
	witPtr uintptr
	name   string
}

// NewWITCompiler creates a compiler with an empty cache.
func NewWITCompiler() *WITCompiler {
	return &WITCompiler{}
}

var defaultWIT = NewWITCompiler()

// CompileWIT derives a shape for a WIT type using the shared compiler.
func CompileWIT(name string, t wit.Type, goType reflect.Type) (*Shape, error) {
	return defaultWIT.Compile(name, t, goType)
}

// Compile derives a shape named name for t. goType may be nil to synthesize
// Go types; otherwise it must match the WIT structure.
func (c *WITCompiler) Compile(name string, t wit.Type, goType reflect.Type) (*Shape, error) {
	key := witKey{goType: goType, witPtr: witTypePtr(t), name: name}
	if cached, ok := c.cache.Load(key); ok {
		return cached.(*Shape), nil
	}
	s, err := c.compile(t, goType, []string{name})
	if err != nil {
		return nil, err
	}
	Logger().Debug("compiled WIT shape", zap.String("shape", s.Name), zap.Uint32("size", s.Size))
	c.cache.Store(key, s)
	return s, nil
}

func witTypePtr(t wit.Type) uintptr {
	if td, ok := t.(*wit.TypeDef); ok {
		return reflect.ValueOf(td).Pointer()
	}
	return reflect.TypeOf(t).Size()
}

func pathName(path []string) string {
	return strings.Join(path, ".")
}

func elemGoType(goType reflect.Type, kinds ...reflect.Kind) reflect.Type {
	if goType == nil {
		return nil
	}
	for _, k := range kinds {
		if goType.Kind() == k {
			return goType.Elem()
		}
	}
	return nil
}

func (c *WITCompiler) compile(t wit.Type, goType reflect.Type, path []string) (*Shape, error) {
	var base *Shape
	switch t := t.(type) {
	case wit.Bool:
		base = Bool
	case wit.U8:
		base = U8
	case wit.S8:
		base = I8
	case wit.U16:
		base = U16
	case wit.S16:
		base = I16
	case wit.U32:
		base = U32
	case wit.S32:
		base = I32
	case wit.U64:
		base = U64
	case wit.S64:
		base = I64
	case wit.F32:
		base = F32
	case wit.F64:
		base = F64
	case wit.Char:
		base = Char
	case wit.String:
		base = String
	case *wit.TypeDef:
		return c.compileTypeDef(t, goType, path)
	default:
		return nil, errors.New(errors.PhaseShape, errors.KindUnsupported).
			Path(path...).
			Detail("unsupported WIT type: %T", t).
			Build()
	}
	if goType == nil || goType == base.GoType {
		return base, nil
	}
	if goType.Kind() != base.GoType.Kind() {
		return nil, errors.WrongShape(errors.PhaseShape, path, base.GoType.String(), goType.String())
	}
	return Custom(goType.Name(), base, goType), nil
}

func (c *WITCompiler) compileTypeDef(td *wit.TypeDef, goType reflect.Type, path []string) (*Shape, error) {
	switch kind := td.Kind.(type) {
	case *wit.Record:
		fields := make([]Field, 0, len(kind.Fields))
		if goType != nil && goType.Kind() != reflect.Struct {
			return nil, errors.WrongShape(errors.PhaseShape, path, "struct", goType.String())
		}
		for _, wf := range kind.Fields {
			var ft reflect.Type
			if goType != nil {
				idx := lookupGoField(goType, wf.Name)
				if idx < 0 {
					return nil, errors.NoSuchField(errors.PhaseShape, path, goType.String(), wf.Name)
				}
				ft = goType.Field(idx).Type
			}
			fs, err := c.compile(wf.Type, ft, append(append([]string{}, path...), wf.Name))
			if err != nil {
				return nil, err
			}
			fields = append(fields, F(wf.Name, fs))
		}
		return Struct(pathName(path), goType, fields...)

	case *wit.List:
		elem, err := c.compile(kind.Type, elemGoType(goType, reflect.Slice), append(append([]string{}, path...), "[]"))
		if err != nil {
			return nil, err
		}
		return ListOf(elem), nil

	case *wit.Tuple:
		fields := make([]Field, len(kind.Types))
		if goType != nil && (goType.Kind() != reflect.Struct || goType.NumField() != len(kind.Types)) {
			return nil, errors.WrongShape(errors.PhaseShape, path, "struct with "+itoa(uint32(len(kind.Types)))+" fields", goType.String())
		}
		for i, et := range kind.Types {
			var ft reflect.Type
			name := itoa(uint32(i))
			if goType != nil {
				ft = goType.Field(i).Type
				name = goType.Field(i).Name
			}
			es, err := c.compile(et, ft, append(append([]string{}, path...), name))
			if err != nil {
				return nil, err
			}
			fields[i] = F(name, es)
		}
		return Struct(pathName(path), goType, fields...)

	case *wit.Enum:
		variants := make([]Variant, len(kind.Cases))
		for i, ec := range kind.Cases {
			variants[i] = V(ec.Name)
		}
		return Enum(pathName(path), goType, witDiscriminantRepr(len(kind.Cases)), variants...)

	case *wit.Variant:
		if goType != nil {
			return nil, errors.New(errors.PhaseShape, errors.KindUnsupported).
				Path(path...).
				Detail("WIT variants use synthesized Go types, got %s", goType).
				Build()
		}
		variants := make([]Variant, len(kind.Cases))
		for i, vc := range kind.Cases {
			variants[i] = V(vc.Name)
			if vc.Type != nil {
				ps, err := c.compile(vc.Type, nil, append(append([]string{}, path...), vc.Name))
				if err != nil {
					return nil, err
				}
				variants[i].Fields = []Field{F("value", ps)}
			}
		}
		return Enum(pathName(path), nil, witDiscriminantRepr(len(kind.Cases)), variants...)

	case *wit.Option:
		inner, err := c.compile(kind.Type, elemGoType(goType, reflect.Pointer), append(append([]string{}, path...), "[some]"))
		if err != nil {
			return nil, err
		}
		return OptionOf(inner), nil

	case *wit.Result:
		ok, errShape := Unit, Unit
		var okGo, errGo reflect.Type
		if goType != nil {
			if goType.Kind() != reflect.Struct {
				return nil, errors.WrongShape(errors.PhaseShape, path, "struct{Ok, Err}", goType.String())
			}
			if i := lookupGoField(goType, "Ok"); i >= 0 {
				okGo = elemGoType(goType.Field(i).Type, reflect.Pointer)
			}
			if i := lookupGoField(goType, "Err"); i >= 0 {
				errGo = elemGoType(goType.Field(i).Type, reflect.Pointer)
			}
		}
		var err error
		if kind.OK != nil {
			if ok, err = c.compile(kind.OK, okGo, append(append([]string{}, path...), "[ok]")); err != nil {
				return nil, err
			}
		}
		if kind.Err != nil {
			if errShape, err = c.compile(kind.Err, errGo, append(append([]string{}, path...), "[err]")); err != nil {
				return nil, err
			}
		}
		s := ResultOf(ok, errShape)
		if goType != nil && s.GoType != goType {
			return nil, errors.WrongShape(errors.PhaseShape, path, s.GoType.String(), goType.String())
		}
		return s, nil

	case *wit.Flags:
		return nil, errors.Unsupported(errors.PhaseShape, "WIT flags at "+pathName(path))

	case wit.Type:
		return c.compile(kind, goType, path)
	}
	return nil, errors.New(errors.PhaseShape, errors.KindUnsupported).
		Path(path...).
		Detail("unsupported TypeDef kind: %T", td.Kind).
		Build()
}

// witDiscriminantRepr picks the canonical ABI discriminant width for n cases.
func witDiscriminantRepr(n int) EnumRepr {
	switch {
	case n <= 1<<8:
		return ReprU8
	case n <= 1<<16:
		return ReprU16
	}
	return ReprU32
}
