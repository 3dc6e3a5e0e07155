// Package shape describes the memory layout and behaviour of values that are
// built in linear memory.
//
// A Shape carries size, alignment and a Kind, plus kind-specific metadata:
// fields for structs, variants for enums, an element shape for containers.
// Behaviour lives in vtables. The VTable holds the optional capabilities shared
// by every kind (Default, Drop, Parse, ParseBytes, Equal); container kinds add
// a ListDef, MapDef, SetDef, OptionDef, ResultDef or PointerDef.
//
// # Layouts
//
//	String             {ptr u32, len u32}                  8 bytes, align 4
//	List / Map / Set   {ptr u32, len u32, cap u32}         12 bytes, align 4
//	Option / Result    u8 tag, payload at align            tag 1 = Some / Err
//	Enum               repr tag at 0, variant fields after it
//	Box / Rc / Arc     u32 pointer; Rc and Arc blocks start with {strong, weak}
//	Box<[T]>, Arc<[T]> {ptr u32, len u32}
//	Dynamic            u32 handle into the memory's value table
//
// # Building Shapes
//
//	pair := shape.MustStruct("Pair", reflect.TypeFor[Pair](),
//		shape.F("a", shape.U64),
//		shape.F("b", shape.String),
//	)
//	list := shape.ListOf(shape.U64)
//	opt := shape.OptionOf(pair)
//
// Shapes can also be derived from Go types with For, or from WIT type
// definitions with CompileWIT.
//
// # Go Types
//
// Every shape that can be materialized records its Go counterpart in GoType:
// lists map to slices, options to pointers, sets to map[T]struct{}, results
// to struct{Ok *T; Err *E}, enums to an integer (unit-only) or a struct with
// one pointer field per variant. Struct fields match Go fields by name,
// ignoring case and separators, or by a `partial:"name"` tag.
package shape
