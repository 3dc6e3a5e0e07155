package main

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/wippyai/partial/shape"
)

type point struct {
	X int32
	Y int32
}

type lineItem struct {
	SKU      string
	Quantity uint32
	Price    float64
}

type order struct {
	ID    uint64
	Items []lineItem
	Note  *string
	Tags  map[string]struct{}
}

type accountID uint64

type account struct {
	ID    accountID
	Owner string
	Quota uint32
}

type demo struct {
	name  string
	about string
	shape *shape.Shape
}

var catalog = buildCatalog()

func buildCatalog() map[string]demo {
	pointShape := shape.MustFor(reflect.TypeFor[point]())

	figure := shape.MustEnum("Figure", nil, shape.ReprU8,
		shape.V("circle", shape.F("center", pointShape), shape.F("radius", shape.F64)),
		shape.V("rect", shape.F("min", pointShape), shape.F("max", pointShape)),
		shape.V("empty"),
	)

	settings := shape.MustStruct("Settings", nil,
		shape.F("name", shape.String),
		shape.F("retries", shape.U8),
		shape.F("limits", shape.MapOf(shape.String, shape.U64)),
		shape.F("fallback", shape.BoxOf(shape.String)).WithDefault(),
	)

	accountShape := shape.MustStruct("Account", reflect.TypeFor[account](),
		shape.F("ID", shape.MustTransparent("AccountID", shape.U64, reflect.TypeFor[accountID]())),
		shape.F("Owner", shape.String),
		shape.F("Quota", shape.U32),
	)

	demos := []demo{
		{"u64", "a single unsigned integer", shape.U64},
		{"string", "a single string", shape.String},
		{"point", "struct with two i32 fields", pointShape},
		{"polyline", "list of points", shape.ListOf(pointShape)},
		{"matrix", "3x3 array of f32", shape.MustArrayOf(shape.MustArrayOf(shape.F32, 3), 3)},
		{"order", "order with line items, optional note and tag set", shape.MustFor(reflect.TypeFor[order]())},
		{"figure", "enum with payload variants", figure},
		{"settings", "struct with a map and a defaulted boxed field", settings},
		{"lookup", "result of a list of strings or an error code", shape.ResultOf(shape.ListOf(shape.String), shape.I32)},
		{"shared", "reference-counted slice of u32", shape.ArcSliceOf(shape.U32)},
		{"document", "dynamic value", shape.Dynamic},
		{"account", "struct with a newtype id", accountShape},
	}
	out := make(map[string]demo, len(demos))
	for _, d := range demos {
		out[d.name] = d
	}
	return out
}

func lookupDemo(name string) (demo, error) {
	d, ok := catalog[name]
	if !ok {
		return demo{}, fmt.Errorf("unknown shape %q (see `shapewalk shapes`)", name)
	}
	return d, nil
}

func demoNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
