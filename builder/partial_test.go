package builder

import (
	"fmt"
	"reflect"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	perrors "github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/memory"
	"github.com/wippyai/partial/shape"
)

type pair struct {
	A uint64
	B string
}

var pairShape = shape.MustStruct("Pair", reflect.TypeFor[pair](),
	shape.F("a", shape.U64),
	shape.F("b", shape.String),
)

func checkClean(t *testing.T, h *memory.Heap) {
	t.Helper()
	assert.Zero(t, h.Live(), "leaked %d allocations (%d bytes)", h.Live(), h.LiveBytes())
	assert.Empty(t, h.Faults(), "heap faults")
}

func setField(t *testing.T, p *Partial, idx int, v any) {
	t.Helper()
	require.NoError(t, p.BeginNthField(idx))
	require.NoError(t, p.Set(v))
	require.NoError(t, p.End())
}

func setItem(t *testing.T, p *Partial, v any) {
	t.Helper()
	require.NoError(t, p.BeginListItem())
	require.NoError(t, p.Set(v))
	require.NoError(t, p.End())
}

func TestBuild_PairInAnyOrder(t *testing.T) {
	values := []any{uint64(7), "hi"}
	for _, order := range [][]int{{0, 1}, {1, 0}} {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			h := memory.NewHeap()
			p, err := Alloc(h, h, pairShape)
			require.NoError(t, err)
			for _, i := range order {
				setField(t, p, i, values[i])
			}
			hv, err := p.Build()
			require.NoError(t, err)

			got, err := Materialize[pair](hv)
			require.NoError(t, err)
			assert.Equal(t, pair{A: 7, B: "hi"}, got)
			assert.False(t, p.IsActive())
			checkClean(t, h)
		})
	}
}

func TestBuild_ListOfU64(t *testing.T) {
	tests := []struct {
		name  string
		shape *shape.Shape
		opts  []Option
	}{
		{"direct fill", shape.ListOf(shape.U64), nil},
		{"push only", shape.PushListOf(shape.U64), nil},
		{"forced rope", shape.ListOf(shape.U64), []Option{WithListStaging(ListStagingRope), WithRopeChunkCapacity(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := memory.NewHeap()
			p, err := Alloc(h, h, tt.shape, tt.opts...)
			require.NoError(t, err)
			require.NoError(t, p.InitList())
			for _, n := range []uint64{1, 2, 3} {
				setItem(t, p, n)
			}
			hv, err := p.Build()
			require.NoError(t, err)

			got, err := Materialize[[]uint64](hv)
			require.NoError(t, err)
			assert.Equal(t, []uint64{1, 2, 3}, got)
			checkClean(t, h)
		})
	}
}

func TestBuild_NestedListOfStrings(t *testing.T) {
	h := memory.NewHeap()
	sh := shape.PushListOf(shape.ListOf(shape.String))
	p, err := Alloc(h, h, sh, WithRopeChunkCapacity(1))
	require.NoError(t, err)

	for _, row := range [][]string{{"a", "b"}, {}, {"c"}} {
		require.NoError(t, p.BeginListItem())
		require.NoError(t, p.InitList())
		for _, s := range row {
			setItem(t, p, s)
		}
		require.NoError(t, p.End())
	}
	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[[][]string](hv)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {}, {"c"}}, got)
	checkClean(t, h)
}

// countingQuad returns a struct of four u32 fields whose drops are counted.
func countingQuad(drops *int) *shape.Shape {
	tracked := shape.Custom("Tracked", shape.U32, nil)
	tracked.VTable.Drop = func(shape.Memory, shape.Allocator, uint32) error {
		*drops++
		return nil
	}
	return shape.MustStruct("Quad", nil,
		shape.F("a", tracked),
		shape.F("b", tracked),
		shape.F("c", tracked),
		shape.F("d", tracked),
	)
}

func TestDiscard_DropsOnlyInitializedFields(t *testing.T) {
	drops := 0
	h := memory.NewHeap()
	p, err := Alloc(h, h, countingQuad(&drops))
	require.NoError(t, err)

	setField(t, p, 0, uint32(1))
	setField(t, p, 2, uint32(3))
	// field 3 is in flight but never set
	require.NoError(t, p.BeginNthField(3))
	assert.Equal(t, 0, drops)

	require.NoError(t, p.Discard())
	assert.Equal(t, 2, drops)
	require.NoError(t, p.Discard(), "Discard is idempotent")
	assert.Equal(t, 2, drops)
	checkClean(t, h)
}

func TestSet_ReplacingDropsOldValueOnce(t *testing.T) {
	drops := 0
	h := memory.NewHeap()
	p, err := Alloc(h, h, countingQuad(&drops))
	require.NoError(t, err)

	setField(t, p, 1, uint32(1))
	setField(t, p, 1, uint32(2))
	assert.Equal(t, 1, drops)

	require.NoError(t, p.BeginNthField(1))
	require.NoError(t, p.Set(uint32(3)))
	assert.Equal(t, 2, drops)
	require.NoError(t, p.Set(uint32(4)))
	assert.Equal(t, 3, drops)
	require.NoError(t, p.End())

	require.NoError(t, p.Discard())
	assert.Equal(t, 4, drops)
	checkClean(t, h)
}

func TestBeginListItem_RejectsDoubleBegin(t *testing.T) {
	for _, sh := range []*shape.Shape{shape.ListOf(shape.U64), shape.PushListOf(shape.U64)} {
		t.Run(sh.Name, func(t *testing.T) {
			h := memory.NewHeap()
			p, err := Alloc(h, h, sh)
			require.NoError(t, err)
			defer p.Discard()

			require.NoError(t, p.BeginListItem())
			require.Error(t, p.BeginListItem())
			assert.Equal(t, 2, p.Depth())

			err = p.End()
			assert.ErrorIs(t, err, perrors.ErrEndWithIncomplete)

			require.NoError(t, p.Set(uint64(5)))
			require.NoError(t, p.End())
			hv, err := p.Build()
			require.NoError(t, err)
			got, err := Materialize[[]uint64](hv)
			require.NoError(t, err)
			assert.Equal(t, []uint64{5}, got)
			checkClean(t, h)
		})
	}
}

func TestInitList_Idempotent(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, shape.ListOf(shape.U64))
	require.NoError(t, err)
	defer p.Discard()

	header := func() [3]uint32 {
		addr := p.Frames()[0].Addr
		var out [3]uint32
		for i := range out {
			v, err := h.ReadU32(addr + uint32(i)*4)
			require.NoError(t, err)
			out[i] = v
		}
		return out
	}

	require.NoError(t, p.InitListWithCapacity(4))
	before := header()
	assert.Equal(t, uint32(4), before[2])
	require.NoError(t, p.InitList())
	assert.Equal(t, before, header())

	require.ErrorIs(t, p.InitMap(), perrors.ErrWrongShape)
}

func TestCapacityCeiling(t *testing.T) {
	wide := func(n int) *shape.Shape {
		fields := make([]shape.Field, n)
		for i := range fields {
			fields[i] = shape.F("f"+strconv.Itoa(i), shape.U8)
		}
		return shape.MustStruct("Wide", nil, fields...)
	}

	tests := []struct {
		name  string
		shape *shape.Shape
		begin func(p *Partial) error
		ok    bool
	}{
		{"struct 64 fields", wide(64), func(p *Partial) error { return p.BeginNthField(63) }, true},
		{"struct 65 fields", wide(65), func(p *Partial) error { return p.BeginNthField(0) }, false},
		{"array 63", shape.MustArrayOf(shape.U8, 63), func(p *Partial) error { return p.BeginNthElement(62) }, true},
		{"array 64", shape.MustArrayOf(shape.U8, 64), func(p *Partial) error { return p.BeginNthElement(0) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := memory.NewHeap()
			p, err := Alloc(h, h, tt.shape)
			require.NoError(t, err)
			err = tt.begin(p)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, perrors.ErrOperationFailed)
				assert.Equal(t, 1, p.Depth())
			}
			require.NoError(t, p.Discard())
			checkClean(t, h)
		})
	}
}

func TestBuild_Array(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, shape.MustArrayOf(shape.String, 3))
	require.NoError(t, err)

	setItem(t, p, "a")
	setItem(t, p, "b")
	_, err = p.Build()
	require.ErrorIs(t, err, perrors.ErrEndWithIncomplete)

	require.NoError(t, p.BeginNthElement(2))
	require.NoError(t, p.Set("c"))
	require.NoError(t, p.End())
	require.ErrorIs(t, p.BeginListItem(), perrors.ErrOutOfBounds)

	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[[3]string](hv)
	require.NoError(t, err)
	assert.Equal(t, [3]string{"a", "b", "c"}, got)
	checkClean(t, h)
}

func TestSelectVariant_NicheRejected(t *testing.T) {
	h := memory.NewHeap()
	sh := shape.MustEnum("Niche", nil, shape.ReprNiche,
		shape.V("none"),
		shape.V("some", shape.F("0", shape.BoxOf(shape.U32))),
	)
	p, err := Alloc(h, h, sh)
	require.NoError(t, err)

	require.ErrorIs(t, p.SelectVariant(0), perrors.ErrOperationFailed)
	require.ErrorIs(t, p.SelectVariantNamed("some"), perrors.ErrOperationFailed)
	require.NoError(t, p.Discard())
	checkClean(t, h)
}

type figure struct {
	Circle *circle
	Square *square
	Empty  bool
}

type circle struct{ R float64 }

type square struct {
	Side  uint32
	Label string
}

var figureShape = shape.MustEnum("Figure", reflect.TypeFor[figure](), shape.ReprU8,
	shape.V("circle", shape.F("r", shape.F64)),
	shape.V("square", shape.F("side", shape.U32), shape.F("label", shape.String)),
	shape.V("empty"),
)

func TestBuild_EnumWithPayload(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, figureShape)
	require.NoError(t, err)

	require.ErrorIs(t, p.BeginNthEnumField(0), perrors.ErrOperationFailed, "no variant selected yet")
	require.NoError(t, p.SelectVariantNamed("square"))
	require.NoError(t, p.SelectVariantNamed("square"), "reselecting the same variant is a no-op")
	require.ErrorIs(t, p.SelectVariantNamed("circle"), perrors.ErrOperationFailed)

	v, ok := p.SelectedVariant()
	require.True(t, ok)
	assert.Equal(t, "square", v.Name)

	require.NoError(t, p.BeginField("label"))
	require.NoError(t, p.Set("sq"))
	require.NoError(t, p.End())

	_, err = p.Build()
	require.ErrorIs(t, err, perrors.ErrEndWithIncomplete)

	require.NoError(t, p.BeginField("side"))
	require.NoError(t, p.Set(uint32(3)))
	require.NoError(t, p.End())

	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[figure](hv)
	require.NoError(t, err)
	assert.Equal(t, figure{Square: &square{Side: 3, Label: "sq"}}, got)
	checkClean(t, h)
}

func TestBuild_UnitEnum(t *testing.T) {
	type color uint16
	sh := shape.MustEnum("Color", reflect.TypeFor[color](), shape.ReprU16,
		shape.V("red").WithDiscriminant(10),
		shape.V("green").WithDiscriminant(20),
	)
	h := memory.NewHeap()
	p, err := Alloc(h, h, sh)
	require.NoError(t, err)

	require.ErrorIs(t, p.SelectVariant(30), perrors.ErrNoSuchField)
	require.NoError(t, p.SelectVariant(20))
	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[color](hv)
	require.NoError(t, err)
	assert.Equal(t, color(20), got)
	checkClean(t, h)
}

func TestBuild_Map(t *testing.T) {
	h := memory.NewHeap()
	sh := shape.MapOf(shape.String, shape.U32)
	p, err := Alloc(h, h, sh)
	require.NoError(t, err)

	require.ErrorIs(t, p.BeginValue(), perrors.ErrWrongShape, "map not initialized")
	require.NoError(t, p.InitMap())
	require.ErrorIs(t, p.BeginValue(), perrors.ErrOperationFailed, "no key staged")

	require.NoError(t, p.BeginKey())
	require.NoError(t, p.Set("a"))
	require.NoError(t, p.End())
	require.ErrorIs(t, p.BeginKey(), perrors.ErrOperationFailed, "key already staged")
	require.NoError(t, p.BeginValue())
	assert.Equal(t, sh.Name+".a", p.Path())
	require.NoError(t, p.Set(uint32(1)))
	require.NoError(t, p.End())

	require.NoError(t, p.BeginObjectEntry("b"))
	require.NoError(t, p.Set(uint32(2)))
	require.NoError(t, p.End())

	// a duplicate key replaces the value
	require.NoError(t, p.BeginObjectEntry("a"))
	require.NoError(t, p.Set(uint32(3)))
	require.NoError(t, p.End())

	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[map[string]uint32](hv)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{"a": 3, "b": 2}, got)
	checkClean(t, h)
}

func TestBuild_Set(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, shape.SetOf(shape.String))
	require.NoError(t, err)
	for _, s := range []string{"x", "y", "x"} {
		require.NoError(t, p.BeginSetItem())
		require.NoError(t, p.Set(s))
		require.NoError(t, p.End())
	}
	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[map[string]struct{}](hv)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"x": {}, "y": {}}, got)
	checkClean(t, h)
}

func TestBuild_Option(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, shape.OptionOf(shape.String))
	require.NoError(t, err)

	for _, s := range []string{"x", "y"} {
		require.NoError(t, p.BeginSome())
		assert.Equal(t, Owned, p.Frames()[1].Ownership)
		require.NoError(t, p.Set(s))
		require.NoError(t, p.End())
	}
	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[*string](hv)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "y", *got)

	p, err = Alloc(h, h, shape.OptionOf(shape.String))
	require.NoError(t, err)
	require.NoError(t, p.Set((*string)(nil)))
	hv, err = p.Build()
	require.NoError(t, err)
	got, err = Materialize[*string](hv)
	require.NoError(t, err)
	assert.Nil(t, got)
	checkClean(t, h)
}

func TestBuild_Result(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, shape.ResultOf(shape.U32, shape.String))
	require.NoError(t, err)

	require.NoError(t, p.BeginOk())
	require.NoError(t, p.Set(uint32(1)))
	require.NoError(t, p.End())
	require.NoError(t, p.BeginErr())
	require.NoError(t, p.Set("bad"))
	require.NoError(t, p.End())

	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[struct {
		Ok  *uint32
		Err *string
	}](hv)
	require.NoError(t, err)
	assert.Nil(t, got.Ok)
	require.NotNil(t, got.Err)
	assert.Equal(t, "bad", *got.Err)
	checkClean(t, h)
}

func TestBuild_SmartPointers(t *testing.T) {
	t.Run("box", func(t *testing.T) {
		h := memory.NewHeap()
		p, err := Alloc(h, h, shape.BoxOf(shape.U64))
		require.NoError(t, err)
		require.NoError(t, p.BeginSmartPtr())
		require.NoError(t, p.Set(uint64(9)))
		require.NoError(t, p.End())
		hv, err := p.Build()
		require.NoError(t, err)
		got, err := Materialize[*uint64](hv)
		require.NoError(t, err)
		assert.Equal(t, uint64(9), *got)
		checkClean(t, h)
	})

	t.Run("rc of pair", func(t *testing.T) {
		h := memory.NewHeap()
		p, err := Alloc(h, h, shape.RcOf(pairShape))
		require.NoError(t, err)
		require.NoError(t, p.BeginSmartPtr())
		setField(t, p, 1, "inner")
		setField(t, p, 0, uint64(2))
		require.NoError(t, p.End())
		hv, err := p.Build()
		require.NoError(t, err)
		got, err := Materialize[*pair](hv)
		require.NoError(t, err)
		assert.Equal(t, pair{A: 2, B: "inner"}, *got)
		checkClean(t, h)
	})

	t.Run("box slice", func(t *testing.T) {
		h := memory.NewHeap()
		p, err := Alloc(h, h, shape.BoxSliceOf(shape.String), WithRopeChunkCapacity(2))
		require.NoError(t, err)
		require.NoError(t, p.BeginSmartPtr())
		assert.Equal(t, TrackerSmartPointerSlice, p.Frames()[1].Tracker)
		for _, s := range []string{"a", "b", "c"} {
			setItem(t, p, s)
		}
		require.NoError(t, p.End())
		hv, err := p.Build()
		require.NoError(t, err)
		got, err := Materialize[[]string](hv)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, got)
		checkClean(t, h)
	})

	t.Run("empty arc slice", func(t *testing.T) {
		h := memory.NewHeap()
		p, err := Alloc(h, h, shape.ArcSliceOf(shape.U32))
		require.NoError(t, err)
		require.NoError(t, p.BeginSmartPtr())
		require.NoError(t, p.End())
		hv, err := p.Build()
		require.NoError(t, err)
		got, err := Materialize[[]uint32](hv)
		require.NoError(t, err)
		assert.Empty(t, got)
		checkClean(t, h)
	})

	t.Run("weak rejected", func(t *testing.T) {
		weak, err := shape.WeakOf(shape.RcOf(shape.U32))
		require.NoError(t, err)
		h := memory.NewHeap()
		p, err := Alloc(h, h, weak)
		require.NoError(t, err)
		require.ErrorIs(t, p.BeginSmartPtr(), perrors.ErrOperationFailed)
		require.NoError(t, p.Discard())
		checkClean(t, h)
	})
}

func TestBuild_Dynamic(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, shape.Dynamic)
	require.NoError(t, err)

	require.NoError(t, p.InitMap())
	require.NoError(t, p.BeginObjectEntry("name"))
	require.NoError(t, p.Set("x"))
	require.NoError(t, p.End())
	require.NoError(t, p.BeginObjectEntry("tags"))
	setItem(t, p, 1)
	setItem(t, p, "two")
	require.NoError(t, p.End())
	require.ErrorIs(t, p.InitList(), perrors.ErrOperationFailed, "already an object")

	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[any](hv)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name": "x",
		"tags": []any{int64(1), "two"},
	}, got)
	assert.Zero(t, shape.DynamicLive(h))
	checkClean(t, h)
}

func TestDiscard_ReleasesEverything(t *testing.T) {
	type doc struct {
		Title string
		Items []string
		Note  *string
	}
	docShape := shape.MustFor(reflect.TypeFor[doc]())

	tests := []struct {
		name  string
		shape *shape.Shape
		opts  []Option
		drive func(t *testing.T, p *Partial)
	}{
		{"list item in flight", docShape, nil, func(t *testing.T, p *Partial) {
			setField(t, p, 0, "title")
			require.NoError(t, p.BeginField("Items"))
			setItem(t, p, "a")
			setItem(t, p, "b")
			require.NoError(t, p.BeginListItem())
			require.NoError(t, p.Set("c"))
		}},
		{"rope item in flight", docShape, []Option{WithListStaging(ListStagingRope)}, func(t *testing.T, p *Partial) {
			require.NoError(t, p.BeginField("Items"))
			setItem(t, p, "a")
			require.NoError(t, p.BeginListItem())
			require.NoError(t, p.Set("b"))
		}},
		{"option payload staged", docShape, nil, func(t *testing.T, p *Partial) {
			require.NoError(t, p.BeginField("Note"))
			require.NoError(t, p.BeginSome())
			require.NoError(t, p.Set("note"))
		}},
		{"map key staged", shape.MapOf(shape.String, shape.String), nil, func(t *testing.T, p *Partial) {
			require.NoError(t, p.BeginKey())
			require.NoError(t, p.Set("k"))
			require.NoError(t, p.End())
			require.NoError(t, p.BeginValue())
			require.NoError(t, p.Set("v"))
		}},
		{"box slice half built", shape.BoxSliceOf(shape.String), nil, func(t *testing.T, p *Partial) {
			require.NoError(t, p.BeginSmartPtr())
			setItem(t, p, "a")
			require.NoError(t, p.BeginListItem())
			require.NoError(t, p.Set("b"))
		}},
		{"dynamic array", shape.Dynamic, nil, func(t *testing.T, p *Partial) {
			setItem(t, p, "a")
			require.NoError(t, p.BeginListItem())
			require.NoError(t, p.Set(2))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := memory.NewHeap()
			p, err := Alloc(h, h, tt.shape, tt.opts...)
			require.NoError(t, err)
			tt.drive(t, p)
			require.NoError(t, p.Discard())
			assert.False(t, p.IsActive())
			assert.Zero(t, shape.DynamicLive(h))
			checkClean(t, h)
		})
	}
}

func TestMaterialize_TypeMismatch(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, shape.U64)
	require.NoError(t, err)
	require.NoError(t, p.Set(uint64(5)))
	hv, err := p.Build()
	require.NoError(t, err)

	_, err = Materialize[int64](hv)
	require.ErrorIs(t, err, perrors.ErrWrongShape)
	assert.False(t, hv.Moved())

	got, err := Materialize[uint64](hv)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got)
	assert.True(t, hv.Moved())
	require.NoError(t, hv.Free())
	checkClean(t, h)
}

func TestEnd_AndBuildErrors(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, pairShape)
	require.NoError(t, err)

	require.ErrorIs(t, p.End(), perrors.ErrEndAtRoot)
	require.ErrorIs(t, p.BeginNthField(5), perrors.ErrOutOfBounds)
	require.ErrorIs(t, p.BeginField("zzz"), perrors.ErrNoSuchField)
	assert.Equal(t, 1, p.Depth())

	setField(t, p, 0, uint64(1))
	_, err = p.Build()
	require.ErrorIs(t, err, perrors.ErrEndWithIncomplete)
	assert.Contains(t, err.Error(), "b")

	require.NoError(t, p.BeginNthField(1))
	_, err = p.Build()
	require.ErrorIs(t, err, perrors.ErrEndWithIncomplete, "open frame")
	require.NoError(t, p.Set("x"))
	require.NoError(t, p.End())

	hv, err := p.Build()
	require.NoError(t, err)
	require.ErrorIs(t, p.BeginNthField(0), perrors.ErrOperationFailed)
	require.NoError(t, p.Discard())
	require.NoError(t, hv.Free())
	checkClean(t, h)
}

func TestSetFrom_MovesValue(t *testing.T) {
	h := memory.NewHeap()
	sp, err := Alloc(h, h, shape.String)
	require.NoError(t, err)
	require.NoError(t, sp.Set("moved"))
	src, err := sp.Build()
	require.NoError(t, err)

	up, err := Alloc(h, h, shape.U32)
	require.NoError(t, err)
	require.NoError(t, up.Set(uint32(1)))
	wrong, err := up.Build()
	require.NoError(t, err)

	p, err := Alloc(h, h, pairShape)
	require.NoError(t, err)
	setField(t, p, 0, uint64(1))
	require.NoError(t, p.BeginNthField(1))
	require.ErrorIs(t, p.SetFrom(wrong), perrors.ErrWrongShape)
	assert.False(t, wrong.Moved())
	require.NoError(t, p.Set(src))
	require.NoError(t, p.End())

	assert.True(t, src.Moved())
	_, err = src.Decode()
	require.ErrorIs(t, err, perrors.ErrMoved)
	require.NoError(t, p.BeginNthField(1))
	require.ErrorIs(t, p.SetFrom(src), perrors.ErrMoved)
	require.NoError(t, p.End())

	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[pair](hv)
	require.NoError(t, err)
	assert.Equal(t, pair{A: 1, B: "moved"}, got)
	require.NoError(t, wrong.Free())
	checkClean(t, h)
}

func TestParse(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, shape.U32)
	require.NoError(t, err)

	err = p.ParseFromStr("x")
	require.ErrorIs(t, err, perrors.ErrParse)
	require.ErrorIs(t, err, strconv.ErrSyntax, "parser error is kept as the cause")
	_, err = p.Build()
	require.ErrorIs(t, err, perrors.ErrEndWithIncomplete, "failed parse leaves the frame uninitialized")

	require.NoError(t, p.ParseFromStr("12"))
	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[uint32](hv)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), got)

	p, err = Alloc(h, h, shape.Dynamic)
	require.NoError(t, err)
	b, err := shape.EncodeMsgpack(map[string]any{"a": "b"})
	require.NoError(t, err)
	require.NoError(t, p.ParseFromBytes(b))
	hv, err = p.Build()
	require.NoError(t, err)
	v, err := Materialize[any](hv)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "b"}, v)
	checkClean(t, h)
}

func TestReenterCompleteValue(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, pairShape)
	require.NoError(t, err)
	require.NoError(t, p.Set(pair{A: 1, B: "old"}))

	set, err := p.IsFieldSet(1)
	require.NoError(t, err)
	assert.True(t, set)

	require.NoError(t, p.BeginNthField(1))
	assert.True(t, p.Frames()[1].Initialized, "the field keeps its value")
	require.NoError(t, p.Set("new"))
	require.NoError(t, p.End())

	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[pair](hv)
	require.NoError(t, err)
	assert.Equal(t, pair{A: 1, B: "new"}, got)
	checkClean(t, h)
}

func TestDefaults(t *testing.T) {
	type withDefault struct {
		A uint64
		B string
	}
	sh := shape.MustStruct("WithDefault", reflect.TypeFor[withDefault](),
		shape.F("a", shape.U64),
		shape.F("b", shape.String).WithDefault(),
	)
	h := memory.NewHeap()
	p, err := Alloc(h, h, sh)
	require.NoError(t, err)

	require.NoError(t, p.SetNthFieldToDefault(0))
	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[withDefault](hv)
	require.NoError(t, err)
	assert.Equal(t, withDefault{}, got)

	p, err = Alloc(h, h, figureShape)
	require.NoError(t, err)
	require.ErrorIs(t, p.SetDefault(), perrors.ErrOperationFailed)
	require.NoError(t, p.Discard())
	checkClean(t, h)
}

func TestAllocInPlace(t *testing.T) {
	h := memory.NewHeap()
	_, err := AllocInPlace(h, h, 0, pairShape)
	require.ErrorIs(t, err, perrors.ErrInvalidData)

	addr, err := h.Alloc(pairShape.Size, pairShape.Align)
	require.NoError(t, err)
	p, err := AllocInPlace(h, h, addr, pairShape)
	require.NoError(t, err)
	assert.Equal(t, BorrowedInPlace, p.Frames()[0].Ownership)
	setField(t, p, 0, uint64(3))
	setField(t, p, 1, "in place")
	hv, err := p.Build()
	require.NoError(t, err)
	assert.Equal(t, addr, hv.Addr())

	require.NoError(t, hv.Free())
	assert.Equal(t, 1, h.Live(), "root memory stays with the caller")
	h.Free(addr, pairShape.Size, pairShape.Align)
	checkClean(t, h)
}

func TestMaxDepthAndPath(t *testing.T) {
	type inner struct{ X uint32 }
	type outer struct{ Inner inner }
	sh := shape.MustFor(reflect.TypeFor[outer]())

	h := memory.NewHeap()
	p, err := Alloc(h, h, sh, WithMaxDepth(2))
	require.NoError(t, err)
	defer p.Discard()

	require.NoError(t, p.BeginField("Inner"))
	assert.Equal(t, sh.Name+".Inner", p.Path())
	assert.Equal(t, Field, p.Frames()[1].Ownership)
	require.ErrorIs(t, p.BeginField("X"), perrors.ErrOperationFailed)
	assert.Equal(t, 2, p.Depth())
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := memory.NewHeap()
	p, err := Alloc(h, h, pairShape, WithLogger(zap.New(core)))
	require.NoError(t, err)
	setField(t, p, 1, "x")
	require.NoError(t, p.Discard())

	assert.Equal(t, 1, logs.FilterMessage("frame pushed").Len())
	assert.Equal(t, 1, logs.FilterMessage("frame popped").Len())
	assert.Equal(t, 1, logs.FilterMessage("builder discarded").Len())
	checkClean(t, h)
}

// flakyAlloc fails every allocation after the next `allow` once armed.
type flakyAlloc struct {
	*memory.Heap
	armed bool
	allow int
}

func (a *flakyAlloc) Alloc(size, align uint32) (uint32, error) {
	if a.armed {
		if a.allow == 0 {
			return 0, fmt.Errorf("out of memory")
		}
		a.allow--
	}
	return a.Heap.Alloc(size, align)
}

func TestEnd_FailedPayloadMoveKeepsOldValue(t *testing.T) {
	// allow 0 fails while parking the old value, allow 1 fails inside the
	// move after the old value has been parked.
	for _, allow := range []int{0, 1} {
		t.Run(strconv.Itoa(allow), func(t *testing.T) {
			h := memory.NewHeap()
			a := &flakyAlloc{Heap: h}
			p, err := Alloc(h, a, shape.BoxOf(shape.U64))
			require.NoError(t, err)

			require.NoError(t, p.BeginSmartPtr())
			require.NoError(t, p.Set(uint64(1)))
			require.NoError(t, p.End())

			require.NoError(t, p.BeginSmartPtr())
			require.NoError(t, p.Set(uint64(2)))
			before := p.Frames()

			a.armed, a.allow = true, allow
			require.Error(t, p.End())
			assert.Equal(t, before, p.Frames())
			assert.Equal(t, TrackerSmartPointer, p.Frames()[0].Tracker)
			assert.True(t, p.Frames()[0].Initialized)

			a.armed = false
			require.NoError(t, p.End())
			hv, err := p.Build()
			require.NoError(t, err)
			got, err := Materialize[*uint64](hv)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, uint64(2), *got)
			checkClean(t, h)
		})
	}
}

func TestEnd_FailedPayloadMoveThenDiscard(t *testing.T) {
	h := memory.NewHeap()
	a := &flakyAlloc{Heap: h}
	p, err := Alloc(h, a, shape.OptionOf(shape.BoxOf(shape.String)))
	require.NoError(t, err)

	require.NoError(t, p.BeginSome())
	require.NoError(t, p.BeginSmartPtr())
	require.NoError(t, p.Set("old"))
	require.NoError(t, p.End())
	require.NoError(t, p.BeginSmartPtr())
	require.NoError(t, p.Set("new"))

	a.armed, a.allow = true, 1
	require.Error(t, p.End())
	a.armed = false
	require.NoError(t, p.Discard())
	checkClean(t, h)
}

func TestEnd_FailedSliceBuildKeepsItems(t *testing.T) {
	h := memory.NewHeap()
	a := &flakyAlloc{Heap: h}
	p, err := Alloc(h, a, shape.BoxSliceOf(shape.String), WithRopeChunkCapacity(2))
	require.NoError(t, err)
	require.NoError(t, p.BeginSmartPtr())
	for _, s := range []string{"a", "b", "c"} {
		setItem(t, p, s)
	}
	before := p.Frames()

	a.armed, a.allow = true, 0
	require.Error(t, p.End())
	assert.Equal(t, before, p.Frames())

	a.armed = false
	require.NoError(t, p.End())
	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[[]string](hv)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	checkClean(t, h)
}

type nested struct {
	X uint32
	Y string
}

type outer struct {
	A nested
	B uint64
}

var outerShape = shape.MustFor(reflect.TypeFor[outer]())

func TestDeferred_ResumesIncompleteField(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, outerShape)
	require.NoError(t, err)

	require.NoError(t, p.BeginDeferred())
	require.NoError(t, p.BeginField("A"))
	setField(t, p, 0, uint32(5))
	require.NoError(t, p.End(), "incomplete field is kept aside")
	assert.Equal(t, 1, p.Depth())
	assert.Equal(t, []string{outerShape.Name + ".A"}, p.DeferredPaths())

	setField(t, p, 1, uint64(9))
	require.ErrorIs(t, p.FinishDeferred(), perrors.ErrEndWithIncomplete)
	assert.True(t, p.IsDeferred())

	require.NoError(t, p.BeginField("A"))
	set, err := p.IsFieldSet(0)
	require.NoError(t, err)
	assert.True(t, set, "resumed frame keeps X")
	assert.Empty(t, p.DeferredPaths())
	setField(t, p, 1, "why")
	require.NoError(t, p.End())

	require.NoError(t, p.FinishDeferred())
	assert.False(t, p.IsDeferred())
	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[outer](hv)
	require.NoError(t, err)
	assert.Equal(t, outer{A: nested{X: 5, Y: "why"}, B: 9}, got)
	checkClean(t, h)
}

func TestDeferred_Guards(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, outerShape)
	require.NoError(t, err)

	require.ErrorIs(t, p.FinishDeferred(), perrors.ErrOperationFailed)
	require.NoError(t, p.BeginField("A"))
	require.NoError(t, p.BeginDeferred())
	require.ErrorIs(t, p.BeginDeferred(), perrors.ErrOperationFailed)
	require.ErrorIs(t, p.End(), perrors.ErrOperationFailed, "the frame that started deferred mode")
	require.ErrorIs(t, p.Abandon(), perrors.ErrOperationFailed)

	require.NoError(t, p.BeginField("Y"))
	require.NoError(t, p.Set("s"))
	require.NoError(t, p.End())
	require.NoError(t, p.FinishDeferred())
	require.ErrorIs(t, p.End(), perrors.ErrEndWithIncomplete, "X is missing and deferred mode is over")

	_, err = p.Build()
	require.Error(t, err)
	require.NoError(t, p.Discard())
	checkClean(t, h)
}

func TestDeferred_StoredFramesAreDropped(t *testing.T) {
	t.Run("discard", func(t *testing.T) {
		h := memory.NewHeap()
		p, err := Alloc(h, h, outerShape)
		require.NoError(t, err)
		require.NoError(t, p.BeginDeferred())
		require.NoError(t, p.BeginField("A"))
		setField(t, p, 1, "kept aside")
		require.NoError(t, p.End())

		_, err = p.Build()
		require.ErrorIs(t, err, perrors.ErrOperationFailed)
		require.NoError(t, p.Discard())
		checkClean(t, h)
	})

	t.Run("parent replaced", func(t *testing.T) {
		h := memory.NewHeap()
		p, err := Alloc(h, h, outerShape)
		require.NoError(t, err)
		require.NoError(t, p.BeginDeferred())
		require.NoError(t, p.BeginField("A"))
		setField(t, p, 1, "kept aside")
		require.NoError(t, p.End())

		want := outer{A: nested{X: 1, Y: "whole"}, B: 2}
		require.NoError(t, p.Set(want))
		assert.Empty(t, p.DeferredPaths())
		require.NoError(t, p.FinishDeferred())
		hv, err := p.Build()
		require.NoError(t, err)
		got, err := Materialize[outer](hv)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		checkClean(t, h)
	})

	t.Run("only fields are kept aside", func(t *testing.T) {
		h := memory.NewHeap()
		p, err := Alloc(h, h, shape.ListOf(pairShape))
		require.NoError(t, err)
		require.NoError(t, p.BeginDeferred())
		require.NoError(t, p.BeginListItem())
		setField(t, p, 1, "half")
		require.ErrorIs(t, p.End(), perrors.ErrEndWithIncomplete)
		require.NoError(t, p.Discard())
		checkClean(t, h)
	})
}

func TestStealNthField(t *testing.T) {
	h := memory.NewHeap()
	src, err := Alloc(h, h, pairShape)
	require.NoError(t, err)
	require.NoError(t, src.Set(pair{A: 1, B: "moved"}))

	dst, err := Alloc(h, h, pairShape)
	require.NoError(t, err)
	setField(t, dst, 1, "old")

	require.NoError(t, dst.StealNthField(src, 1))
	set, err := src.IsFieldSet(1)
	require.NoError(t, err)
	assert.False(t, set)
	require.ErrorIs(t, dst.StealNthField(src, 1), perrors.ErrOperationFailed, "already taken")
	require.NoError(t, dst.StealNthField(src, 0))

	hv, err := dst.Build()
	require.NoError(t, err)
	got, err := Materialize[pair](hv)
	require.NoError(t, err)
	assert.Equal(t, pair{A: 1, B: "moved"}, got)

	_, err = src.Build()
	require.ErrorIs(t, err, perrors.ErrEndWithIncomplete)
	setField(t, src, 0, uint64(2))
	setField(t, src, 1, "again")
	hv, err = src.Build()
	require.NoError(t, err)
	got, err = Materialize[pair](hv)
	require.NoError(t, err)
	assert.Equal(t, pair{A: 2, B: "again"}, got)
	checkClean(t, h)
}

func TestStealNthField_Rejects(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, pairShape)
	require.NoError(t, err)
	defer p.Discard()

	other, err := Alloc(h, h, outerShape)
	require.NoError(t, err)
	defer other.Discard()
	require.ErrorIs(t, p.StealNthField(other, 0), perrors.ErrWrongShape)
	require.ErrorIs(t, p.StealNthField(p, 0), perrors.ErrOperationFailed)
	require.ErrorIs(t, p.StealNthField(nil, 0), perrors.ErrOperationFailed)

	h2 := memory.NewHeap()
	elsewhere, err := Alloc(h2, h2, pairShape)
	require.NoError(t, err)
	defer elsewhere.Discard()
	setField(t, elsewhere, 0, uint64(1))
	require.ErrorIs(t, p.StealNthField(elsewhere, 0), perrors.ErrOperationFailed)

	same, err := Alloc(h, h, pairShape)
	require.NoError(t, err)
	defer same.Discard()
	require.ErrorIs(t, p.StealNthField(same, 5), perrors.ErrOutOfBounds)
}

type wrappedPair pair

var wrappedShape = shape.MustTransparent("WrappedPair", pairShape, reflect.TypeFor[wrappedPair]())

func TestBeginInner(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, wrappedShape)
	require.NoError(t, err)

	require.NoError(t, p.BeginInner())
	assert.Equal(t, "Pair", p.Shape().Name)
	setField(t, p, 0, uint64(4))
	setField(t, p, 1, "in")
	require.NoError(t, p.End())
	assert.True(t, p.Frames()[0].Initialized)

	hv, err := p.Build()
	require.NoError(t, err)
	got, err := Materialize[wrappedPair](hv)
	require.NoError(t, err)
	assert.Equal(t, wrappedPair{A: 4, B: "in"}, got)

	p, err = Alloc(h, h, pairShape)
	require.NoError(t, err)
	require.ErrorIs(t, p.BeginInner(), perrors.ErrWrongShape)
	require.NoError(t, p.Discard())
	checkClean(t, h)
}

func TestBeginInner_AbandonDropsTakenValue(t *testing.T) {
	h := memory.NewHeap()
	p, err := Alloc(h, h, wrappedShape)
	require.NoError(t, err)
	require.NoError(t, p.Set(wrappedPair{A: 1, B: "whole"}))

	require.NoError(t, p.BeginInner())
	assert.True(t, p.Frames()[1].Initialized, "the inner frame takes the value over")
	require.NoError(t, p.Abandon())
	assert.False(t, p.Frames()[0].Initialized)

	_, err = p.Build()
	require.ErrorIs(t, err, perrors.ErrEndWithIncomplete)
	require.NoError(t, p.Discard())
	checkClean(t, h)
}

func TestAbandon(t *testing.T) {
	t.Run("rope item", func(t *testing.T) {
		h := memory.NewHeap()
		p, err := Alloc(h, h, shape.ListOf(shape.String),
			WithListStaging(ListStagingRope), WithRopeChunkCapacity(2))
		require.NoError(t, err)
		setItem(t, p, "a")
		require.NoError(t, p.BeginListItem())
		slot := p.Frames()[1].Addr
		require.NoError(t, p.Set("dropped"))
		require.NoError(t, p.Abandon())

		require.NoError(t, p.BeginListItem())
		assert.Equal(t, slot, p.Frames()[1].Addr, "the abandoned slot is handed out again")
		require.NoError(t, p.Set("c"))
		require.NoError(t, p.End())

		hv, err := p.Build()
		require.NoError(t, err)
		got, err := Materialize[[]string](hv)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, got)
		checkClean(t, h)
	})

	t.Run("map value", func(t *testing.T) {
		h := memory.NewHeap()
		p, err := Alloc(h, h, shape.MapOf(shape.String, shape.U32))
		require.NoError(t, err)
		require.NoError(t, p.BeginKey())
		require.NoError(t, p.Set("k"))
		require.NoError(t, p.End())
		require.NoError(t, p.BeginValue())
		require.NoError(t, p.Set(uint32(1)))
		require.NoError(t, p.Abandon())
		require.ErrorIs(t, p.BeginKey(), perrors.ErrOperationFailed, "the key is still staged")

		require.NoError(t, p.BeginValue())
		require.NoError(t, p.Set(uint32(2)))
		require.NoError(t, p.End())
		hv, err := p.Build()
		require.NoError(t, err)
		got, err := Materialize[map[string]uint32](hv)
		require.NoError(t, err)
		assert.Equal(t, map[string]uint32{"k": 2}, got)
		checkClean(t, h)
	})

	t.Run("option payload keeps old value", func(t *testing.T) {
		h := memory.NewHeap()
		p, err := Alloc(h, h, shape.OptionOf(shape.String))
		require.NoError(t, err)
		require.NoError(t, p.BeginSome())
		require.NoError(t, p.Set("x"))
		require.NoError(t, p.End())
		require.NoError(t, p.BeginSome())
		require.NoError(t, p.Set("y"))
		require.NoError(t, p.Abandon())

		hv, err := p.Build()
		require.NoError(t, err)
		got, err := Materialize[*string](hv)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "x", *got)
		checkClean(t, h)
	})

	t.Run("root", func(t *testing.T) {
		h := memory.NewHeap()
		p, err := Alloc(h, h, pairShape)
		require.NoError(t, err)
		require.ErrorIs(t, p.Abandon(), perrors.ErrOperationFailed)
		require.NoError(t, p.Discard())
		require.ErrorIs(t, p.Abandon(), perrors.ErrOperationFailed)
		checkClean(t, h)
	})
}
