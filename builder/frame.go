package builder

import (
	"strconv"

	"github.com/wippyai/partial/builder/internal/rope"
	"github.com/wippyai/partial/shape"
)

// Ownership says who is responsible for a frame's memory.
type Ownership uint8

const (
	// Owned memory was allocated by the builder and is freed by it.
	Owned Ownership = iota
	// BorrowedInPlace memory belongs to the caller of AllocInPlace.
	BorrowedInPlace
	// ManagedElsewhere memory is a rope slot the parent frame manages.
	ManagedElsewhere
	// Field memory is a sub-slot of the parent at a static offset.
	Field
	// TrackedBuffer memory is a staging buffer for a key, value or set item.
	TrackedBuffer
	// ListSlot memory lies in a list's spare capacity.
	ListSlot
)

var ownershipNames = [...]string{
	Owned:            "owned",
	BorrowedInPlace:  "borrowed",
	ManagedElsewhere: "managed",
	Field:            "field",
	TrackedBuffer:    "buffer",
	ListSlot:         "list-slot",
}

func (o Ownership) String() string {
	if int(o) < len(ownershipNames) {
		return ownershipNames[o]
	}
	return "ownership(" + strconv.Itoa(int(o)) + ")"
}

// freesMemory reports whether popping or discarding the frame frees its block.
func (o Ownership) freesMemory() bool {
	return o == Owned || o == TrackedBuffer
}

// TrackerKind is the active variant of a frame's tracker.
type TrackerKind uint8

const (
	TrackerScalar TrackerKind = iota
	TrackerStruct
	TrackerArray
	TrackerEnum
	TrackerList
	TrackerMap
	TrackerSet
	TrackerOption
	TrackerResult
	TrackerSmartPointer
	TrackerSmartPointerSlice
	TrackerDynamicValue
)

var trackerNames = [...]string{
	TrackerScalar:            "scalar",
	TrackerStruct:            "struct",
	TrackerArray:             "array",
	TrackerEnum:              "enum",
	TrackerList:              "list",
	TrackerMap:               "map",
	TrackerSet:               "set",
	TrackerOption:            "option",
	TrackerResult:            "result",
	TrackerSmartPointer:      "smart-pointer",
	TrackerSmartPointerSlice: "smart-pointer-slice",
	TrackerDynamicValue:      "dynamic",
}

func (k TrackerKind) String() string {
	if int(k) < len(trackerNames) {
		return trackerNames[k]
	}
	return "tracker(" + strconv.Itoa(int(k)) + ")"
}

type mapState uint8

const (
	mapIdle mapState = iota
	mapPushingKey
	mapKeyReady
	mapPushingValue
)

type dynKind uint8

const (
	dynScalar dynKind = iota
	dynArray
	dynObject
)

// block is a staging allocation.
type block struct {
	addr  uint32
	size  uint32
	align uint32
	live  bool
}

// tracker records which parts of a frame are initialized. Only the fields
// of the active kind are meaningful.
type tracker struct {
	kind TrackerKind

	// struct fields, array elements or the selected variant's fields
	fields ISet
	// selected variant, -1 when none
	variant int
	// next array index for sequential element pushes
	current int
	// a child frame is pushed for a list item, set item, payload or pointee
	inFlight bool

	mapState mapState
	key      block

	rope *rope.Rope

	dyn       dynKind
	dynItems  []any
	dynObject map[string]any
}

func newTracker() tracker {
	return tracker{kind: TrackerScalar, variant: -1}
}

// role is what a frame is to its parent; it selects the move performed by End.
type role uint8

const (
	roleRoot role = iota
	roleField
	roleEnumField
	roleElement
	roleListSlot
	roleRopeItem
	roleKey
	roleValue
	roleSetItem
	roleSome
	roleOk
	roleErr
	rolePointee
	roleSlice
	roleDynItem
	roleDynEntry
	roleInner
)

type frame struct {
	addr    uint32
	shape   *shape.Shape
	tracker tracker
	own     Ownership
	isInit  bool

	role    role
	index   int
	segment string
	// key of a dynamic object entry
	key string

	// size and align of the block freed when own frees memory
	size  uint32
	align uint32
}

func (f *frame) elemShape() *shape.Shape {
	return f.shape.Elem
}

// FrameInfo is a snapshot of one frame for introspection.
type FrameInfo struct {
	Shape       string
	Kind        shape.Kind
	Tracker     TrackerKind
	Ownership   Ownership
	Initialized bool
	Addr        uint32
	Segment     string
}
