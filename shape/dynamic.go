package shape

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/internal/abi"
)

// DynamicSize is the size of a dynamic value slot: a u32 handle.
const DynamicSize = 4

// Dynamic is the shape of a self-describing value. The slot holds a handle
// into a table kept per memory whose entries are nil, bool, int64, uint64,
// float64, string, []byte, []any or map[string]any. A handle is only
// meaningful in the memory it was stored in.
var Dynamic = newDynamicShape()

type valueTable struct {
	mu     sync.Mutex
	next   uint32
	values map[uint32]any
}

func (t *valueTable) put(v any) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint64(len(t.values)) >= math.MaxUint32-1 {
		return 0, errors.New(errors.PhaseAlloc, errors.KindAllocation).
			Detail("dynamic value table is full").
			Build()
	}
	for {
		h := t.next
		t.next++
		if t.next == 0 {
			t.next = 1
		}
		if _, used := t.values[h]; !used && h != 0 {
			t.values[h] = v
			return h, nil
		}
	}
}

func (t *valueTable) get(h uint32) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[h]
	return v, ok
}

func (t *valueTable) set(h uint32, v any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.values[h]; !ok {
		return false
	}
	t.values[h] = v
	return true
}

func (t *valueTable) take(h uint32) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[h]
	if ok {
		delete(t.values, h)
	}
	return v, ok
}

func (t *valueTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.values)
}

// tableSet maps each memory to its value table. Memories are compared by
// interface equality, so implementations must be comparable (pointers).
type tableSet struct {
	mu     sync.Mutex
	tables map[Memory]*valueTable
}

var dynamicTables = &tableSet{tables: make(map[Memory]*valueTable)}

// of returns mem's table, creating it when create is set.
func (s *tableSet) of(mem Memory, create bool) *valueTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[mem]
	if t == nil && create {
		t = &valueTable{next: 1, values: make(map[uint32]any)}
		s.tables[mem] = t
	}
	return t
}

func (s *tableSet) release(mem Memory) *valueTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[mem]
	delete(s.tables, mem)
	return t
}

// DynamicLive returns the number of dynamic values held for mem.
func DynamicLive(mem Memory) int {
	t := dynamicTables.of(mem, false)
	if t == nil {
		return 0
	}
	return t.len()
}

// ReleaseDynamic forgets every dynamic value held for mem and returns how
// many there were. Call it when a memory is retired; a non-zero result means
// values were never dropped, for example after HeapValue.Take.
func ReleaseDynamic(mem Memory) int {
	t := dynamicTables.release(mem)
	if t == nil {
		return 0
	}
	n := t.len()
	if n > 0 {
		Logger().Warn("released memory still held dynamic values", zap.Int("values", n))
	}
	return n
}

func newDynamicShape() *Shape {
	s := &Shape{
		Name:   "Dynamic",
		Kind:   KindDynamic,
		Size:   DynamicSize,
		Align:  4,
		GoType: reflect.TypeFor[any](),
	}
	s.VTable = VTable{
		Default: func(mem Memory, _ Allocator, addr uint32) error {
			return StoreDynamic(mem, addr, nil)
		},
		Drop: func(mem Memory, _ Allocator, addr uint32) error {
			_, err := TakeDynamic(mem, addr)
			return err
		},
		Parse: func(mem Memory, _ Allocator, addr uint32, text string) error {
			return StoreDynamic(mem, addr, text)
		},
		ParseBytes: func(mem Memory, _ Allocator, addr uint32, b []byte) error {
			v, err := DecodeMsgpack(b)
			if err != nil {
				return errors.ParseFailed(nil, "Dynamic", b, err)
			}
			return StoreDynamic(mem, addr, v)
		},
		Equal: func(mem Memory, a, b uint32) (bool, error) {
			x, err := LoadDynamic(mem, a)
			if err != nil {
				return false, err
			}
			y, err := LoadDynamic(mem, b)
			if err != nil {
				return false, err
			}
			return reflect.DeepEqual(x, y), nil
		},
	}
	return s
}

func dynamicHandle(mem Memory, addr uint32) (uint32, error) {
	h, err := mem.ReadU32(addr)
	if err != nil {
		return 0, err
	}
	if h == 0 {
		return 0, errors.InvalidData(errors.PhaseDecode, nil, "null dynamic handle")
	}
	return h, nil
}

// StoreDynamic normalizes v, registers it and writes its handle at addr.
func StoreDynamic(mem Memory, addr uint32, v any) error {
	n, err := NormalizeDynamic(v)
	if err != nil {
		return err
	}
	t := dynamicTables.of(mem, true)
	h, err := t.put(n)
	if err != nil {
		return err
	}
	if err := mem.WriteU32(addr, h); err != nil {
		t.take(h)
		return err
	}
	return nil
}

// LoadDynamic returns the value whose handle is stored at addr.
func LoadDynamic(mem Memory, addr uint32) (any, error) {
	h, err := dynamicHandle(mem, addr)
	if err != nil {
		return nil, err
	}
	t := dynamicTables.of(mem, false)
	if t == nil {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, fmt.Sprintf("stale dynamic handle %d", h))
	}
	v, ok := t.get(h)
	if !ok {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, fmt.Sprintf("stale dynamic handle %d", h))
	}
	return v, nil
}

// ReplaceDynamic swaps the value behind the handle stored at addr.
func ReplaceDynamic(mem Memory, addr uint32, v any) error {
	h, err := dynamicHandle(mem, addr)
	if err != nil {
		return err
	}
	n, err := NormalizeDynamic(v)
	if err != nil {
		return err
	}
	if t := dynamicTables.of(mem, false); t == nil || !t.set(h, n) {
		return errors.InvalidData(errors.PhaseSet, nil, fmt.Sprintf("stale dynamic handle %d", h))
	}
	return nil
}

// TakeDynamic removes the value whose handle is stored at addr and clears the slot.
func TakeDynamic(mem Memory, addr uint32) (any, error) {
	h, err := dynamicHandle(mem, addr)
	if err != nil {
		return nil, err
	}
	t := dynamicTables.of(mem, false)
	if t == nil {
		return nil, errors.InvalidData(errors.PhaseDrop, nil, fmt.Sprintf("stale dynamic handle %d", h))
	}
	v, ok := t.take(h)
	if !ok {
		return nil, errors.InvalidData(errors.PhaseDrop, nil, fmt.Sprintf("stale dynamic handle %d", h))
	}
	return v, mem.WriteU32(addr, 0)
}

// NormalizeDynamic converts v to the canonical dynamic representation.
func NormalizeDynamic(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64, uint64, float64, string:
		return x, nil
	case []byte:
		return bytes.Clone(x), nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case float32:
		return float64(x), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := NormalizeDynamic(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := NormalizeDynamic(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, errors.New(errors.PhaseSet, errors.KindWrongShape).
					Shape("Dynamic").
					Detail("object keys must be strings, got %s", abi.TypeName(k)).
					Build()
			}
			n, err := NormalizeDynamic(e)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	}
	return nil, errors.New(errors.PhaseSet, errors.KindWrongShape).
		Shape("Dynamic").
		Detail("unsupported dynamic value of type %s", abi.TypeName(v)).
		Build()
}

// DecodeMsgpack decodes one msgpack document into a dynamic value.
func DecodeMsgpack(b []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, err
	}
	return NormalizeDynamic(v)
}

// EncodeMsgpack encodes a dynamic value as msgpack.
func EncodeMsgpack(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}
