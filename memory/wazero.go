package memory

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/partial/errors"
)

// LinearModule is a heap whose memory belongs to a wazero module instance.
type LinearModule struct {
	*Heap
	runtime wazero.Runtime
	module  api.Module
}

// NewWazeroHeap instantiates a module that exports a single memory of the given
// initial page count and returns a heap over it.
func NewWazeroHeap(ctx context.Context, pages uint32) (*LinearModule, error) {
	if pages == 0 {
		pages = 1
	}
	rt := wazero.NewRuntime(ctx)
	mod, err := rt.Instantiate(ctx, memoryModule(pages))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseMemory, errors.KindAllocation, err, "instantiate memory module")
	}
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		_ = rt.Close(ctx)
		return nil, errors.InvalidData(errors.PhaseMemory, nil, "module does not export memory")
	}
	return &LinearModule{
		Heap:    NewHeapOn(mem),
		runtime: rt,
		module:  mod,
	}, nil
}

// Module returns the wazero module that owns the memory.
func (m *LinearModule) Module() api.Module {
	return m.module
}

// Close releases the wazero runtime. The heap must not be used afterwards.
func (m *LinearModule) Close(ctx context.Context) error {
	if err := m.runtime.Close(ctx); err != nil {
		return fmt.Errorf("close wazero runtime: %w", err)
	}
	return nil
}

// memoryModule encodes (module (memory (export "memory") pages)).
func memoryModule(pages uint32) []byte {
	limits := append([]byte{0x00}, uleb(pages)...)
	memSection := append([]byte{0x01}, limits...)

	name := []byte("memory")
	exportEntry := append([]byte{byte(len(name))}, name...)
	exportEntry = append(exportEntry, 0x02, 0x00)
	exportSection := append([]byte{0x01}, exportEntry...)

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, 0x05)
	out = append(out, uleb(uint32(len(memSection)))...)
	out = append(out, memSection...)
	out = append(out, 0x07)
	out = append(out, uleb(uint32(len(exportSection)))...)
	out = append(out, exportSection...)
	return out
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}
