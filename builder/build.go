package builder

import (
	"go.uber.org/zap"

	"github.com/wippyai/partial/errors"
)

// Build collapses the builder into one complete value. Every frame but the
// root must have been ended. After a successful Build the builder is spent;
// after a failed one it can still be driven or discarded.
func (p *Partial) Build() (*HeapValue, error) {
	if err := p.active(errors.PhaseBuild); err != nil {
		return nil, err
	}
	if p.deferred != nil {
		return nil, p.failed(errors.PhaseBuild, p.top(), "deferred mode is still active")
	}
	if len(p.frames) > 1 {
		f := p.top()
		return nil, errors.EndWithIncomplete(errors.PhaseBuild, p.path(), f.shape.Name,
			"frame "+p.Path()+" was not ended")
	}
	root := p.frames[0]
	if err := p.settle(root, errors.PhaseBuild); err != nil {
		return nil, err
	}

	hv := &HeapValue{
		mem:   p.mem,
		alloc: p.alloc,
		shape: root.shape,
		addr:  root.addr,
		owned: root.own == Owned,
		size:  root.size,
		align: root.align,
	}
	p.frames = nil
	p.state = stateBuilt
	p.log.Debug("builder built",
		zap.String("shape", hv.shape.Name),
		zap.Uint32("addr", hv.addr))
	return hv, nil
}

// Discard abandons the build. Every initialized part is dropped exactly
// once and every owned buffer is freed, walking the frames top-down. The
// root memory of an in-place builder is left to its caller. Discard is
// idempotent and a no-op after Build.
func (p *Partial) Discard() error {
	if p.state != stateActive {
		return nil
	}
	var first error
	for i := len(p.frames) - 1; i >= 0; i-- {
		f := p.frames[i]
		if err := p.dropCurrent(f); err != nil && first == nil {
			first = err
		}
		if f.own.freesMemory() {
			p.free(block{addr: f.addr, size: f.size, align: f.align, live: true})
		}
	}
	p.log.Debug("builder discarded",
		zap.String("shape", p.rootName()),
		zap.Int("depth", len(p.frames)))
	p.frames = nil
	p.deferred = nil
	p.state = stateDiscarded
	if first != nil {
		return errors.WithPath(errors.PhaseDrop, first, nil)
	}
	return nil
}
