package builder

import (
	"sort"

	"go.uber.org/zap"

	"github.com/wippyai/partial/errors"
)

// slotKey names a field, variant field or array element of a frame.
type slotKey struct {
	parent *frame
	index  int
}

type storedFrame struct {
	f    *frame
	path string
}

// deferral is the state of deferred mode. base is the index of the frame
// that was on top when it started; frames at or below it cannot be ended.
type deferral struct {
	base   int
	stored map[slotKey]storedFrame
}

// BeginDeferred starts deferred mode at the current frame. While it is on,
// End on an incomplete struct field, variant field or array element keeps
// the frame aside instead of failing; navigating to the same slot again
// resumes it with everything set so far. Fields can then be filled in any
// interleaving, for example when a flattened input mentions them out of
// order.
func (p *Partial) BeginDeferred() error {
	if err := p.active(errors.PhaseNavigate); err != nil {
		return err
	}
	if p.deferred != nil {
		return p.failed(errors.PhaseNavigate, p.top(), "deferred mode is already active")
	}
	p.deferred = &deferral{
		base:   len(p.frames) - 1,
		stored: make(map[slotKey]storedFrame),
	}
	p.log.Debug("deferred mode started", zap.String("path", p.Path()))
	return nil
}

// FinishDeferred leaves deferred mode. Every frame kept aside must have been
// resumed and ended; otherwise the first one by path is reported and the
// builder stays in deferred mode.
func (p *Partial) FinishDeferred() error {
	if err := p.active(errors.PhaseEnd); err != nil {
		return err
	}
	if p.deferred == nil {
		return p.failed(errors.PhaseEnd, p.top(), "deferred mode is not active")
	}
	if paths := p.DeferredPaths(); len(paths) > 0 {
		var sf storedFrame
		for _, s := range p.deferred.stored {
			if s.path == paths[0] {
				sf = s
			}
		}
		missing, _ := p.complete(sf.f)
		return errors.New(errors.PhaseEnd, errors.KindEndWithIncomplete).
			Path(p.path()...).
			Shape(sf.f.shape.Name).
			Detail("deferred frame %s is incomplete: missing %s", sf.path, missing).
			Build()
	}
	p.deferred = nil
	p.log.Debug("deferred mode finished", zap.String("path", p.Path()))
	return nil
}

// IsDeferred reports whether deferred mode is active.
func (p *Partial) IsDeferred() bool {
	return p.deferred != nil
}

// DeferredPaths lists the paths of frames kept aside, sorted.
func (p *Partial) DeferredPaths() []string {
	if p.deferred == nil {
		return nil
	}
	paths := make([]string, 0, len(p.deferred.stored))
	for _, s := range p.deferred.stored {
		paths = append(paths, s.path)
	}
	sort.Strings(paths)
	return paths
}

// guardDeferredBase rejects popping the frame that started deferred mode.
func (p *Partial) guardDeferredBase(phase errors.Phase) error {
	if p.deferred != nil && len(p.frames)-1 <= p.deferred.base {
		return p.failed(phase, p.top(), "deferred mode started at this frame; finish it first")
	}
	return nil
}

// storable reports whether End may keep f aside instead of failing.
func (p *Partial) storable(f *frame, err error) bool {
	if p.deferred == nil {
		return false
	}
	if e, ok := err.(*errors.Error); !ok || e.Kind != errors.KindEndWithIncomplete {
		return false
	}
	switch f.role {
	case roleField, roleEnumField, roleElement:
		return true
	}
	return false
}

// store pops the incomplete top frame into the deferred set. Its slot in the
// parent stays uninitialized until the frame is resumed and ended.
func (p *Partial) store(f *frame) {
	parent := p.frames[len(p.frames)-2]
	path := p.Path()
	p.deferred.stored[slotKey{parent: parent, index: f.index}] = storedFrame{f: f, path: path}
	p.frames = p.frames[:len(p.frames)-1]
	p.log.Debug("frame deferred",
		zap.String("path", path),
		zap.String("shape", f.shape.Name))
}

// resume takes the frame kept aside for slot idx of parent, if any.
func (p *Partial) resume(parent *frame, idx int) *frame {
	if p.deferred == nil {
		return nil
	}
	k := slotKey{parent: parent, index: idx}
	s, ok := p.deferred.stored[k]
	if !ok {
		return nil
	}
	delete(p.deferred.stored, k)
	return s.f
}

// hasStored reports whether slot idx of f has a frame kept aside.
func (p *Partial) hasStored(f *frame, idx int) bool {
	if p.deferred == nil {
		return false
	}
	_, ok := p.deferred.stored[slotKey{parent: f, index: idx}]
	return ok
}

// dropStored destroys the frames kept aside under f, deepest first.
func (p *Partial) dropStored(f *frame) error {
	if p.deferred == nil {
		return nil
	}
	var first error
	for k, s := range p.deferred.stored {
		if k.parent != f {
			continue
		}
		delete(p.deferred.stored, k)
		if err := p.dropCurrent(s.f); err != nil && first == nil {
			first = err
		}
	}
	return first
}
