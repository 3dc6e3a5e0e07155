package builder

import (
	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape"
)

// BeginSome pushes a frame for the payload of an option. Ending it makes
// the option Some, dropping any previous value.
func (p *Partial) BeginSome() error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if f.shape.Kind != shape.KindOption {
		return p.wrongShape(errors.PhaseNavigate, f, "option")
	}
	return p.beginPayload(f, TrackerOption, f.shape.Elem, roleSome, "Some")
}

// BeginOk pushes a frame for the Ok payload of a result.
func (p *Partial) BeginOk() error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if f.shape.Kind != shape.KindResult {
		return p.wrongShape(errors.PhaseNavigate, f, "result")
	}
	return p.beginPayload(f, TrackerResult, f.shape.Elem, roleOk, "Ok")
}

// BeginErr pushes a frame for the Err payload of a result.
func (p *Partial) BeginErr() error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if f.shape.Kind != shape.KindResult {
		return p.wrongShape(errors.PhaseNavigate, f, "result")
	}
	return p.beginPayload(f, TrackerResult, f.shape.Err, roleErr, "Err")
}

// BeginSmartPtr pushes a frame for the pointee of a Box, Rc or Arc. For
// slice pointers the pushed frame collects elements with BeginListItem.
func (p *Partial) BeginSmartPtr() error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if f.shape.Kind != shape.KindPointer {
		return p.wrongShape(errors.PhaseNavigate, f, "smart pointer")
	}
	def := f.shape.Pointer
	if def.Kind == shape.PointerWeak {
		return p.failed(errors.PhaseNavigate, f, "weak pointers cannot be built directly")
	}
	if def.Slice == nil {
		return p.beginPayload(f, TrackerSmartPointer, f.shape.Elem, rolePointee, "*")
	}

	if err := p.claimPayload(f, TrackerSmartPointer); err != nil {
		return err
	}
	t := newTracker()
	t.kind = TrackerSmartPointerSlice
	slice := &frame{
		shape:   f.shape.Elem,
		tracker: t,
		own:     Owned,
		role:    roleSlice,
		segment: "*",
	}
	slice.tracker.rope = p.newRope(slice.elemShape())
	p.push(slice)
	return nil
}

func (p *Partial) beginPayload(f *frame, kind TrackerKind, payload *shape.Shape, r role, segment string) error {
	if err := p.claimPayload(f, kind); err != nil {
		return err
	}
	child, err := p.stagedChild(payload, Owned, r, segment)
	if err != nil {
		f.tracker.inFlight = false
		return err
	}
	p.push(child)
	return nil
}

// claimPayload marks f as having a payload in flight. The previous value,
// if any, stays in place until the payload is moved in by End.
func (p *Partial) claimPayload(f *frame, kind TrackerKind) error {
	switch f.tracker.kind {
	case kind, TrackerScalar:
	default:
		return p.unexpected(errors.PhaseNavigate, f, kind)
	}
	f.tracker.kind = kind
	f.tracker.inFlight = true
	return nil
}

// completePayload runs move and marks f complete. A previous value is
// replaced only once move has succeeded; on failure f keeps its value and
// its tracker.
func (p *Partial) completePayload(f *frame, move func() error) error {
	var err error
	if f.isInit {
		err = p.swap(f.shape, f.addr, move)
	} else {
		err = move()
	}
	if err != nil {
		return errors.WithPath(errors.PhaseEnd, err, p.path())
	}
	f.tracker = newTracker()
	f.isInit = true
	return nil
}
