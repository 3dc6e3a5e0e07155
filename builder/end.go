package builder

import (
	"go.uber.org/zap"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape"
)

// End finishes the current frame and moves its value into the parent. The
// frame must be fully initialized; defaults fill missing fields that declare
// one.
func (p *Partial) End() error {
	if err := p.active(errors.PhaseEnd); err != nil {
		return err
	}
	f := p.top()
	if len(p.frames) == 1 {
		return errors.EndAtRoot(nil, f.shape.Name)
	}
	if err := p.guardDeferredBase(errors.PhaseEnd); err != nil {
		return err
	}
	if err := p.settle(f, errors.PhaseEnd); err != nil {
		if !p.storable(f, err) {
			return err
		}
		p.store(f)
		return nil
	}
	parent := p.frames[len(p.frames)-2]
	if err := p.moveIntoParent(parent, f); err != nil {
		return err
	}
	p.pop()
	return nil
}

// Abandon drops whatever the current frame holds and pops it. The parent is
// left as if the frame had never been begun, except that a value the frame
// took over on re-entry is gone with it.
func (p *Partial) Abandon() error {
	if err := p.active(errors.PhaseDrop); err != nil {
		return err
	}
	child := p.top()
	if len(p.frames) == 1 {
		return p.failed(errors.PhaseDrop, child, "the root frame is released with Discard")
	}
	if err := p.guardDeferredBase(errors.PhaseDrop); err != nil {
		return err
	}
	derr := p.dropCurrent(child)

	t := &p.frames[len(p.frames)-2].tracker
	switch child.role {
	case roleRopeItem:
		if t.rope != nil {
			t.rope.DiscardLast()
		}
		t.inFlight = false
	case roleKey:
		t.mapState = mapIdle
	case roleValue:
		t.mapState = mapKeyReady
	case roleListSlot, roleSetItem, roleDynItem, roleDynEntry,
		roleSome, roleOk, roleErr, rolePointee, roleSlice:
		t.inFlight = false
	}
	path := p.Path()
	p.pop()
	p.log.Debug("frame abandoned", zap.String("path", path))
	if derr != nil {
		return errors.WithPath(errors.PhaseDrop, derr, p.path())
	}
	return nil
}

// settle fills defaults, checks completeness and finalizes f so that it
// holds one complete value.
func (p *Partial) settle(f *frame, phase errors.Phase) error {
	if err := p.fillDefaults(f); err != nil {
		return errors.WithPath(phase, err, p.path())
	}
	if missing, ok := p.complete(f); !ok {
		return errors.EndWithIncomplete(phase, p.path(), f.shape.Name, missing)
	}
	if err := p.finalize(f); err != nil {
		return errors.WithPath(phase, err, p.path())
	}
	return nil
}

// fillDefaults initializes unset fields that are flagged as defaulted.
func (p *Partial) fillDefaults(f *frame) error {
	if f.isInit {
		return nil
	}
	var fields []shape.Field
	switch {
	case f.shape.Kind == shape.KindStruct:
		fields = f.shape.Fields
	case f.shape.Kind == shape.KindEnum && f.tracker.kind == TrackerEnum && f.tracker.variant >= 0:
		fields = f.shape.Variants[f.tracker.variant].Fields
	default:
		return nil
	}
	for i, fd := range fields {
		if !fd.Default || f.tracker.fields.Has(i) || p.hasStored(f, i) {
			continue
		}
		if f.tracker.kind == TrackerScalar {
			if err := p.track(f, TrackerStruct); err != nil {
				return err
			}
		}
		if err := fd.Shape.DefaultInPlace(p.mem, p.alloc, f.addr+fd.Offset); err != nil {
			return err
		}
		f.tracker.fields.Set(i)
	}
	return nil
}

// complete reports whether f holds a whole value, naming the first missing
// part when it does not.
func (p *Partial) complete(f *frame) (string, bool) {
	t := &f.tracker
	if t.inFlight {
		return "item in flight", false
	}
	switch t.kind {
	case TrackerStruct:
		n := len(f.shape.Fields)
		if i := t.fields.FirstUnset(n); i >= 0 {
			return f.shape.Fields[i].Name, false
		}
		return "", true
	case TrackerEnum:
		if t.variant < 0 {
			return "variant", false
		}
		fields := f.shape.Variants[t.variant].Fields
		if i := t.fields.FirstUnset(len(fields)); i >= 0 {
			return fields[i].Name, false
		}
		return "", true
	case TrackerArray:
		if i := t.fields.FirstUnset(int(f.shape.Len)); i >= 0 {
			return indexSegment(i), false
		}
		return "", true
	case TrackerMap:
		if t.mapState != mapIdle {
			return "value for staged key", false
		}
	case TrackerSmartPointerSlice:
		return "", true
	}
	if !f.isInit {
		switch {
		case f.shape.Kind == shape.KindStruct && len(f.shape.Fields) == 0,
			f.shape.Kind == shape.KindArray && f.shape.Len == 0:
			return "", true
		case f.shape.Kind == shape.KindEnum:
			return "variant", false
		}
		return "value", false
	}
	return "", true
}

// finalize collapses a complete frame into a plain initialized value.
func (p *Partial) finalize(f *frame) error {
	switch f.tracker.kind {
	case TrackerList:
		if err := p.drainRope(f); err != nil {
			return err
		}
	case TrackerDynamicValue:
		var v any = f.tracker.dynItems
		if f.tracker.dyn == dynObject {
			v = f.tracker.dynObject
		}
		if err := shape.ReplaceDynamic(p.mem, f.addr, v); err != nil {
			return err
		}
	case TrackerSmartPointerSlice:
		return nil
	}
	f.tracker = newTracker()
	f.isInit = true
	return nil
}

// moveIntoParent hands the finished child's value to its parent. On error
// both frames keep their state.
func (p *Partial) moveIntoParent(parent, child *frame) error {
	t := &parent.tracker
	expect := func(kinds ...TrackerKind) error {
		for _, k := range kinds {
			if t.kind == k {
				return nil
			}
		}
		return errors.Invariant(errors.PhaseEnd, p.path(),
			"parent of "+child.segment+" is tracked as "+t.kind.String())
	}
	fail := func(err error) error {
		return errors.WithPath(errors.PhaseEnd, err, p.path())
	}

	switch child.role {
	case roleField, roleEnumField, roleElement:
		kind := TrackerStruct
		if child.role == roleEnumField {
			kind = TrackerEnum
		} else if child.role == roleElement {
			kind = TrackerArray
		}
		if err := expect(kind); err != nil {
			return err
		}
		t.fields.Set(child.index)

	case roleListSlot:
		if err := expect(TrackerList); err != nil {
			return err
		}
		if err := parent.shape.List.SetLen(p.mem, parent.addr, uint32(child.index)+1); err != nil {
			return fail(err)
		}
		t.inFlight = false

	case roleRopeItem:
		if err := expect(TrackerList, TrackerSmartPointerSlice); err != nil {
			return err
		}
		if err := t.rope.MarkLastInitialized(); err != nil {
			return fail(err)
		}
		t.inFlight = false

	case roleKey:
		if err := expect(TrackerMap); err != nil {
			return err
		}
		t.key = block{addr: child.addr, size: child.size, align: child.align, live: true}
		t.mapState = mapKeyReady
		child.own = ManagedElsewhere

	case roleValue:
		if err := expect(TrackerMap); err != nil {
			return err
		}
		if err := parent.shape.Map.Insert(p.mem, p.alloc, parent.addr, t.key.addr, child.addr); err != nil {
			return fail(err)
		}
		p.free(t.key)
		t.key = block{}
		t.mapState = mapIdle

	case roleSetItem:
		if err := expect(TrackerSet); err != nil {
			return err
		}
		if _, err := parent.shape.Set.Insert(p.mem, p.alloc, parent.addr, child.addr); err != nil {
			return fail(err)
		}
		t.inFlight = false

	case roleSome:
		if err := expect(TrackerOption); err != nil {
			return err
		}
		return p.completePayload(parent, func() error {
			return parent.shape.Option.InitSome(p.mem, parent.addr, child.addr)
		})

	case roleOk, roleErr:
		if err := expect(TrackerResult); err != nil {
			return err
		}
		initPayload := parent.shape.Result.InitOk
		if child.role == roleErr {
			initPayload = parent.shape.Result.InitErr
		}
		return p.completePayload(parent, func() error {
			return initPayload(p.mem, parent.addr, child.addr)
		})

	case rolePointee:
		if err := expect(TrackerSmartPointer); err != nil {
			return err
		}
		return p.completePayload(parent, func() error {
			return parent.shape.Pointer.NewInto(p.mem, p.alloc, parent.addr, child.addr)
		})

	case roleSlice:
		if err := expect(TrackerSmartPointer); err != nil {
			return err
		}
		return p.completePayload(parent, func() error {
			return p.buildSlice(child, parent.shape, parent.addr)
		})

	case roleDynItem, roleDynEntry:
		if err := expect(TrackerDynamicValue); err != nil {
			return err
		}
		v, err := shape.TakeDynamic(p.mem, child.addr)
		if err != nil {
			return fail(err)
		}
		if child.role == roleDynItem {
			t.dynItems = append(t.dynItems, v)
		} else {
			t.dynObject[child.key] = v
		}
		t.inFlight = false

	case roleInner:
		if err := expect(TrackerScalar); err != nil {
			return err
		}
		parent.isInit = true

	default:
		return errors.Invariant(errors.PhaseEnd, p.path(), "frame has no parent role")
	}
	child.isInit = false
	return nil
}
