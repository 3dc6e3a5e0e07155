package builder

import (
	"strconv"

	"fortio.org/safecast"
	"go.uber.org/zap"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape"
)

// InitList initializes the current list frame. It is a no-op when the list
// is already initialized.
func (p *Partial) InitList() error {
	return p.InitListWithCapacity(0)
}

// InitListWithCapacity initializes the current list frame, reserving room
// for capacity elements. On a dynamic frame it starts an array value.
func (p *Partial) InitListWithCapacity(capacity int) error {
	if err := p.active(errors.PhaseNavigate); err != nil {
		return err
	}
	return p.initList(p.top(), capacity)
}

func (p *Partial) initList(f *frame, capacity int) error {
	switch f.shape.Kind {
	case shape.KindDynamic:
		return p.initDynamic(f, dynArray)
	case shape.KindArray:
		if f.shape.Unsized && f.tracker.kind == TrackerSmartPointerSlice {
			return nil
		}
		if !f.shape.Unsized {
			return p.initArray(f)
		}
	case shape.KindList:
	default:
		return p.wrongShape(errors.PhaseNavigate, f, "list")
	}
	if f.shape.Unsized {
		return p.failed(errors.PhaseNavigate, f, "unsized slice is built through BeginSmartPtr")
	}

	switch f.tracker.kind {
	case TrackerList:
		return nil
	case TrackerScalar:
	default:
		return p.unexpected(errors.PhaseNavigate, f, TrackerList)
	}
	if !f.isInit {
		c, err := safecast.Conv[uint32](capacity)
		if err != nil {
			return errors.Overflow(errors.PhaseNavigate, p.path(), capacity, "u32")
		}
		if err := f.shape.List.InitWithCapacity(p.mem, p.alloc, f.addr, c); err != nil {
			return errors.WithPath(errors.PhaseNavigate, err, p.path())
		}
		f.isInit = true
	}
	f.tracker.kind = TrackerList
	return nil
}

// BeginListItem pushes a frame for the next element of the current list,
// array, slice pointer or dynamic array.
func (p *Partial) BeginListItem() error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if f.tracker.inFlight {
		return p.failed(errors.PhaseNavigate, f, "an item is already in flight")
	}

	switch {
	case f.shape.Kind == shape.KindArray && !f.shape.Unsized:
		if err := p.initArray(f); err != nil {
			return err
		}
		return p.BeginNthElement(f.tracker.current)
	case f.shape.Kind == shape.KindArray && f.tracker.kind == TrackerSmartPointerSlice:
		return p.pushRopeItem(f, int(f.tracker.rope.Len()))
	case f.shape.Kind == shape.KindDynamic:
		return p.beginDynamicItem(f)
	}

	if err := p.initList(f, 0); err != nil {
		return err
	}
	def := f.shape.List
	n, err := def.Len(p.mem, f.addr)
	if err != nil {
		return errors.WithPath(errors.PhaseNavigate, err, p.path())
	}
	if def.DirectFill() && p.opts.staging == ListStagingAuto && f.tracker.rope == nil {
		return p.pushListSlot(f, n)
	}
	if f.tracker.rope == nil {
		f.tracker.rope = p.newRope(f.shape.Elem)
	}
	return p.pushRopeItem(f, int(n)+int(f.tracker.rope.Len()))
}

// pushListSlot builds the next element directly in the list's spare capacity.
func (p *Partial) pushListSlot(f *frame, n uint32) error {
	def := f.shape.List
	if err := def.Reserve(p.mem, p.alloc, f.addr, 1); err != nil {
		return errors.WithPath(errors.PhaseNavigate, err, p.path())
	}
	base, err := def.AsMutPtr(p.mem, f.addr)
	if err != nil {
		return errors.WithPath(errors.PhaseNavigate, err, p.path())
	}
	f.tracker.inFlight = true
	p.push(&frame{
		addr:    base + n*f.shape.Elem.Stride(),
		shape:   f.shape.Elem,
		tracker: newTracker(),
		own:     ListSlot,
		role:    roleListSlot,
		index:   int(n),
		segment: indexSegment(int(n)),
	})
	return nil
}

// pushRopeItem builds the next element in a pointer-stable rope slot.
func (p *Partial) pushRopeItem(f *frame, idx int) error {
	addr, err := f.tracker.rope.PushUninit()
	if err != nil {
		return errors.WithPath(errors.PhaseNavigate, err, p.path())
	}
	f.tracker.inFlight = true
	p.push(&frame{
		addr:    addr,
		shape:   f.elemShape(),
		tracker: newTracker(),
		own:     ManagedElsewhere,
		role:    roleRopeItem,
		index:   idx,
		segment: indexSegment(idx),
	})
	return nil
}

func (p *Partial) beginDynamicItem(f *frame) error {
	if err := p.initDynamic(f, dynArray); err != nil {
		return err
	}
	idx := len(f.tracker.dynItems)
	child, err := p.stagedChild(f.shape, TrackedBuffer, roleDynItem, indexSegment(idx))
	if err != nil {
		return err
	}
	child.index = idx
	f.tracker.inFlight = true
	p.push(child)
	return nil
}

// initDynamic turns a dynamic frame into an array or object being built. A
// complete value of the same kind is extended; anything else is replaced.
func (p *Partial) initDynamic(f *frame, kind dynKind) error {
	if f.tracker.kind == TrackerDynamicValue {
		if f.tracker.dyn != kind {
			return p.failed(errors.PhaseNavigate, f, "dynamic value is already a different container")
		}
		return nil
	}
	if f.tracker.kind != TrackerScalar {
		return p.unexpected(errors.PhaseNavigate, f, TrackerDynamicValue)
	}

	t := newTracker()
	t.kind = TrackerDynamicValue
	t.dyn = kind
	if f.isInit {
		cur, err := shape.LoadDynamic(p.mem, f.addr)
		if err != nil {
			return errors.WithPath(errors.PhaseNavigate, err, p.path())
		}
		switch v := cur.(type) {
		case []any:
			if kind == dynArray {
				t.dynItems = append([]any(nil), v...)
			}
		case map[string]any:
			if kind == dynObject {
				t.dynObject = make(map[string]any, len(v))
				for k, e := range v {
					t.dynObject[k] = e
				}
			}
		}
	} else if err := shape.StoreDynamic(p.mem, f.addr, nil); err != nil {
		return errors.WithPath(errors.PhaseNavigate, err, p.path())
	}
	if kind == dynObject && t.dynObject == nil {
		t.dynObject = make(map[string]any)
	}
	if kind == dynArray && t.dynItems == nil {
		t.dynItems = []any{}
	}
	f.isInit = true
	f.tracker = t
	return nil
}

// drainRope pushes every staged rope element into the list.
func (p *Partial) drainRope(f *frame) error {
	r := f.tracker.rope
	if r == nil {
		return nil
	}
	push := f.shape.List.Push
	staged := r.Len()
	err := r.DrainInto(func(addr uint32) error {
		return push(p.mem, p.alloc, f.addr, addr)
	})
	if err != nil {
		return err
	}
	p.log.Debug("rope drained into list",
		zap.String("shape", f.shape.Name),
		zap.Uint32("elements", staged))
	f.tracker.rope = nil
	return nil
}

// buildSlice moves the elements staged in a slice frame's rope into fresh
// pointer storage and writes the pointer to dst.
func (p *Partial) buildSlice(f *frame, ptr *shape.Shape, dst uint32) error {
	def := ptr.Pointer.Slice
	elem := f.elemShape()
	r := f.tracker.rope
	n := r.Len()
	handle, elems, err := def.New(p.mem, p.alloc, n)
	if err != nil {
		return err
	}
	stride := elem.Stride()
	for i := uint32(0); i < n && err == nil; i++ {
		err = elem.MoveBytes(p.mem, elems+i*stride, r.At(i))
	}
	if err == nil {
		err = def.Convert(p.mem, dst, handle, n)
	}
	if err != nil {
		def.Discard(p.alloc, handle, n)
		return err
	}
	// the elements now belong to the slice storage
	r.Release()
	f.tracker.rope = nil
	return nil
}

func indexSegment(i int) string {
	return "[" + strconv.Itoa(i) + "]"
}
