package builder

import (
	"fortio.org/safecast"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape"
)

// InitMap initializes the current map frame. It is a no-op when the map is
// already initialized.
func (p *Partial) InitMap() error {
	return p.InitMapWithCapacity(0)
}

// InitMapWithCapacity initializes the current map frame with room for
// capacity entries. On a dynamic frame it starts an object value.
func (p *Partial) InitMapWithCapacity(capacity int) error {
	if err := p.active(errors.PhaseNavigate); err != nil {
		return err
	}
	return p.initMap(p.top(), capacity)
}

func (p *Partial) initMap(f *frame, capacity int) error {
	switch f.shape.Kind {
	case shape.KindDynamic:
		return p.initDynamic(f, dynObject)
	case shape.KindMap:
		return p.initContainer(f, TrackerMap, capacity, f.shape.Map.InitWithCapacity)
	}
	return p.wrongShape(errors.PhaseNavigate, f, "map")
}

// InitSet initializes the current set frame.
func (p *Partial) InitSet() error {
	if err := p.active(errors.PhaseNavigate); err != nil {
		return err
	}
	return p.initSet(p.top())
}

func (p *Partial) initSet(f *frame) error {
	if f.shape.Kind != shape.KindSet {
		return p.wrongShape(errors.PhaseNavigate, f, "set")
	}
	return p.initContainer(f, TrackerSet, 0, f.shape.Set.InitWithCapacity)
}

type initFunc func(mem shape.Memory, alloc shape.Allocator, addr, capacity uint32) error

func (p *Partial) initContainer(f *frame, kind TrackerKind, capacity int, initFn initFunc) error {
	switch f.tracker.kind {
	case kind:
		return nil
	case TrackerScalar:
	default:
		return p.unexpected(errors.PhaseNavigate, f, kind)
	}
	if !f.isInit {
		c, err := safecast.Conv[uint32](capacity)
		if err != nil {
			return errors.Overflow(errors.PhaseNavigate, p.path(), capacity, "u32")
		}
		if err := initFn(p.mem, p.alloc, f.addr, c); err != nil {
			return errors.WithPath(errors.PhaseNavigate, err, p.path())
		}
		f.isInit = true
	}
	f.tracker.kind = kind
	f.tracker.mapState = mapIdle
	return nil
}

// BeginKey pushes a frame for the key of the next map entry.
func (p *Partial) BeginKey() error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if err := p.initMap(f, 0); err != nil {
		return err
	}
	if f.shape.Kind != shape.KindMap {
		return p.wrongShape(errors.PhaseNavigate, f, "map")
	}
	if f.tracker.mapState != mapIdle {
		return p.failed(errors.PhaseNavigate, f, "a key is already staged; begin its value first")
	}
	child, err := p.stagedChild(f.shape.Key, TrackedBuffer, roleKey, "<key>")
	if err != nil {
		return err
	}
	f.tracker.mapState = mapPushingKey
	p.push(child)
	return nil
}

// BeginValue pushes a frame for the value of the entry whose key was just
// ended.
func (p *Partial) BeginValue() error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if f.shape.Kind != shape.KindMap || f.tracker.kind != TrackerMap {
		return p.wrongShape(errors.PhaseNavigate, f, "map")
	}
	if f.tracker.mapState != mapKeyReady {
		return p.failed(errors.PhaseNavigate, f, "no key is staged")
	}
	child, err := p.stagedChild(f.shape.Value, TrackedBuffer, roleValue, p.keySegment(f))
	if err != nil {
		return err
	}
	f.tracker.mapState = mapPushingValue
	p.push(child)
	return nil
}

// keySegment renders the staged key for paths when it is a string.
func (p *Partial) keySegment(f *frame) string {
	if k := f.shape.Key; k.Kind == shape.KindScalar && k.Scalar == shape.ScalarString {
		if s, err := shape.ReadString(p.mem, f.tracker.key.addr); err == nil {
			return s
		}
	}
	return "<value>"
}

// BeginObjectEntry pushes a frame for the entry named key. It works on
// dynamic objects, string-keyed maps and structs, where it names a field.
func (p *Partial) BeginObjectEntry(key string) error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	switch f.shape.Kind {
	case shape.KindStruct:
		return p.BeginField(key)
	case shape.KindDynamic:
		if err := p.initDynamic(f, dynObject); err != nil {
			return err
		}
		child, err := p.stagedChild(f.shape, TrackedBuffer, roleDynEntry, key)
		if err != nil {
			return err
		}
		child.key = key
		f.tracker.inFlight = true
		p.push(child)
		return nil
	case shape.KindMap:
	default:
		return p.wrongShape(errors.PhaseNavigate, f, "object")
	}

	if k := f.shape.Key; k.Kind != shape.KindScalar || k.Scalar != shape.ScalarString {
		return p.failed(errors.PhaseNavigate, f, "object entries need string keys")
	}
	if err := p.initMap(f, 0); err != nil {
		return err
	}
	if f.tracker.mapState != mapIdle {
		return p.failed(errors.PhaseNavigate, f, "a key is already staged; begin its value first")
	}
	b, err := p.stage(f.shape.Key)
	if err != nil {
		return errors.WithPath(errors.PhaseAlloc, err, p.path())
	}
	if err := shape.WriteString(p.mem, p.alloc, b.addr, key); err != nil {
		p.free(b)
		return errors.WithPath(errors.PhaseNavigate, err, p.path())
	}
	f.tracker.key = b
	f.tracker.mapState = mapKeyReady
	if err := p.BeginValue(); err != nil {
		_ = f.shape.Key.DropInPlace(p.mem, p.alloc, b.addr)
		p.free(b)
		f.tracker.key = block{}
		f.tracker.mapState = mapIdle
		return err
	}
	return nil
}

// BeginSetItem pushes a frame for the next element of the current set.
func (p *Partial) BeginSetItem() error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if err := p.initSet(f); err != nil {
		return err
	}
	if f.tracker.inFlight {
		return p.failed(errors.PhaseNavigate, f, "an item is already in flight")
	}
	child, err := p.stagedChild(f.shape.Elem, TrackedBuffer, roleSetItem, "<item>")
	if err != nil {
		return err
	}
	f.tracker.inFlight = true
	p.push(child)
	return nil
}
