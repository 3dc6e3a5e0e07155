package builder

import (
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/partial"
	"github.com/wippyai/partial/builder/internal/rope"
	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape"
	"github.com/wippyai/partial/transcoder"
)

type state uint8

const (
	stateActive state = iota
	stateBuilt
	stateDiscarded
)

// Partial builds one value of a shape in linear memory, part by part.
//
// Navigation methods push a frame for a sub-value, terminal methods set the
// current frame and End pops it, moving the finished value into its parent.
// A Partial is not safe for concurrent use.
type Partial struct {
	mem   partial.Memory
	alloc partial.Allocator
	opts  options
	log   *zap.Logger
	enc   *transcoder.Encoder

	frames   []*frame
	state    state
	deferred *deferral
}

// Alloc allocates storage for sh and returns a builder whose root frame
// owns it.
func Alloc(mem partial.Memory, alloc partial.Allocator, sh *shape.Shape, opts ...Option) (*Partial, error) {
	if err := checkRootShape(sh); err != nil {
		return nil, err
	}
	align := max(sh.Align, 1)
	addr, err := alloc.Alloc(sh.Size, align)
	if err != nil {
		return nil, errors.AllocationFailed(errors.PhaseAlloc, sh.Size, align, err)
	}
	p := newPartial(mem, alloc, opts)
	p.frames = []*frame{{
		addr:    addr,
		shape:   sh,
		tracker: newTracker(),
		own:     Owned,
		role:    roleRoot,
		segment: sh.Name,
		size:    sh.Size,
		align:   align,
	}}
	p.log.Debug("builder allocated",
		zap.String("shape", sh.Name),
		zap.Uint32("addr", addr),
		zap.Uint32("size", sh.Size))
	return p, nil
}

// AllocInPlace returns a builder over caller-owned memory at addr. The
// builder never frees the root block.
func AllocInPlace(mem partial.Memory, alloc partial.Allocator, addr uint32, sh *shape.Shape, opts ...Option) (*Partial, error) {
	if err := checkRootShape(sh); err != nil {
		return nil, err
	}
	if addr == 0 && sh.Size > 0 {
		return nil, errors.InvalidData(errors.PhaseAlloc, nil, "in-place address is null")
	}
	p := newPartial(mem, alloc, opts)
	p.frames = []*frame{{
		addr:    addr,
		shape:   sh,
		tracker: newTracker(),
		own:     BorrowedInPlace,
		role:    roleRoot,
		segment: sh.Name,
	}}
	return p, nil
}

func checkRootShape(sh *shape.Shape) error {
	if sh == nil {
		return errors.InvalidData(errors.PhaseAlloc, nil, "shape is nil")
	}
	if sh.Unsized {
		return errors.Unsized(errors.PhaseAlloc, sh.Name)
	}
	return nil
}

func newPartial(mem partial.Memory, alloc partial.Allocator, opts []Option) *Partial {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = Logger()
	}
	return &Partial{
		mem:   mem,
		alloc: alloc,
		opts:  o,
		log:   log,
		enc:   transcoder.NewEncoder(mem, alloc),
	}
}

// IsActive reports whether the builder can still be driven.
func (p *Partial) IsActive() bool {
	return p.state == stateActive
}

// Shape returns the shape of the current frame.
func (p *Partial) Shape() *shape.Shape {
	if len(p.frames) == 0 {
		return nil
	}
	return p.top().shape
}

// RootShape returns the shape being built.
func (p *Partial) RootShape() *shape.Shape {
	if len(p.frames) == 0 {
		return nil
	}
	return p.frames[0].shape
}

// Depth returns the number of frames on the stack.
func (p *Partial) Depth() int {
	return len(p.frames)
}

// Path renders the current position, e.g. "Order.items.[2].name".
func (p *Partial) Path() string {
	segs := make([]string, len(p.frames))
	for i, f := range p.frames {
		segs[i] = f.segment
	}
	return strings.Join(segs, ".")
}

// Frames returns a snapshot of the frame stack, root first.
func (p *Partial) Frames() []FrameInfo {
	out := make([]FrameInfo, len(p.frames))
	for i, f := range p.frames {
		out[i] = FrameInfo{
			Shape:       f.shape.Name,
			Kind:        f.shape.Kind,
			Tracker:     f.tracker.kind,
			Ownership:   f.own,
			Initialized: f.isInit,
			Addr:        f.addr,
			Segment:     f.segment,
		}
	}
	return out
}

func (p *Partial) top() *frame {
	return p.frames[len(p.frames)-1]
}

// path returns the segments below the root, used in errors.
func (p *Partial) path() []string {
	if len(p.frames) <= 1 {
		return nil
	}
	segs := make([]string, len(p.frames)-1)
	for i, f := range p.frames[1:] {
		segs[i] = f.segment
	}
	return segs
}

func (p *Partial) active(phase errors.Phase) error {
	switch p.state {
	case stateBuilt:
		return errors.OperationFailed(phase, nil, p.rootName(), "builder was already built")
	case stateDiscarded:
		return errors.OperationFailed(phase, nil, p.rootName(), "builder was discarded")
	}
	if len(p.frames) == 0 {
		return errors.Invariant(phase, nil, "empty frame stack")
	}
	return nil
}

func (p *Partial) rootName() string {
	if len(p.frames) == 0 {
		return ""
	}
	return p.frames[0].shape.Name
}

func (p *Partial) wrongShape(phase errors.Phase, f *frame, expected string) error {
	return errors.WrongShape(phase, p.path(), expected, f.shape.Name)
}

func (p *Partial) failed(phase errors.Phase, f *frame, reason string) error {
	return errors.OperationFailed(phase, p.path(), f.shape.Name, reason)
}

func (p *Partial) unexpected(phase errors.Phase, f *frame, want TrackerKind) error {
	return errors.UnexpectedTracker(phase, p.path(), f.shape.Name, want.String(),
		"frame is tracked as "+f.tracker.kind.String())
}

// begin checks that a navigation method may push a child of the current
// frame and returns the current frame.
func (p *Partial) begin() (*frame, error) {
	if err := p.active(errors.PhaseNavigate); err != nil {
		return nil, err
	}
	f := p.top()
	if p.opts.maxDepth > 0 && len(p.frames) >= p.opts.maxDepth {
		return nil, p.failed(errors.PhaseNavigate, f, "maximum frame depth exceeded")
	}
	return f, nil
}

func (p *Partial) push(f *frame) {
	p.frames = append(p.frames, f)
	p.log.Debug("frame pushed",
		zap.String("path", p.Path()),
		zap.String("shape", f.shape.Name),
		zap.Stringer("ownership", f.own),
		zap.Bool("init", f.isInit))
}

func (p *Partial) pop() {
	f := p.top()
	p.frames = p.frames[:len(p.frames)-1]
	if f.own.freesMemory() {
		p.free(block{addr: f.addr, size: f.size, align: f.align, live: true})
	}
	p.log.Debug("frame popped",
		zap.String("shape", f.shape.Name),
		zap.Int("depth", len(p.frames)))
}

// stage allocates a staging block for one value of sh.
func (p *Partial) stage(sh *shape.Shape) (block, error) {
	if sh.Unsized {
		return block{}, errors.Unsized(errors.PhaseAlloc, sh.Name)
	}
	align := max(sh.Align, 1)
	addr, err := p.alloc.Alloc(sh.Size, align)
	if err != nil {
		return block{}, errors.AllocationFailed(errors.PhaseAlloc, sh.Size, align, err)
	}
	return block{addr: addr, size: sh.Size, align: align, live: true}, nil
}

func (p *Partial) free(b block) {
	if b.live && b.size > 0 {
		p.alloc.Free(b.addr, b.size, b.align)
	}
}

// stagedChild builds a child frame over a fresh staging block.
func (p *Partial) stagedChild(sh *shape.Shape, own Ownership, r role, segment string) (*frame, error) {
	b, err := p.stage(sh)
	if err != nil {
		return nil, errors.WithPath(errors.PhaseAlloc, err, p.path())
	}
	return &frame{
		addr:    b.addr,
		shape:   sh,
		tracker: newTracker(),
		own:     own,
		role:    r,
		segment: segment,
		size:    b.size,
		align:   b.align,
	}, nil
}

// track moves f onto tracker kind want. A frame holding a complete value is
// reinterpreted with every slot marked initialized so nothing is forgotten.
func (p *Partial) track(f *frame, want TrackerKind) error {
	if f.tracker.kind == want {
		return nil
	}
	if f.tracker.kind != TrackerScalar {
		return p.unexpected(errors.PhaseNavigate, f, want)
	}
	t := newTracker()
	t.kind = want
	switch want {
	case TrackerStruct:
		if f.isInit {
			t.fields = FullISet(len(f.shape.Fields))
			f.isInit = false
		}
	case TrackerArray:
		if f.isInit {
			t.fields = FullISet(int(f.shape.Len))
			f.isInit = false
		}
	case TrackerEnum:
		if f.isInit {
			idx, err := f.shape.ReadVariant(p.mem, f.addr)
			if err != nil {
				return errors.WithPath(errors.PhaseNavigate, err, p.path())
			}
			t.variant = idx
			t.fields = FullISet(len(f.shape.Variants[idx].Fields))
			f.isInit = false
		}
	}
	f.tracker = t
	return nil
}

// dropCurrent destroys whatever f holds, fully or per its tracker, and
// resets it to an uninitialized scalar frame. The frame's own block is kept.
func (p *Partial) dropCurrent(f *frame) error {
	var first error
	note := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	note(p.dropStored(f))
	t := &f.tracker

	if t.rope != nil {
		elem := f.elemShape()
		note(t.rope.DropAll(func(addr uint32) error {
			return elem.DropInPlace(p.mem, p.alloc, addr)
		}))
		t.rope = nil
	}
	if t.key.live {
		note(f.shape.Key.DropInPlace(p.mem, p.alloc, t.key.addr))
		p.free(t.key)
		t.key = block{}
	}

	switch {
	case f.isInit:
		note(f.shape.DropInPlace(p.mem, p.alloc, f.addr))
	case t.kind == TrackerStruct:
		for i, fd := range f.shape.Fields {
			if t.fields.Has(i) {
				note(fd.Shape.DropInPlace(p.mem, p.alloc, f.addr+fd.Offset))
			}
		}
	case t.kind == TrackerEnum && t.variant >= 0:
		for i, fd := range f.shape.Variants[t.variant].Fields {
			if t.fields.Has(i) {
				note(fd.Shape.DropInPlace(p.mem, p.alloc, f.addr+fd.Offset))
			}
		}
	case t.kind == TrackerArray:
		stride := f.shape.Elem.Stride()
		for i := 0; i < int(f.shape.Len); i++ {
			if t.fields.Has(i) {
				note(f.shape.Elem.DropInPlace(p.mem, p.alloc, f.addr+uint32(i)*stride))
			}
		}
	}

	f.isInit = false
	f.tracker = newTracker()
	if first != nil {
		p.log.Warn("drop of partially built value failed",
			zap.String("shape", f.shape.Name),
			zap.Error(first))
	}
	return first
}

// replace fills a staging block with fill and, only when that succeeds,
// drops the frame's previous contents and moves the new value in. A failed
// fill leaves the frame untouched.
func (p *Partial) replace(f *frame, phase errors.Phase, fill func(tmp uint32) error) error {
	sh := f.shape
	if sh.Unsized {
		return errors.Unsized(phase, sh.Name)
	}
	tmp, err := p.stage(sh)
	if err != nil {
		return errors.WithPath(phase, err, p.path())
	}
	defer p.free(tmp)

	if err := fill(tmp.addr); err != nil {
		return errors.WithPath(phase, err, p.path())
	}
	if err := p.dropCurrent(f); err != nil {
		_ = sh.DropInPlace(p.mem, p.alloc, tmp.addr)
		return errors.WithPath(errors.PhaseDrop, err, p.path())
	}
	if err := sh.MoveBytes(p.mem, f.addr, tmp.addr); err != nil {
		_ = sh.DropInPlace(p.mem, p.alloc, tmp.addr)
		return errors.WithPath(phase, err, p.path())
	}
	f.isInit = true
	return nil
}

// swap parks the value of sh at addr in a staging block, runs move and then
// drops the parked value. When move fails the parked value is put back.
func (p *Partial) swap(sh *shape.Shape, addr uint32, move func() error) error {
	old, err := p.stage(sh)
	if err != nil {
		return err
	}
	defer p.free(old)
	if err := sh.MoveBytes(p.mem, old.addr, addr); err != nil {
		return err
	}
	if err := move(); err != nil {
		if rerr := sh.MoveBytes(p.mem, addr, old.addr); rerr != nil {
			return rerr
		}
		return err
	}
	if err := sh.DropInPlace(p.mem, p.alloc, old.addr); err != nil {
		p.log.Warn("drop of replaced value failed",
			zap.String("shape", sh.Name),
			zap.Error(err))
	}
	return nil
}

func (p *Partial) newRope(elem *shape.Shape) *rope.Rope {
	return rope.New(p.alloc, elem.Size, elem.Align, p.opts.ropeChunk, p.log)
}
