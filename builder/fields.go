package builder

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/wippyai/partial/errors"
	"github.com/wippyai/partial/shape"
)

// FieldIndex returns the index of the named field of the current struct, or
// of the selected variant of the current enum. It returns -1 when absent.
func (p *Partial) FieldIndex(name string) int {
	if len(p.frames) == 0 {
		return -1
	}
	f := p.top()
	switch f.shape.Kind {
	case shape.KindStruct:
		return f.shape.FieldIndex(name)
	case shape.KindEnum:
		v := p.selected(f)
		if v < 0 {
			return -1
		}
		for i, fd := range f.shape.Variants[v].Fields {
			if fd.Name == name {
				return i
			}
		}
	}
	return -1
}

// IsFieldSet reports whether field i of the current struct is initialized.
func (p *Partial) IsFieldSet(i int) (bool, error) {
	if err := p.active(errors.PhaseNavigate); err != nil {
		return false, err
	}
	f := p.top()
	n, err := p.fieldCount(f)
	if err != nil {
		return false, err
	}
	if i < 0 || i >= n {
		return false, errors.OutOfBounds(errors.PhaseNavigate, p.path(), i, n)
	}
	if f.isInit {
		return true, nil
	}
	switch f.tracker.kind {
	case TrackerStruct, TrackerEnum:
		return f.tracker.fields.Has(i), nil
	}
	return false, nil
}

func (p *Partial) fieldCount(f *frame) (int, error) {
	switch f.shape.Kind {
	case shape.KindStruct:
		return len(f.shape.Fields), nil
	case shape.KindEnum:
		v := p.selected(f)
		if v < 0 {
			return 0, p.failed(errors.PhaseNavigate, f, "no variant selected")
		}
		return len(f.shape.Variants[v].Fields), nil
	}
	return 0, p.wrongShape(errors.PhaseNavigate, f, "struct or enum")
}

// BeginField pushes a frame for the named field. On an enum frame it names a
// field of the selected variant.
func (p *Partial) BeginField(name string) error {
	if err := p.active(errors.PhaseNavigate); err != nil {
		return err
	}
	f := p.top()
	if f.shape.Kind == shape.KindEnum {
		idx := p.FieldIndex(name)
		if idx < 0 {
			return errors.NoSuchField(errors.PhaseNavigate, p.path(), f.shape.Name, name)
		}
		return p.BeginNthEnumField(idx)
	}
	if f.shape.Kind != shape.KindStruct {
		return p.wrongShape(errors.PhaseNavigate, f, "struct")
	}
	idx := f.shape.FieldIndex(name)
	if idx < 0 {
		return errors.NoSuchField(errors.PhaseNavigate, p.path(), f.shape.Name, name)
	}
	return p.BeginNthField(idx)
}

// BeginNthField pushes a frame for struct field idx. Initialization of the
// field moves to the child until it ends.
func (p *Partial) BeginNthField(idx int) error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if f.shape.Kind != shape.KindStruct {
		return p.wrongShape(errors.PhaseNavigate, f, "struct")
	}
	fields := f.shape.Fields
	if len(fields) > ISetCapacity {
		return p.failed(errors.PhaseNavigate, f, "structs with more than 64 fields are not supported")
	}
	if idx < 0 || idx >= len(fields) {
		return errors.OutOfBounds(errors.PhaseNavigate, p.path(), idx, len(fields))
	}
	if err := p.track(f, TrackerStruct); err != nil {
		return err
	}
	p.pushSlot(f, fields[idx], idx, roleField)
	return nil
}

// pushSlot pushes a frame for a field living inside f and hands the
// initialization obligation for slot idx to it. A frame kept aside in
// deferred mode is pushed back as it was.
func (p *Partial) pushSlot(f *frame, fd shape.Field, idx int, r role) {
	if child := p.resume(f, idx); child != nil {
		p.push(child)
		return
	}
	child := &frame{
		addr:    f.addr + fd.Offset,
		shape:   fd.Shape,
		tracker: newTracker(),
		own:     Field,
		role:    r,
		index:   idx,
		segment: fd.Name,
	}
	if f.tracker.fields.Has(idx) {
		child.isInit = true
		f.tracker.fields.Unset(idx)
	}
	p.push(child)
}

// StealNthField moves field idx out of src's current frame into the same
// field of this builder's current frame, replacing any value there. Both
// frames must have the same struct shape and live in the same memory. The
// field is left uninitialized in src.
func (p *Partial) StealNthField(src *Partial, idx int) error {
	if err := p.active(errors.PhaseSet); err != nil {
		return err
	}
	dst := p.top()
	if src == nil || src == p {
		return p.failed(errors.PhaseSet, dst, "source must be another builder")
	}
	if err := src.active(errors.PhaseSet); err != nil {
		return err
	}
	from := src.top()
	if from.shape != dst.shape {
		return errors.WrongShape(errors.PhaseSet, p.path(), dst.shape.Name, from.shape.Name)
	}
	if dst.shape.Kind != shape.KindStruct {
		return p.wrongShape(errors.PhaseSet, dst, "struct")
	}
	if src.mem != p.mem {
		return p.failed(errors.PhaseSet, dst, "source builder uses a different memory")
	}
	fields := dst.shape.Fields
	if idx < 0 || idx >= len(fields) {
		return errors.OutOfBounds(errors.PhaseSet, p.path(), idx, len(fields))
	}
	if len(fields) > ISetCapacity {
		return p.failed(errors.PhaseSet, dst, "structs with more than 64 fields are not supported")
	}
	if p.hasStored(dst, idx) {
		return p.failed(errors.PhaseSet, dst, "field "+fields[idx].Name+" has a deferred frame")
	}
	if !from.isInit && (from.tracker.kind != TrackerStruct || !from.tracker.fields.Has(idx)) {
		return errors.New(errors.PhaseSet, errors.KindOperationFailed).
			Path(src.path()...).
			Shape(from.shape.Name).
			Detail("field %s is not initialized in the source", fields[idx].Name).
			Build()
	}
	if err := p.track(dst, TrackerStruct); err != nil {
		return err
	}
	if err := src.track(from, TrackerStruct); err != nil {
		return err
	}

	fd := fields[idx]
	at, addr := dst.addr+fd.Offset, from.addr+fd.Offset
	move := func() error { return fd.Shape.MoveBytes(p.mem, at, addr) }
	var err error
	if dst.tracker.fields.Has(idx) {
		err = p.swap(fd.Shape, at, move)
	} else {
		err = move()
	}
	if err != nil {
		return errors.WithPath(errors.PhaseSet, err, p.path())
	}
	dst.tracker.fields.Set(idx)
	from.tracker.fields.Unset(idx)
	p.log.Debug("field stolen",
		zap.String("shape", dst.shape.Name),
		zap.String("field", fd.Name))
	return nil
}

// BeginInner pushes a frame for the value wrapped by a transparent shape.
// Ending it initializes the wrapper.
func (p *Partial) BeginInner() error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if f.shape.Inner == nil {
		return p.wrongShape(errors.PhaseNavigate, f, "transparent wrapper")
	}
	if f.tracker.kind != TrackerScalar {
		return p.unexpected(errors.PhaseNavigate, f, TrackerScalar)
	}
	child := &frame{
		addr:    f.addr,
		shape:   f.shape.Inner,
		tracker: newTracker(),
		own:     Field,
		role:    roleInner,
		segment: "inner",
		isInit:  f.isInit,
	}
	f.isInit = false
	p.push(child)
	return nil
}

// SetNthFieldToDefault initializes struct field idx with its default,
// replacing any previous value.
func (p *Partial) SetNthFieldToDefault(idx int) error {
	if err := p.BeginNthField(idx); err != nil {
		return err
	}
	if err := p.SetDefault(); err != nil {
		p.abandonTop()
		return err
	}
	return p.End()
}

// abandonTop pops a field frame after a failed terminal operation. The slot
// obligation returns to the parent exactly as it was before the push.
func (p *Partial) abandonTop() {
	child := p.top()
	parent := p.frames[len(p.frames)-2]
	if child.isInit {
		parent.tracker.fields.Set(child.index)
	}
	p.frames = p.frames[:len(p.frames)-1]
}

// SelectVariant selects the variant with discriminant d and writes its tag.
func (p *Partial) SelectVariant(d int64) error {
	f, err := p.enumFrame()
	if err != nil {
		return err
	}
	idx := f.shape.VariantByDiscriminant(d)
	if idx < 0 {
		return errors.New(errors.PhaseNavigate, errors.KindNoSuchField).
			Path(p.path()...).
			Shape(f.shape.Name).
			Value(d).
			Detail("no variant with discriminant %d", d).
			Build()
	}
	return p.selectVariant(f, idx)
}

// SelectNthVariant selects variant idx by position.
func (p *Partial) SelectNthVariant(idx int) error {
	f, err := p.enumFrame()
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(f.shape.Variants) {
		return errors.OutOfBounds(errors.PhaseNavigate, p.path(), idx, len(f.shape.Variants))
	}
	return p.selectVariant(f, idx)
}

// SelectVariantNamed selects a variant by name.
func (p *Partial) SelectVariantNamed(name string) error {
	f, err := p.enumFrame()
	if err != nil {
		return err
	}
	idx := f.shape.VariantIndex(name)
	if idx < 0 {
		return errors.NoSuchField(errors.PhaseNavigate, p.path(), f.shape.Name, name)
	}
	return p.selectVariant(f, idx)
}

// SelectedVariant returns the selected variant of the current enum frame.
func (p *Partial) SelectedVariant() (shape.Variant, bool) {
	if len(p.frames) == 0 {
		return shape.Variant{}, false
	}
	f := p.top()
	if f.shape.Kind != shape.KindEnum {
		return shape.Variant{}, false
	}
	v := p.selected(f)
	if v < 0 {
		return shape.Variant{}, false
	}
	return f.shape.Variants[v], true
}

// selected returns the variant index of an enum frame, reading the tag of a
// complete value, or -1.
func (p *Partial) selected(f *frame) int {
	if f.tracker.kind == TrackerEnum {
		return f.tracker.variant
	}
	if f.isInit {
		if idx, err := f.shape.ReadVariant(p.mem, f.addr); err == nil {
			return idx
		}
	}
	return -1
}

func (p *Partial) enumFrame() (*frame, error) {
	if err := p.active(errors.PhaseNavigate); err != nil {
		return nil, err
	}
	f := p.top()
	if f.shape.Kind != shape.KindEnum {
		return nil, p.wrongShape(errors.PhaseNavigate, f, "enum")
	}
	if f.shape.Repr == shape.ReprNiche {
		return nil, p.failed(errors.PhaseNavigate, f, "niche-optimized enum representation is not supported")
	}
	return f, nil
}

func (p *Partial) selectVariant(f *frame, idx int) error {
	v := f.shape.Variants[idx]
	if f.tracker.kind == TrackerEnum && f.tracker.variant >= 0 {
		if f.tracker.variant == idx {
			return nil
		}
		return p.failed(errors.PhaseNavigate, f,
			"variant "+f.shape.Variants[f.tracker.variant].Name+" is already selected")
	}
	if f.tracker.kind != TrackerScalar && f.tracker.kind != TrackerEnum {
		return p.unexpected(errors.PhaseNavigate, f, TrackerEnum)
	}
	if len(v.Fields) > ISetCapacity {
		return p.failed(errors.PhaseNavigate, f, "variants with more than 64 fields are not supported")
	}
	if !v.HasDiscriminant {
		return p.failed(errors.PhaseNavigate, f, "variant "+v.Name+" has no discriminant")
	}
	if f.isInit {
		if p.selected(f) == idx {
			return p.track(f, TrackerEnum)
		}
		if err := p.dropCurrent(f); err != nil {
			return errors.WithPath(errors.PhaseDrop, err, p.path())
		}
	}
	if err := f.shape.WriteDiscriminant(p.mem, f.addr, idx); err != nil {
		return errors.WithPath(errors.PhaseNavigate, err, p.path())
	}
	t := newTracker()
	t.kind = TrackerEnum
	t.variant = idx
	f.tracker = t
	return nil
}

// BeginNthEnumField pushes a frame for field idx of the selected variant.
func (p *Partial) BeginNthEnumField(idx int) error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if f.shape.Kind != shape.KindEnum {
		return p.wrongShape(errors.PhaseNavigate, f, "enum")
	}
	if f.tracker.kind == TrackerScalar && f.isInit {
		if err := p.track(f, TrackerEnum); err != nil {
			return err
		}
	}
	if f.tracker.kind != TrackerEnum || f.tracker.variant < 0 {
		return p.failed(errors.PhaseNavigate, f, "no variant selected")
	}
	fields := f.shape.Variants[f.tracker.variant].Fields
	if idx < 0 || idx >= len(fields) {
		return errors.OutOfBounds(errors.PhaseNavigate, p.path(), idx, len(fields))
	}
	p.pushSlot(f, fields[idx], idx, roleEnumField)
	return nil
}

// InitArray prepares the current fixed-size array frame for element pushes.
// It is a no-op on an array frame that is already tracked.
func (p *Partial) InitArray() error {
	if err := p.active(errors.PhaseNavigate); err != nil {
		return err
	}
	return p.initArray(p.top())
}

func (p *Partial) initArray(f *frame) error {
	if f.shape.Kind != shape.KindArray || f.shape.Unsized {
		return p.wrongShape(errors.PhaseNavigate, f, "array")
	}
	if f.shape.Len > MaxArrayLen {
		return p.failed(errors.PhaseNavigate, f,
			"arrays with more than "+strconv.Itoa(MaxArrayLen)+" elements are not supported")
	}
	return p.track(f, TrackerArray)
}

// BeginNthElement pushes a frame for array element idx.
func (p *Partial) BeginNthElement(idx int) error {
	f, err := p.begin()
	if err != nil {
		return err
	}
	if err := p.initArray(f); err != nil {
		return err
	}
	n := int(f.shape.Len)
	if idx < 0 || idx >= n {
		return errors.OutOfBounds(errors.PhaseNavigate, p.path(), idx, n)
	}
	fd := shape.Field{
		Name:   "[" + strconv.Itoa(idx) + "]",
		Shape:  f.shape.Elem,
		Offset: uint32(idx) * f.shape.Elem.Stride(),
	}
	p.pushSlot(f, fd, idx, roleElement)
	f.tracker.current = idx + 1
	return nil
}
