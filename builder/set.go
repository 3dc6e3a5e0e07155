package builder

import (
	"github.com/wippyai/partial/errors"
)

// Set encodes the Go value v into the current frame, replacing any previous
// value. v must have the frame shape's Go type; a *HeapValue is moved in
// with SetFrom.
func (p *Partial) Set(v any) error {
	if err := p.active(errors.PhaseSet); err != nil {
		return err
	}
	if hv, ok := v.(*HeapValue); ok {
		return p.SetFrom(hv)
	}
	f := p.top()
	return p.replace(f, errors.PhaseSet, func(tmp uint32) error {
		return p.enc.Encode(f.shape, tmp, v)
	})
}

// SetFrom moves a built value into the current frame. The source is left
// moved: its memory is released without dropping and it can no longer be
// used.
func (p *Partial) SetFrom(hv *HeapValue) error {
	if err := p.active(errors.PhaseSet); err != nil {
		return err
	}
	f := p.top()
	if hv == nil {
		return errors.InvalidData(errors.PhaseSet, p.path(), "heap value is nil")
	}
	if hv.moved {
		return hv.movedError(errors.PhaseSet)
	}
	if hv.shape != f.shape {
		return errors.WrongShape(errors.PhaseSet, p.path(), f.shape.Name, hv.shape.Name)
	}
	if hv.mem != p.mem {
		return p.failed(errors.PhaseSet, f, "heap value lives in a different memory")
	}
	if err := p.dropCurrent(f); err != nil {
		return errors.WithPath(errors.PhaseDrop, err, p.path())
	}
	if err := f.shape.MoveBytes(p.mem, f.addr, hv.addr); err != nil {
		return errors.WithPath(errors.PhaseSet, err, p.path())
	}
	f.isInit = true
	hv.release()
	return nil
}

// SetDefault initializes the current frame with its shape's default.
func (p *Partial) SetDefault() error {
	if err := p.active(errors.PhaseSet); err != nil {
		return err
	}
	f := p.top()
	if !f.shape.HasDefault() {
		return p.failed(errors.PhaseSet, f, "shape has no default")
	}
	return p.replace(f, errors.PhaseSet, func(tmp uint32) error {
		return f.shape.DefaultInPlace(p.mem, p.alloc, tmp)
	})
}

// ParseFromStr parses s with the shape's parser into the current frame. On
// failure the frame keeps its previous state.
func (p *Partial) ParseFromStr(s string) error {
	if err := p.active(errors.PhaseSet); err != nil {
		return err
	}
	f := p.top()
	parse := f.shape.VTable.Parse
	if parse == nil {
		return p.failed(errors.PhaseSet, f, "shape cannot be parsed from a string")
	}
	return p.replace(f, errors.PhaseSet, func(tmp uint32) error {
		return p.parseError(f, s, parse(p.mem, p.alloc, tmp, s))
	})
}

// ParseFromBytes parses b with the shape's byte parser into the current
// frame.
func (p *Partial) ParseFromBytes(b []byte) error {
	if err := p.active(errors.PhaseSet); err != nil {
		return err
	}
	f := p.top()
	parse := f.shape.VTable.ParseBytes
	if parse == nil {
		return p.failed(errors.PhaseSet, f, "shape cannot be parsed from bytes")
	}
	return p.replace(f, errors.PhaseSet, func(tmp uint32) error {
		return p.parseError(f, b, parse(p.mem, p.alloc, tmp, b))
	})
}

// parseError keeps the parser's error as the cause of a parse error.
func (p *Partial) parseError(f *frame, input any, err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*errors.Error); ok && e.Kind == errors.KindParse {
		return err
	}
	return errors.ParseFailed(p.path(), f.shape.Name, input, err)
}
