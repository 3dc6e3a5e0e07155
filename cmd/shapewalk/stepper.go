package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wippyai/partial/builder"
	"github.com/wippyai/partial/memory"
	"github.com/wippyai/partial/shape"
)

// op is one parsed script line.
type op struct {
	name string
	arg  string
}

func (o op) String() string {
	if o.arg == "" {
		return o.name
	}
	return o.name + " " + o.arg
}

// opArgs lists every op and whether it takes an argument.
var opArgs = map[string]bool{
	"field":   true,
	"variant": true,
	"list":    false,
	"item":    false,
	"map":     false,
	"key":     false,
	"value":   false,
	"entry":   true,
	"some":    false,
	"ok":      false,
	"err":     false,
	"ptr":     false,
	"array":   false,
	"elem":    true,
	"set":     true,
	"default": false,
	"inner":   false,
	"end":     false,
	"abandon": false,
	"defer":   false,
	"resolve": false,
}

func parseOp(line string) (op, error) {
	line = strings.TrimSpace(line)
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	takesArg, known := opArgs[name]
	switch {
	case name == "":
		return op{}, fmt.Errorf("empty op")
	case !known:
		return op{}, fmt.Errorf("unknown op %q", name)
	case takesArg && arg == "":
		return op{}, fmt.Errorf("op %q needs an argument", name)
	case !takesArg && arg != "":
		return op{}, fmt.Errorf("op %q takes no argument", name)
	}
	if name == "set" && strings.HasPrefix(arg, `"`) {
		s, err := strconv.Unquote(arg)
		if err != nil {
			return op{}, fmt.Errorf("bad string literal %s: %w", arg, err)
		}
		arg = s
	}
	return op{name: name, arg: arg}, nil
}

// session drives one builder on its own heap.
type session struct {
	heap  *memory.Heap
	p     *builder.Partial
	demo  demo
	steps []op
}

func newSession(d demo, opts ...builder.Option) (*session, error) {
	h := memory.NewHeap()
	p, err := builder.Alloc(h, h, d.shape, opts...)
	if err != nil {
		return nil, err
	}
	return &session{heap: h, p: p, demo: d}, nil
}

// step parses and applies one op. A failed op leaves the builder where it was.
func (s *session) step(line string) error {
	o, err := parseOp(line)
	if err != nil {
		return err
	}
	if err := s.apply(o); err != nil {
		return fmt.Errorf("%s: %w", o, err)
	}
	s.steps = append(s.steps, o)
	return nil
}

func (s *session) apply(o op) error {
	p := s.p
	kind := shape.KindScalar
	if sh := p.Shape(); sh != nil {
		kind = sh.Kind
	}

	switch o.name {
	case "field":
		if i, err := strconv.Atoi(o.arg); err == nil {
			if kind == shape.KindEnum {
				return p.BeginNthEnumField(i)
			}
			return p.BeginNthField(i)
		}
		return p.BeginField(o.arg)
	case "variant":
		if d, err := strconv.ParseInt(o.arg, 10, 64); err == nil {
			return p.SelectVariant(d)
		}
		return p.SelectVariantNamed(o.arg)
	case "list":
		return p.InitList()
	case "item":
		if kind == shape.KindSet {
			return p.BeginSetItem()
		}
		return p.BeginListItem()
	case "map":
		if kind == shape.KindSet {
			return p.InitSet()
		}
		return p.InitMap()
	case "key":
		return p.BeginKey()
	case "value":
		return p.BeginValue()
	case "entry":
		return p.BeginObjectEntry(o.arg)
	case "some":
		return p.BeginSome()
	case "ok":
		return p.BeginOk()
	case "err":
		return p.BeginErr()
	case "ptr":
		return p.BeginSmartPtr()
	case "array":
		return p.InitArray()
	case "elem":
		i, err := strconv.Atoi(o.arg)
		if err != nil {
			return fmt.Errorf("element index: %w", err)
		}
		return p.BeginNthElement(i)
	case "set":
		return p.ParseFromStr(o.arg)
	case "default":
		return p.SetDefault()
	case "inner":
		return p.BeginInner()
	case "end":
		return p.End()
	case "abandon":
		return p.Abandon()
	case "defer":
		return p.BeginDeferred()
	case "resolve":
		return p.FinishDeferred()
	}
	return fmt.Errorf("unknown op %q", o.name)
}

// finish builds the value, decodes it into Go and releases its memory.
func (s *session) finish() (any, error) {
	hv, err := s.p.Build()
	if err != nil {
		return nil, err
	}
	v, err := hv.Decode()
	if ferr := hv.Free(); err == nil {
		err = ferr
	}
	if err != nil {
		return nil, err
	}
	return v, s.checkHeap()
}

// abandon discards the builder and verifies nothing leaked.
func (s *session) abandon() error {
	if err := s.p.Discard(); err != nil {
		return err
	}
	return s.checkHeap()
}

func (s *session) checkHeap() error {
	if faults := s.heap.Faults(); len(faults) > 0 {
		return fmt.Errorf("heap fault: %w", faults[0])
	}
	if n := s.heap.Live(); n > 0 {
		return fmt.Errorf("leaked %d allocations (%d bytes)", n, s.heap.LiveBytes())
	}
	if n := shape.ReleaseDynamic(s.heap); n > 0 {
		return fmt.Errorf("leaked %d dynamic values", n)
	}
	return nil
}
