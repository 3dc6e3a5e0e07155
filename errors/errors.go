package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which builder operation produced the error
type Phase string

const (
	PhaseShape       Phase = "shape"       // shape construction and derivation
	PhaseMemory      Phase = "memory"      // linear memory access
	PhaseAlloc       Phase = "alloc"       // builder allocation
	PhaseNavigate    Phase = "navigate"    // begin_* / select_* / init_*
	PhaseSet         Phase = "set"         // set / set_default / parse
	PhaseEnd         Phase = "end"         // frame pop and move-finalization
	PhaseBuild       Phase = "build"       // final collapse into a heap value
	PhaseDrop        Phase = "drop"        // teardown of partial values
	PhaseMaterialize Phase = "materialize" // heap value to Go value
	PhaseEncode      Phase = "encode"      // Go value to memory
	PhaseDecode      Phase = "decode"      // memory to Go value
)

// Kind categorizes the error
type Kind string

const (
	KindWrongShape        Kind = "wrong_shape"
	KindOperationFailed   Kind = "operation_failed"
	KindNoSuchField       Kind = "no_such_field"
	KindEndAtRoot         Kind = "end_at_root"
	KindEndWithIncomplete Kind = "end_with_incomplete"
	KindUnexpectedTracker Kind = "unexpected_tracker"
	KindUnsized           Kind = "unsized"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindAllocation        Kind = "allocation"
	KindParse             Kind = "parse"
	KindUnsupported       Kind = "unsupported"
	KindInvalidData       Kind = "invalid_data"
	KindInvariant         Kind = "invariant"
	KindMoved             Kind = "moved"
	KindOverflow          Kind = "overflow"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value    any
	Cause    error
	Phase    Phase
	Kind     Kind
	Shape    string
	Expected string
	Detail   string
	Path     []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Shape != "" || e.Expected != "" {
		b.WriteString(": ")
		if e.Shape != "" && e.Expected != "" {
			b.WriteString("expected ")
			b.WriteString(e.Expected)
			b.WriteString(", got ")
			b.WriteString(e.Shape)
		} else if e.Shape != "" {
			b.WriteString("shape ")
			b.WriteString(e.Shape)
		} else {
			b.WriteString("expected ")
			b.WriteString(e.Expected)
		}
	}

	if e.Detail != "" {
		if e.Shape != "" || e.Expected != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// An empty Phase on the target matches any phase.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase != "" && e.Phase != t.Phase {
			return false
		}
		return e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the frame path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Shape sets the name of the shape the operation ran against
func (b *Builder) Shape(name string) *Builder {
	b.err.Shape = name
	return b
}

// Expected sets the name of the shape the operation wanted
func (b *Builder) Expected(name string) *Builder {
	b.err.Expected = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is matching on kind alone.
var (
	ErrWrongShape        = &Error{Kind: KindWrongShape}
	ErrOperationFailed   = &Error{Kind: KindOperationFailed}
	ErrNoSuchField       = &Error{Kind: KindNoSuchField}
	ErrEndAtRoot         = &Error{Kind: KindEndAtRoot}
	ErrEndWithIncomplete = &Error{Kind: KindEndWithIncomplete}
	ErrUnexpectedTracker = &Error{Kind: KindUnexpectedTracker}
	ErrUnsized           = &Error{Kind: KindUnsized}
	ErrOutOfBounds       = &Error{Kind: KindOutOfBounds}
	ErrAllocation        = &Error{Kind: KindAllocation}
	ErrParse             = &Error{Kind: KindParse}
	ErrUnsupported       = &Error{Kind: KindUnsupported}
	ErrInvalidData       = &Error{Kind: KindInvalidData}
	ErrOverflow          = &Error{Kind: KindOverflow}
	ErrInvariant         = &Error{Kind: KindInvariant}
	ErrMoved             = &Error{Kind: KindMoved}
)

// Convenience constructors for common error patterns

// WrongShape creates a shape mismatch error
func WrongShape(phase Phase, path []string, expected, actual string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindWrongShape,
		Path:     path,
		Expected: expected,
		Shape:    actual,
	}
}

// OperationFailed reports an operation the shape cannot perform
func OperationFailed(phase Phase, path []string, shape, reason string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOperationFailed,
		Path:   path,
		Shape:  shape,
		Detail: reason,
	}
}

// NoSuchField creates a missing field error
func NoSuchField(phase Phase, path []string, shape, field string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNoSuchField,
		Path:   path,
		Shape:  shape,
		Detail: fmt.Sprintf("no field %q", field),
		Value:  field,
	}
}

// EndAtRoot is returned when end is called with only the root frame left
func EndAtRoot(path []string, shape string) *Error {
	return &Error{
		Phase:  PhaseEnd,
		Kind:   KindEndAtRoot,
		Path:   path,
		Shape:  shape,
		Detail: "cannot end the root frame",
	}
}

// EndWithIncomplete reports a frame that still has uninitialized parts
func EndWithIncomplete(phase Phase, path []string, shape, missing string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindEndWithIncomplete,
		Path:   path,
		Shape:  shape,
		Detail: missing,
	}
}

// UnexpectedTracker reports a tracker state that does not match the operation
func UnexpectedTracker(phase Phase, path []string, shape, tracker, detail string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindUnexpectedTracker,
		Path:     path,
		Shape:    shape,
		Expected: tracker,
		Detail:   detail,
	}
}

// Unsized creates an error for allocating a dynamically-sized shape
func Unsized(phase Phase, shape string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsized,
		Shape:  shape,
		Detail: "shape has no static size",
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint32, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
		Cause:  cause,
	}
}

// ParseFailed creates a parse error keeping the parser's own error as cause
func ParseFailed(path []string, shape string, input any, cause error) *Error {
	return &Error{
		Phase:  PhaseSet,
		Kind:   KindParse,
		Path:   path,
		Shape:  shape,
		Detail: "parse failed",
		Value:  input,
		Cause:  cause,
	}
}

// Invariant reports a broken internal invariant. These are bugs, not user errors.
func Invariant(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvariant,
		Path:   path,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, path []string, value any, target string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindOverflow,
		Path:     path,
		Expected: target,
		Detail:   fmt.Sprintf("value %v overflows %s", value, target),
		Value:    value,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// WithPath returns err with its path replaced when err is an *Error without one.
// Other errors are wrapped as invalid data at the given phase.
func WithPath(phase Phase, err error, path []string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		if len(e.Path) == 0 {
			cp := *e
			cp.Path = path
			return &cp
		}
		return e
	}
	return &Error{
		Phase: phase,
		Kind:  KindInvalidData,
		Path:  path,
		Cause: err,
	}
}
