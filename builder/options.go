package builder

import "go.uber.org/zap"

// ListStaging selects where list elements are built.
type ListStaging uint8

const (
	// ListStagingAuto builds elements directly in the list's spare capacity
	// when the list supports it and falls back to a rope otherwise.
	ListStagingAuto ListStaging = iota
	// ListStagingRope always stages elements in a rope and pushes them when
	// the list frame ends.
	ListStagingRope
)

func (s ListStaging) String() string {
	if s == ListStagingRope {
		return "rope"
	}
	return "auto"
}

// DefaultMaxDepth bounds the frame stack.
const DefaultMaxDepth = 512

// Option configures a builder.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	ropeChunk uint32
	staging   ListStaging
	maxDepth  int
}

func defaultOptions() options {
	return options{maxDepth: DefaultMaxDepth}
}

// WithLogger sets the builder's logger. The package logger is used otherwise.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRopeChunkCapacity sets the number of elements per rope chunk.
func WithRopeChunkCapacity(n uint32) Option {
	return func(o *options) { o.ropeChunk = n }
}

// WithListStaging selects the list staging policy.
func WithListStaging(s ListStaging) Option {
	return func(o *options) { o.staging = s }
}

// WithMaxDepth limits how deep frames may nest. Zero disables the limit.
func WithMaxDepth(n int) Option {
	return func(o *options) { o.maxDepth = n }
}
