// Package errors provides structured error types for the partial builder.
//
// Errors are categorized by Phase (which operation failed) and Kind (error category).
// The Error type includes rich context: frame path, shape names, and cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseNavigate, errors.KindOperationFailed).
//		Path("Pair", "b").
//		Shape("String").
//		Detail("init_list on a non-list shape").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.WrongShape(errors.PhaseSet, path, "u64", "String")
//	err := errors.OutOfBounds(errors.PhaseNavigate, path, 10, 5)
//
// All errors implement the standard error interface and support errors.Is/As.
// The Err* sentinels match on Kind regardless of Phase:
//
//	if errors.Is(err, perrors.ErrEndWithIncomplete) { ... }
package errors
