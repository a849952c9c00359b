// Package errors provides structured error types for the psimon library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: the offending field, the syscall that failed,
// the control file path, the OS error number and the cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseBuild, errors.KindInvalidThreshold).
//		Field("window").
//		Value(window).
//		Detail("window %s exceeds maximum %s", window, limits.MaxWindow).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.FieldMissing(errors.PhaseBuild, "resource")
//	err := errors.Kernel(errors.PhaseBuild, "write", "/proc/pressure/cpu", cause)
//
// Three families are distinguished by callers:
//
//	IsConfig  - trigger configuration was incomplete or out of range
//	IsKernel  - a control file or multiplexer syscall failed (carries Errno)
//	IsClosed  - a dispatcher has stopped and every pending event was drained
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
