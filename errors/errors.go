package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseBuild    Phase = "build"    // trigger validation and arming
	PhaseRegister Phase = "register" // registry bookkeeping
	PhaseStart    Phase = "start"    // dispatcher start and multiplexer setup
	PhaseDispatch Phase = "dispatch" // readiness wait loop
	PhaseReceive  Phase = "receive"  // event delivery to the caller
	PhaseClose    Phase = "close"    // teardown
	PhaseConfig   Phase = "config"   // configuration file loading
)

// Kind categorizes the error
type Kind string

const (
	KindFieldMissing     Kind = "field_missing"
	KindInvalidThreshold Kind = "invalid_threshold"
	KindUnsupported      Kind = "unsupported"
	KindKernel           Kind = "kernel"
	KindClosed           Kind = "closed"
	KindNotStarted       Kind = "not_started"
	KindAlreadyStarted   Kind = "already_started"
	KindFrozen           Kind = "frozen"
	KindNotFound         Kind = "not_found"
	KindInvalidInput     Kind = "invalid_input"
)

// ErrClosed matches any error reporting a stopped and drained dispatcher.
var ErrClosed = &Error{Kind: KindClosed}

// Error is the structured error type used throughout psimon
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Field  string
	Op     string
	Path   string
	Detail string
	Errno  unix.Errno
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Field != "" {
		b.WriteString(" at ")
		b.WriteString(e.Field)
	}

	if e.Op != "" || e.Path != "" {
		b.WriteString(": ")
		switch {
		case e.Op != "" && e.Path != "":
			b.WriteString(e.Op)
			b.WriteByte(' ')
			b.WriteString(e.Path)
		case e.Op != "":
			b.WriteString(e.Op)
		default:
			b.WriteString(e.Path)
		}
	}

	if e.Detail != "" {
		if e.Op != "" || e.Path != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Errno != 0 {
		fmt.Fprintf(&b, " (errno %d: %s)", int(e.Errno), e.Errno.Error())
	} else if e.Cause != nil {
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
// A target without a Phase matches errors of its Kind in any phase.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && e.Phase != t.Phase {
		return false
	}
	return e.Kind == t.Kind
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

// Field sets the name of the offending configuration field
func (b *Builder) Field(name string) *Builder {
	b.err.Field = name
	return b
}

// Op sets the syscall or operation that failed
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Path sets the file the operation targeted
func (b *Builder) Path(path string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error and extracts its errno, if any
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	var errno unix.Errno
	if stderrors.As(err, &errno) {
		b.err.Errno = errno
	}
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

// Convenience constructors for common error patterns

// FieldMissing creates a missing configuration field error
func FieldMissing(phase Phase, field string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindFieldMissing,
		Field:  field,
		Detail: fmt.Sprintf("required field %q not set", field),
	}
}

// InvalidThreshold creates a threshold violation error naming the offending bound
func InvalidThreshold(field string, value any, detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseBuild,
		Kind:   KindInvalidThreshold,
		Field:  field,
		Value:  value,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Unsupported creates an unsupported feature error
func Unsupported(phase Phase, feature string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: feature + " is not supported",
	}
}

// Kernel wraps a failed syscall, keeping its errno
func Kernel(phase Phase, op, path string, cause error) *Error {
	return New(phase, KindKernel).Op(op).Path(path).Cause(cause).Build()
}

// Closed creates a closed error for the given phase
func Closed(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: "dispatcher stopped and all events were delivered",
	}
}

// NotStarted creates an error for operations that require a running dispatcher
func NotStarted(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotStarted,
		Detail: "dispatcher has not been started",
	}
}

// AlreadyStarted creates an error for a second start
func AlreadyStarted() *Error {
	return &Error{
		Phase:  PhaseStart,
		Kind:   KindAlreadyStarted,
		Detail: "dispatcher is already running",
	}
}

// Frozen creates an error for mutations after a registry was converted or closed
func Frozen() *Error {
	return &Error{
		Phase:  PhaseRegister,
		Kind:   KindFrozen,
		Detail: "registry no longer accepts changes",
	}
}

// NotFound creates a not found error
func NotFound(phase Phase, what string, value any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Value:  value,
		Detail: fmt.Sprintf("%s %v not found", what, value),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return New(phase, kind).Cause(cause).Detail("%s", detail).Build()
}

// Classification helpers

// IsConfig reports whether err stems from an incomplete or out-of-range trigger configuration
func IsConfig(err error) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindFieldMissing, KindInvalidThreshold, KindUnsupported:
		return true
	}
	return false
}

// IsKernel reports whether err wraps a failed syscall
func IsKernel(err error) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Kind == KindKernel
}

// IsClosed reports whether err signals an orderly, drained shutdown
func IsClosed(err error) bool {
	return stderrors.Is(err, ErrClosed)
}

// Errno returns the OS error number carried by err, or 0
func Errno(err error) unix.Errno {
	var e *Error
	if stderrors.As(err, &e) && e.Errno != 0 {
		return e.Errno
	}
	var errno unix.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	return 0
}
