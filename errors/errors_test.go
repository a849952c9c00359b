package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseBuild,
				Kind:   KindKernel,
				Op:     "write",
				Path:   "/proc/pressure/cpu",
				Detail: "trigger rejected",
				Errno:  unix.EINVAL,
			},
			contains: []string{"[build]", "kernel", "write /proc/pressure/cpu", "trigger rejected", "errno 22"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseReceive,
				Kind:  KindClosed,
			},
			contains: []string{"[receive]", "closed"},
		},
		{
			name: "field error",
			err: &Error{
				Phase:  PhaseBuild,
				Kind:   KindInvalidThreshold,
				Field:  "window",
				Detail: "window 20s exceeds maximum 10s",
			},
			contains: []string{"invalid_threshold", "at window", "exceeds maximum 10s"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseConfig,
				Kind:   KindInvalidInput,
				Detail: "bad file",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[config]", "invalid_input", "bad file", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseStart,
		Kind:  KindKernel,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseReceive,
		Kind:  KindClosed,
	}

	if !err.Is(&Error{Phase: PhaseReceive, Kind: KindClosed}) {
		t.Error("Is should match same phase and kind")
	}
	if err.Is(&Error{Phase: PhaseStart, Kind: KindClosed}) {
		t.Error("Is should not match different phase")
	}
	if err.Is(&Error{Phase: PhaseReceive, Kind: KindNotStarted}) {
		t.Error("Is should not match different kind")
	}
	if !errors.Is(err, ErrClosed) {
		t.Error("phase-less target should match any phase")
	}

	wrapped := fmt.Errorf("recv: %w", err)
	if !errors.Is(wrapped, ErrClosed) {
		t.Error("errors.Is should see through wrapping")
	}
}

func TestBuilder(t *testing.T) {
	cause := fmt.Errorf("open: %w", unix.EACCES)
	err := New(PhaseBuild, KindKernel).
		Op("open").
		Path("/proc/pressure/memory").
		Value(42).
		Cause(cause).
		Detail("expected %s, got %s", "fd", "nothing").
		Build()

	if err.Phase != PhaseBuild {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseBuild)
	}
	if err.Kind != KindKernel {
		t.Errorf("Kind = %v, want %v", err.Kind, KindKernel)
	}
	if err.Op != "open" || err.Path != "/proc/pressure/memory" {
		t.Errorf("Op=%q Path=%q", err.Op, err.Path)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v, want 42", err.Value)
	}
	if err.Errno != unix.EACCES {
		t.Errorf("Errno = %v, want EACCES", err.Errno)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "expected fd, got nothing" {
		t.Errorf("Detail = %v, want 'expected fd, got nothing'", err.Detail)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		config bool
		kernel bool
		closed bool
	}{
		{"field missing", FieldMissing(PhaseBuild, "stall"), true, false, false},
		{"threshold", InvalidThreshold("amount", 0, "amount must be positive"), true, false, false},
		{"unsupported", Unsupported(PhaseBuild, "some stall on irq"), true, false, false},
		{"kernel", Kernel(PhaseDispatch, "epoll_wait", "", unix.EBADF), false, true, false},
		{"closed", Closed(PhaseReceive), false, false, true},
		{"wrapped closed", fmt.Errorf("loop: %w", Closed(PhaseReceive)), false, false, true},
		{"not started", NotStarted(PhaseReceive), false, false, false},
		{"plain", errors.New("plain"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConfig(tt.err); got != tt.config {
				t.Errorf("IsConfig = %v, want %v", got, tt.config)
			}
			if got := IsKernel(tt.err); got != tt.kernel {
				t.Errorf("IsKernel = %v, want %v", got, tt.kernel)
			}
			if got := IsClosed(tt.err); got != tt.closed {
				t.Errorf("IsClosed = %v, want %v", got, tt.closed)
			}
		})
	}
}

func TestErrno(t *testing.T) {
	if got := Errno(Kernel(PhaseBuild, "write", "/proc/pressure/io", unix.EOPNOTSUPP)); got != unix.EOPNOTSUPP {
		t.Errorf("Errno = %v, want EOPNOTSUPP", got)
	}
	if got := Errno(fmt.Errorf("raw: %w", unix.EPERM)); got != unix.EPERM {
		t.Errorf("Errno = %v, want EPERM", got)
	}
	if got := Errno(errors.New("none")); got != 0 {
		t.Errorf("Errno = %v, want 0", got)
	}
}
