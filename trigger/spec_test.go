package trigger

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wippyai/psimon/errors"
)

func validSpec() Spec {
	s := NewSpec()
	s.Resource = CPU
	s.Stall = StallSome
	s.Amount = 500 * time.Microsecond
	s.Window = time.Second
	return s
}

func TestNewSpec_Unset(t *testing.T) {
	s := NewSpec()
	if s.Resource != ResourceUnset || s.Stall != StallUnset {
		t.Fatalf("NewSpec should leave resource and stall unset, got %v/%v", s.Resource, s.Stall)
	}
	err := s.Validate()
	if !errors.IsConfig(err) {
		t.Fatalf("Validate on empty spec = %v, want config error", err)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Spec)
		kind  errors.Kind
		field string
	}{
		{"valid", func(*Spec) {}, "", ""},
		{"amount equals window", func(s *Spec) { s.Amount = s.Window }, "", ""},
		{"minimum window", func(s *Spec) { s.Window = 500 * time.Millisecond; s.Amount = time.Microsecond }, "", ""},
		{"maximum window", func(s *Spec) { s.Window = 10 * time.Second }, "", ""},
		{"full memory", func(s *Spec) { s.Resource = Memory; s.Stall = StallFull }, "", ""},
		{"full irq", func(s *Spec) { s.Resource = IRQ; s.Stall = StallFull }, "", ""},
		{"missing resource", func(s *Spec) { s.Resource = ResourceUnset }, errors.KindFieldMissing, "resource"},
		{"unknown resource", func(s *Spec) { s.Resource = Resource(42) }, errors.KindFieldMissing, "resource"},
		{"missing stall", func(s *Spec) { s.Stall = StallUnset }, errors.KindFieldMissing, "stall"},
		{"missing window", func(s *Spec) { s.Window = 0 }, errors.KindFieldMissing, "window"},
		{"missing amount", func(s *Spec) { s.Amount = 0 }, errors.KindFieldMissing, "amount"},
		{"some irq", func(s *Spec) { s.Resource = IRQ }, errors.KindUnsupported, ""},
		{"negative amount", func(s *Spec) { s.Amount = -time.Millisecond }, errors.KindInvalidThreshold, "amount"},
		{"sub-microsecond amount", func(s *Spec) { s.Amount = 10 * time.Nanosecond }, errors.KindInvalidThreshold, "amount"},
		{"amount above window", func(s *Spec) { s.Amount = 2 * time.Second }, errors.KindInvalidThreshold, "amount"},
		{"window too small", func(s *Spec) { s.Window = 100 * time.Millisecond; s.Amount = time.Millisecond }, errors.KindInvalidThreshold, "window"},
		{"window too large", func(s *Spec) { s.Window = 11 * time.Second }, errors.KindInvalidThreshold, "window"},
		{"custom max", func(s *Spec) {
			s.Limits = Limits{MinWindow: 500 * time.Millisecond, MaxWindow: 800 * time.Millisecond}
		}, errors.KindInvalidThreshold, "window"},
		{"unprivileged window", func(s *Spec) {
			s.Limits = UnprivilegedLimits
			s.Window = 4 * time.Second
		}, "", ""},
		{"unprivileged window off granularity", func(s *Spec) {
			s.Limits = UnprivilegedLimits
			s.Window = 3 * time.Second
		}, errors.KindInvalidThreshold, "window"},
		{"unprivileged window below minimum", func(s *Spec) { s.Limits = UnprivilegedLimits }, errors.KindInvalidThreshold, "window"},
		{"inverted limits", func(s *Spec) {
			s.Limits = Limits{MinWindow: 2 * time.Second, MaxWindow: time.Second}
		}, errors.KindInvalidThreshold, "limits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec()
			tt.edit(&s)
			err := s.Validate()
			if tt.kind == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.IsConfig(err) {
				t.Fatalf("Validate() = %v, want config error", err)
			}
			var e *errors.Error
			if !errorsAs(err, &e) {
				t.Fatalf("Validate() returned %T, want *errors.Error", err)
			}
			if e.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", e.Kind, tt.kind)
			}
			if e.Field != tt.field {
				t.Errorf("Field = %q, want %q", e.Field, tt.field)
			}
		})
	}
}

func TestSpec_WindowBoundInError(t *testing.T) {
	s := validSpec()
	s.Window = 20 * time.Second
	err := s.Validate()
	if err == nil || !strings.Contains(err.Error(), "10s") {
		t.Fatalf("error should name the violated bound, got %v", err)
	}
}

func TestSpec_GranularityInError(t *testing.T) {
	s := validSpec()
	s.Limits = Limits{MinWindow: time.Second, MaxWindow: 10 * time.Second, Granularity: 2 * time.Second}
	s.Window = 5 * time.Second
	err := s.Validate()
	if err == nil || !strings.Contains(err.Error(), "multiple of 2s") {
		t.Fatalf("error should name the window granularity, got %v", err)
	}
}

func TestDetectLimits(t *testing.T) {
	orig := capget
	defer func() { capget = orig }()

	tests := []struct {
		name      string
		effective uint32
		err       error
		want      Limits
	}{
		{"privileged", 1 << unix.CAP_SYS_RESOURCE, nil, DefaultLimits},
		{"unprivileged", 1 << unix.CAP_NET_ADMIN, nil, UnprivilegedLimits},
		{"capget failure", 0, unix.EINVAL, UnprivilegedLimits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capget = func(hdr *unix.CapUserHeader, data *unix.CapUserData) error {
				if hdr.Version != unix.LINUX_CAPABILITY_VERSION_3 {
					t.Errorf("capget version = %#x", hdr.Version)
				}
				data.Effective = tt.effective
				return tt.err
			}
			if got := DetectLimits(); got != tt.want {
				t.Errorf("DetectLimits() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSpec_Command(t *testing.T) {
	tests := []struct {
		spec Spec
		want string
	}{
		{validSpec(), "some 500 1000000"},
		{Spec{Resource: Memory, Stall: StallFull, Amount: 150 * time.Millisecond, Window: 2 * time.Second}, "full 150000 2000000"},
		{Spec{Resource: IO, Stall: StallSome, Amount: time.Microsecond, Window: 500 * time.Millisecond}, "some 1 500000"},
	}
	for _, tt := range tests {
		if got := tt.spec.Command(); got != tt.want {
			t.Errorf("Command() = %q, want %q", got, tt.want)
		}
	}
}

func TestSpec_ControlPath(t *testing.T) {
	s := validSpec()
	if got := s.ControlPath(); got != "/proc/pressure/cpu" {
		t.Errorf("ControlPath() = %q", got)
	}
	s.Resource = IO
	s.Cgroup = "/sys/fs/cgroup/app.slice"
	if got := s.ControlPath(); got != "/sys/fs/cgroup/app.slice/io.pressure" {
		t.Errorf("ControlPath() = %q", got)
	}
}

func TestParse(t *testing.T) {
	for _, name := range []string{"cpu", "memory", "io", "irq"} {
		r, err := ParseResource(name)
		if err != nil {
			t.Fatalf("ParseResource(%q): %v", name, err)
		}
		if r.String() != name {
			t.Errorf("round trip %q -> %q", name, r.String())
		}
	}
	if r, err := ParseResource(" CPU "); err != nil || r != CPU {
		t.Errorf("ParseResource should trim and fold case, got %v %v", r, err)
	}
	if _, err := ParseResource("disk"); err == nil {
		t.Error("ParseResource(disk) should fail")
	}

	if s, err := ParseStall("full"); err != nil || s != StallFull {
		t.Errorf("ParseStall(full) = %v, %v", s, err)
	}
	if _, err := ParseStall("partial"); err == nil {
		t.Error("ParseStall(partial) should fail")
	}
}
