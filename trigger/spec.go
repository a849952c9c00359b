package trigger

import (
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wippyai/psimon/errors"
)

// Kernel window bounds, see WINDOW_MIN_US and WINDOW_MAX_US in kernel/sched/psi.c.
// Since Linux 6.5 a caller without CAP_SYS_RESOURCE may also arm triggers,
// but only with a window that is a multiple of UnprivilegedWindowGranularity.
const (
	KernelMinWindow               = 500 * time.Millisecond
	KernelMaxWindow               = 10 * time.Second
	UnprivilegedWindowGranularity = 2 * time.Second
)

// Limits bounds the time window accepted by Validate. When Granularity is
// set the window must also be a multiple of it.
type Limits struct {
	MinWindow   time.Duration
	MaxWindow   time.Duration
	Granularity time.Duration
}

// DefaultLimits are the bounds for a caller holding CAP_SYS_RESOURCE.
var DefaultLimits = Limits{
	MinWindow: KernelMinWindow,
	MaxWindow: KernelMaxWindow,
}

// UnprivilegedLimits are the bounds for a caller without CAP_SYS_RESOURCE.
// Older kernels reject such callers outright with EPERM or EACCES.
var UnprivilegedLimits = Limits{
	MinWindow:   UnprivilegedWindowGranularity,
	MaxWindow:   KernelMaxWindow,
	Granularity: UnprivilegedWindowGranularity,
}

// capget is replaced in tests.
var capget = unix.Capget

// DetectLimits returns DefaultLimits when the calling thread has
// CAP_SYS_RESOURCE in its effective set and UnprivilegedLimits otherwise.
func DetectLimits() Limits {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := capget(&hdr, &data[0]); err != nil {
		return UnprivilegedLimits
	}
	if data[unix.CAP_SYS_RESOURCE/32].Effective&(1<<(unix.CAP_SYS_RESOURCE%32)) != 0 {
		return DefaultLimits
	}
	return UnprivilegedLimits
}

func (l Limits) orDefault() Limits {
	if l == (Limits{}) {
		return DefaultLimits
	}
	return l
}

// Spec describes one trigger. Build validates it as a whole; no field is
// checked on assignment.
type Spec struct {
	// Cgroup, when set, is a cgroup v2 directory whose pressure files are used
	// instead of the system-wide ones.
	Cgroup   string
	Limits   Limits
	Amount   time.Duration
	Window   time.Duration
	Resource Resource
	Stall    Stall
}

// NewSpec returns a Spec with every required field unset.
func NewSpec() Spec {
	return Spec{
		Resource: ResourceUnset,
		Stall:    StallUnset,
	}
}

// Validate checks that every required field is set and that
// 0 < Amount <= Window and MinWindow <= Window <= MaxWindow. With a
// Granularity in Limits the window must also be a multiple of it.
func (s Spec) Validate() error {
	if !s.Resource.valid() {
		return errors.FieldMissing(errors.PhaseBuild, "resource")
	}
	if s.Stall != StallSome && s.Stall != StallFull {
		return errors.FieldMissing(errors.PhaseBuild, "stall")
	}
	if s.Resource == IRQ && s.Stall == StallSome {
		return errors.Unsupported(errors.PhaseBuild, "some stall on irq")
	}
	if s.Window == 0 {
		return errors.FieldMissing(errors.PhaseBuild, "window")
	}
	if s.Amount == 0 {
		return errors.FieldMissing(errors.PhaseBuild, "amount")
	}

	limits := s.Limits.orDefault()
	if limits.MinWindow > limits.MaxWindow {
		return errors.InvalidThreshold("limits", limits,
			"minimum window %s above maximum %s", limits.MinWindow, limits.MaxWindow)
	}
	if s.Amount < time.Microsecond {
		return errors.InvalidThreshold("amount", s.Amount,
			"amount %s below 1µs resolution", s.Amount)
	}
	if s.Window < limits.MinWindow {
		return errors.InvalidThreshold("window", s.Window,
			"window %s below minimum %s", s.Window, limits.MinWindow)
	}
	if s.Window > limits.MaxWindow {
		return errors.InvalidThreshold("window", s.Window,
			"window %s exceeds maximum %s", s.Window, limits.MaxWindow)
	}
	if limits.Granularity > 0 && s.Window%limits.Granularity != 0 {
		return errors.InvalidThreshold("window", s.Window,
			"window %s not a multiple of %s", s.Window, limits.Granularity)
	}
	if s.Amount > s.Window {
		return errors.InvalidThreshold("amount", s.Amount,
			"amount %s exceeds window %s", s.Amount, s.Window)
	}
	return nil
}

// Command renders the trigger text. Build writes it to the control file
// followed by a newline.
func (s Spec) Command() string {
	b := make([]byte, 0, 32)
	b = append(b, s.Stall.String()...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, s.Amount.Microseconds(), 10)
	b = append(b, ' ')
	b = strconv.AppendInt(b, s.Window.Microseconds(), 10)
	return string(b)
}

// ControlPath returns the file Build writes the command to.
func (s Spec) ControlPath() string {
	if s.Cgroup != "" {
		return s.Resource.CgroupPath(s.Cgroup)
	}
	return s.Resource.Path()
}

func (s Spec) String() string {
	return s.Resource.String() + " " + s.Command()
}
