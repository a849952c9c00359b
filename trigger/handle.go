package trigger

import (
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wippyai/psimon/errors"
)

// Handle owns one armed trigger descriptor.
// The descriptor is closed exactly once, by Close.
type Handle struct {
	spec   Spec
	mu     sync.RWMutex
	fd     int
	events uint32
	closed bool
}

// Build validates spec, arms the trigger and returns its owned descriptor.
// On any failure no descriptor is left open.
//
// An unprivileged caller gets EINVAL for a window that is not a multiple of
// 2s; set spec.Limits to UnprivilegedLimits or DetectLimits() to have such
// windows rejected by Validate with a config error instead.
func Build(spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	path := spec.ControlPath()
	fd, err := openControl(path)
	if err != nil {
		return nil, errors.Kernel(errors.PhaseBuild, "open", path, err)
	}

	if err := writeCommand(fd, spec.Command()); err != nil {
		_ = unix.Close(fd)
		return nil, errors.New(errors.PhaseBuild, errors.KindKernel).
			Op("write").
			Path(path).
			Cause(err).
			Detail("trigger %q rejected", spec.Command()).
			Build()
	}

	return &Handle{
		spec:   spec,
		fd:     fd,
		events: unix.EPOLLPRI,
	}, nil
}

// Adopt takes ownership of a descriptor armed elsewhere, for example one
// received from a privileged helper over a unix socket. events is the epoll
// interest mask dispatchers register it with; zero means EPOLLPRI, the mask
// PSI triggers signal on. Descriptors adopted with EPOLLIN are drained by
// Acknowledge so level-triggered readiness is reported once per signal.
func Adopt(fd int, spec Spec, events uint32) *Handle {
	if events == 0 {
		events = unix.EPOLLPRI
	}
	return &Handle{
		spec:   spec,
		fd:     fd,
		events: events,
	}
}

func openControl(path string) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}

// writeCommand writes cmd terminated by a newline. The kernel overwrites the
// last byte of the write with NUL before parsing, so without the newline the
// final digit of the window would be lost.
func writeCommand(fd int, cmd string) error {
	buf := append([]byte(cmd), '\n')
	for {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n != len(buf) {
			return io.ErrShortWrite
		}
		return nil
	}
}

// Spec returns the configuration the handle was armed with.
func (h *Handle) Spec() Spec {
	return h.spec
}

// Fd returns the raw descriptor, or -1 once closed.
func (h *Handle) Fd() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return -1
	}
	return h.fd
}

// Events returns the epoll interest mask for the descriptor.
func (h *Handle) Events() uint32 {
	return h.events
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Acknowledge consumes a readiness notification. PSI triggers are reset by
// the kernel when polled, so this only reads pending data from descriptors
// adopted with EPOLLIN.
func (h *Handle) Acknowledge() error {
	if h.events&unix.EPOLLIN == 0 {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}

	var buf [8]byte
	for {
		n, err := unix.Read(h.fd, buf[:])
		switch err {
		case nil:
			if n == 0 {
				return nil
			}
		case unix.EINTR:
		case unix.EAGAIN:
			return nil
		default:
			return errors.Kernel(errors.PhaseDispatch, "read", "", err)
		}
	}
}

// Close releases the descriptor. Subsequent calls return nil.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := unix.Close(h.fd); err != nil {
		return errors.Kernel(errors.PhaseClose, "close", h.spec.ControlPath(), err)
	}
	return nil
}
