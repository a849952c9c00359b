// Package thread implements a dispatcher that waits for trigger readiness in
// a blocking epoll loop on a dedicated OS thread.
package thread

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wippyai/psimon"
	"github.com/wippyai/psimon/errors"
	"github.com/wippyai/psimon/internal/epoll"
	"github.com/wippyai/psimon/internal/queue"
)

// wakeToken marks the eventfd in epoll data; handle entries use their index.
const wakeToken = -1

// Dispatcher owns a set of handles, an epoll instance with an eventfd used to
// interrupt the wait, and the event queue feeding Receive.
type Dispatcher struct {
	entries []psimon.Entry
	events  *queue.Queue[psimon.Event]
	done    chan struct{}
	log     *zap.Logger
	mu      sync.Mutex
	epfd    int
	wakefd  int
	state   atomic.Int32
	// launched is set once the loop goroutine exists; guarded by mu.
	launched bool
}

var _ psimon.Dispatcher = (*Dispatcher)(nil)

// New creates a dispatcher in the created state, taking ownership of every
// handle in entries. If the multiplexing context cannot be created the
// handles are closed before returning.
func New(entries []psimon.Entry) (*Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, multierr.Append(
			errors.Kernel(errors.PhaseStart, "epoll_create1", "", err),
			closeHandles(entries))
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, multierr.Append(
			errors.Kernel(errors.PhaseStart, "eventfd", "", err),
			closeHandles(entries))
	}

	d := &Dispatcher{
		entries: entries,
		events:  queue.New[psimon.Event](),
		done:    make(chan struct{}),
		log:     psimon.Logger().Named("thread"),
		epfd:    epfd,
		wakefd:  wakefd,
	}
	d.state.Store(int32(psimon.StateCreated))
	return d, nil
}

// Start registers every handle and the wake descriptor with epoll and starts
// the wait loop. If a registration fails the dispatcher stays created.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch psimon.State(d.state.Load()) {
	case psimon.StateRunning:
		return errors.AlreadyStarted()
	case psimon.StateStopped:
		return errors.Closed(errors.PhaseStart)
	}

	for i, e := range d.entries {
		ev := unix.EpollEvent{Events: e.Handle.Events(), Fd: int32(i)}
		if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, e.Handle.Fd(), &ev); err != nil {
			d.deregister(i)
			return errors.New(errors.PhaseStart, errors.KindKernel).
				Op("epoll_ctl").
				Path(e.Handle.Spec().ControlPath()).
				Value(e.ID).
				Cause(err).
				Build()
		}
	}
	wake := unix.EpollEvent{Events: unix.EPOLLIN, Fd: wakeToken}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, d.wakefd, &wake); err != nil {
		d.deregister(len(d.entries))
		return errors.Kernel(errors.PhaseStart, "epoll_ctl", "", err)
	}

	d.state.Store(int32(psimon.StateRunning))
	d.launched = true
	go d.run()

	d.log.Debug("dispatcher started", zap.Int("handles", len(d.entries)))
	return nil
}

// deregister removes the first n handles from epoll after a failed Start.
func (d *Dispatcher) deregister(n int) {
	for _, e := range d.entries[:n] {
		_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, e.Handle.Fd(), nil)
	}
}

func (d *Dispatcher) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.done)

	buf := make([]unix.EpollEvent, len(d.entries)+1)
	for {
		n, err := epoll.Wait(d.epfd, buf, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			d.fail(err)
			return
		}

		for _, ev := range buf[:n] {
			if ev.Fd == wakeToken {
				return
			}
			d.dispatch(ev)
		}
	}
}

func (d *Dispatcher) dispatch(ev unix.EpollEvent) {
	e := d.entries[ev.Fd]
	if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		// The trigger was destroyed, e.g. its cgroup removed. The kernel keeps
		// reporting EPOLLPRI alongside EPOLLERR, so the error bits decide.
		d.log.Warn("trigger detached",
			zap.Stringer("id", e.ID),
			zap.Stringer("spec", e.Handle.Spec()),
			zap.Uint32("events", ev.Events))
		_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, e.Handle.Fd(), nil)
		return
	}
	if err := e.Handle.Acknowledge(); err != nil {
		d.log.Warn("acknowledge failed", zap.Stringer("id", e.ID), zap.Error(err))
	}
	d.events.Push(psimon.Ready(e.ID))
}

// fail ends the loop after a wait error: the failure is queued as the last
// event and every handle is released.
func (d *Dispatcher) fail(cause error) {
	err := errors.Kernel(errors.PhaseDispatch, "epoll_wait", "", cause)
	d.log.Error("readiness wait failed", zap.Error(err))
	d.state.Store(int32(psimon.StateStopped))
	if cerr := closeHandles(d.entries); cerr != nil {
		d.log.Warn("closing handles after failure", zap.Error(cerr))
	}
	d.events.PushAndClose(psimon.Failure(err))
}

// Receive blocks until an event is available, the dispatcher has stopped and
// drained, or ctx is done.
func (d *Dispatcher) Receive(ctx context.Context) (psimon.Event, error) {
	if psimon.State(d.state.Load()) == psimon.StateCreated {
		return psimon.Event{}, errors.NotStarted(errors.PhaseReceive)
	}
	ev, err := d.events.Pop(ctx)
	if stderrors.Is(err, queue.ErrClosed) {
		return psimon.Event{}, errors.Closed(errors.PhaseReceive)
	}
	return ev, err
}

// Close interrupts the wait, joins the loop, closes every handle, the epoll
// instance and the wake descriptor, then closes the event queue. It is safe to
// call more than once and from any state.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := psimon.State(d.state.Swap(int32(psimon.StateStopped)))
	if d.epfd < 0 {
		return nil
	}

	var err error
	if d.launched {
		var one [8]byte
		binary.NativeEndian.PutUint64(one[:], 1)
		if _, werr := unix.Write(d.wakefd, one[:]); werr != nil {
			err = multierr.Append(err, errors.Kernel(errors.PhaseClose, "write", "eventfd", werr))
		}
		<-d.done
	}

	err = multierr.Append(err, closeHandles(d.entries))
	if cerr := unix.Close(d.epfd); cerr != nil {
		err = multierr.Append(err, errors.Kernel(errors.PhaseClose, "close", "epoll", cerr))
	}
	if cerr := unix.Close(d.wakefd); cerr != nil {
		err = multierr.Append(err, errors.Kernel(errors.PhaseClose, "close", "eventfd", cerr))
	}
	d.epfd, d.wakefd = -1, -1
	d.events.Close()

	d.log.Debug("dispatcher stopped", zap.Stringer("from", prev))
	return err
}

// State reports the lifecycle stage.
func (d *Dispatcher) State() psimon.State {
	return psimon.State(d.state.Load())
}

// Len returns the number of owned handles.
func (d *Dispatcher) Len() int {
	return len(d.entries)
}

func closeHandles(entries []psimon.Entry) error {
	var err error
	for _, e := range entries {
		err = multierr.Append(err, e.Handle.Close())
	}
	return err
}
