// Package task implements a dispatcher whose readiness handling runs as
// callbacks on a shared loop.Loop instead of a dedicated thread.
package task

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wippyai/psimon"
	"github.com/wippyai/psimon/errors"
	"github.com/wippyai/psimon/internal/queue"
	"github.com/wippyai/psimon/loop"
)

// Dispatcher registers its handles with a loop. Ready events are queued by
// descriptor callbacks on the loop goroutine and delivered through Receive.
//
// The loop is not owned: closing the dispatcher unregisters its handles and
// leaves the loop running. If the loop terminates first the dispatcher
// stops with it, and a wait failure is delivered as an EventFailure.
type Dispatcher struct {
	loop    *loop.Loop
	entries []psimon.Entry
	events  *queue.Queue[psimon.Event]
	log     *zap.Logger
	cancel  func()
	// fds holds the descriptors registered with the loop; guarded by mu.
	fds   []int
	mu    sync.Mutex
	state atomic.Int32
}

var _ psimon.Dispatcher = (*Dispatcher)(nil)

// New creates a dispatcher in the created state that will run on l, taking
// ownership of every handle in entries. The handles are closed if l is nil
// or already terminated.
func New(l *loop.Loop, entries []psimon.Entry) (*Dispatcher, error) {
	var err error
	switch {
	case l == nil:
		err = errors.InvalidInput(errors.PhaseStart, "nil loop")
	case l.State() == loop.StateTerminated:
		err = errors.Closed(errors.PhaseStart)
	}
	if err != nil {
		return nil, multierr.Append(err, closeHandles(entries))
	}

	d := &Dispatcher{
		loop:    l,
		entries: entries,
		events:  queue.New[psimon.Event](),
		log:     psimon.Logger().Named("task"),
	}
	d.state.Store(int32(psimon.StateCreated))
	return d, nil
}

// Start registers every handle with the loop. If a registration fails the
// ones already made are undone and the dispatcher stays created.
func (d *Dispatcher) Start() error {
	if err := d.register(); err != nil {
		return err
	}

	// OnTerminate runs the hook inline if the loop already terminated, so it
	// is subscribed without holding mu.
	cancel := d.loop.OnTerminate(d.terminated)

	d.mu.Lock()
	defer d.mu.Unlock()
	if psimon.State(d.state.Load()) != psimon.StateRunning {
		cancel()
		return nil
	}
	d.cancel = cancel

	d.log.Debug("dispatcher started", zap.Int("handles", len(d.entries)))
	return nil
}

func (d *Dispatcher) register() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch psimon.State(d.state.Load()) {
	case psimon.StateRunning:
		return errors.AlreadyStarted()
	case psimon.StateStopped:
		return errors.Closed(errors.PhaseStart)
	}

	for _, e := range d.entries {
		fd := e.Handle.Fd()
		if err := d.loop.RegisterFD(fd, e.Handle.Events(), d.callback(e, fd)); err != nil {
			d.unregister()
			if errors.IsClosed(err) {
				return errors.Closed(errors.PhaseStart)
			}
			return errors.New(errors.PhaseStart, errors.KindKernel).
				Op("epoll_ctl").
				Path(e.Handle.Spec().ControlPath()).
				Value(e.ID).
				Cause(err).
				Build()
		}
		d.fds = append(d.fds, fd)
	}

	d.state.Store(int32(psimon.StateRunning))
	return nil
}

// callback runs on the loop goroutine each time the handle's descriptor is
// reported.
func (d *Dispatcher) callback(e psimon.Entry, fd int) func(uint32) {
	return func(events uint32) {
		// A destroyed trigger reports EPOLLERR together with EPOLLPRI and
		// stays ready forever.
		if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			d.log.Warn("trigger detached",
				zap.Stringer("id", e.ID),
				zap.Stringer("spec", e.Handle.Spec()),
				zap.Uint32("events", events))
			_ = d.loop.UnregisterFD(fd)
			return
		}
		if err := e.Handle.Acknowledge(); err != nil {
			d.log.Warn("acknowledge failed", zap.Stringer("id", e.ID), zap.Error(err))
		}
		d.events.Push(psimon.Ready(e.ID))
	}
}

// terminated is the loop's termination hook.
func (d *Dispatcher) terminated(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if psimon.State(d.state.Swap(int32(psimon.StateStopped))) == psimon.StateStopped {
		return
	}
	d.cancel = nil
	d.unregister()
	if err := closeHandles(d.entries); err != nil {
		d.log.Warn("closing handles after loop termination", zap.Error(err))
	}

	if cause != nil {
		d.log.Error("loop failed, dispatcher stopped", zap.Error(cause))
		d.events.PushAndClose(psimon.Failure(cause))
		return
	}
	d.log.Debug("loop terminated, dispatcher stopped")
	d.events.Close()
}

func (d *Dispatcher) unregister() {
	for _, fd := range d.fds {
		if err := d.loop.UnregisterFD(fd); err != nil && !errors.IsClosed(err) {
			d.log.Debug("unregister descriptor", zap.Int("fd", fd), zap.Error(err))
		}
	}
	d.fds = nil
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

// Close unregisters every handle from the loop, closes them and closes the
// event queue. The loop keeps running. It is safe to call more than once and
// from any state.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := psimon.State(d.state.Swap(int32(psimon.StateStopped)))
	if prev == psimon.StateStopped {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.unregister()
	err := closeHandles(d.entries)
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
