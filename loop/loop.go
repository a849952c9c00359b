// Package loop implements a cooperative scheduler: one goroutine, pinned to
// its OS thread, that runs submitted tasks and descriptor callbacks between
// epoll waits.
//
// Any number of task dispatchers can share a Loop, so all of their triggers
// are multiplexed by a single epoll instance and a single thread:
//
//	l, err := loop.New()
//	if err != nil {
//	    return err
//	}
//	go l.Run(ctx)
//	defer l.Shutdown(context.Background())
//
// Callbacks and tasks run on the loop goroutine and must not block.
package loop

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wippyai/psimon/errors"
	"github.com/wippyai/psimon/internal/epoll"
)

var (
	// ErrTerminated is returned by operations on a loop that is shutting
	// down or has terminated.
	ErrTerminated = errors.New(errors.PhaseDispatch, errors.KindClosed).
			Detail("loop terminated").
			Build()

	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New(errors.PhaseStart, errors.KindAlreadyStarted).
				Detail("loop is already running").
				Build()
)

const maxEvents = 128

// registration is one descriptor's callback. gen is stored in the epoll data
// so an event queued for a descriptor number that was unregistered and reused
// within the same wait is dropped.
type registration struct {
	cb  func(events uint32)
	gen uint32
}

type hook struct {
	fn func(error)
	id uint64
}

// Loop is a single-goroutine event loop over epoll.
//
// # Thread Safety
//
// Submit, RegisterFD, UnregisterFD, OnTerminate, Shutdown and Close are safe
// to call from any goroutine, including from tasks and callbacks running on
// the loop. Shutdown blocks until the loop terminates, so calling it from the
// loop goroutine deadlocks; use Close there.
type Loop struct {
	_ [0]func()

	log  *zap.Logger
	done chan struct{}

	// err is the terminal wait failure. Written before done is closed.
	err error

	regs  map[int]registration
	tasks []func()
	hooks []hook
	buf   []unix.EpollEvent

	ioMu    sync.Mutex
	tasksMu sync.Mutex
	hooksMu sync.Mutex

	hookSeq uint64
	epfd    int
	wakefd  int
	gen     uint32

	hooksDone   bool
	state       atomic.Int32
	wakePending atomic.Uint32
}

// New creates a loop in StateAwake with its epoll instance and wake
// descriptor. Descriptors may be registered before Run.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Kernel(errors.PhaseStart, "epoll_create1", "", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, errors.Kernel(errors.PhaseStart, "eventfd", "", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, errors.Kernel(errors.PhaseStart, "epoll_ctl", "eventfd", err)
	}

	l := &Loop{
		log:    Logger(),
		done:   make(chan struct{}),
		regs:   make(map[int]registration),
		buf:    make([]unix.EpollEvent, maxEvents),
		epfd:   epfd,
		wakefd: wakefd,
	}
	l.state.Store(int32(StateAwake))
	return l, nil
}

// Run runs the loop on the calling goroutine until Shutdown, Close, ctx
// cancellation or a failed wait. It returns the wait failure, or nil after
// an orderly stop.
//
//	go l.Run(ctx)
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateAwake), int32(StateRunning)) {
		switch State(l.state.Load()) {
		case StateTerminating, StateTerminated:
			return ErrTerminated
		}
		return ErrAlreadyRunning
	}

	l.log.Debug("loop started")
	l.run(ctx)
	return l.err
}

func (l *Loop) run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, func() { l.terminate() })
	defer stop()

	for {
		if State(l.state.Load()) == StateTerminating {
			l.shutdown()
			return
		}
		l.tick()
	}
}

func (l *Loop) tick() {
	l.runTasks()
	l.poll()
}

// runTasks executes the tasks queued so far. Tasks submitted while the batch
// runs wait for the next tick.
func (l *Loop) runTasks() int {
	l.tasksMu.Lock()
	batch := l.tasks
	l.tasks = nil
	l.tasksMu.Unlock()

	for _, fn := range batch {
		l.safeExecute(fn)
	}
	return len(batch)
}

// poll blocks in epoll_wait unless work is already pending.
//
// The Running -> Sleeping CAS happens before the queue length check, so a
// producer either sees Sleeping and writes the wake descriptor, or pushed
// its task early enough for the check to find it.
func (l *Loop) poll() {
	if !l.state.CompareAndSwap(int32(StateRunning), int32(StateSleeping)) {
		return
	}

	l.tasksMu.Lock()
	pending := len(l.tasks)
	l.tasksMu.Unlock()
	if pending > 0 {
		l.state.CompareAndSwap(int32(StateSleeping), int32(StateRunning))
		return
	}

	n, err := epoll.Wait(l.epfd, l.buf, -1)
	if err != nil {
		if err == unix.EINTR {
			l.state.CompareAndSwap(int32(StateSleeping), int32(StateRunning))
			return
		}
		l.err = errors.Kernel(errors.PhaseDispatch, "epoll_wait", "", err)
		l.log.Error("readiness wait failed, terminating loop", zap.Error(l.err))
		l.state.Store(int32(StateTerminating))
		return
	}

	if !l.state.CompareAndSwap(int32(StateSleeping), int32(StateRunning)) {
		return
	}

	for _, ev := range l.buf[:n] {
		if int(ev.Fd) == l.wakefd {
			l.drainWake()
			continue
		}
		l.dispatch(ev)
	}
}

func (l *Loop) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	l.ioMu.Lock()
	reg, ok := l.regs[fd]
	l.ioMu.Unlock()
	if !ok || reg.gen != uint32(ev.Pad) {
		return
	}
	l.safeExecute(func() { reg.cb(ev.Events) })
}

func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// shutdown drains the task queue, runs termination hooks and releases the
// epoll instance. Submit already rejects new work in StateTerminating.
func (l *Loop) shutdown() {
	for l.runTasks() > 0 {
	}
	l.finish()
}

func (l *Loop) finish() {
	l.hooksMu.Lock()
	hooks := l.hooks
	l.hooks = nil
	l.hooksDone = true
	l.hooksMu.Unlock()

	for _, h := range hooks {
		l.safeExecute(func() { h.fn(l.err) })
	}

	l.ioMu.Lock()
	orphaned := len(l.regs)
	clear(l.regs)
	_ = unix.Close(l.epfd)
	_ = unix.Close(l.wakefd)
	l.epfd, l.wakefd = -1, -1
	l.ioMu.Unlock()

	l.state.Store(int32(StateTerminated))
	close(l.done)

	if orphaned > 0 {
		l.log.Warn("loop terminated with registered descriptors", zap.Int("count", orphaned))
	}
	l.log.Debug("loop terminated", zap.Error(l.err))
}

// terminate moves the loop to StateTerminating and wakes it. It reports the
// previous state, and false if another caller got there first.
func (l *Loop) terminate() (State, bool) {
	for {
		cur := State(l.state.Load())
		if cur == StateTerminating || cur == StateTerminated {
			return cur, false
		}
		if l.state.CompareAndSwap(int32(cur), int32(StateTerminating)) {
			if cur != StateAwake {
				_ = l.writeWake()
			}
			return cur, true
		}
	}
}

// Shutdown stops the loop after draining queued tasks and waits for it to
// terminate. If ctx is done first, ctx.Err() is returned and the loop keeps
// shutting down in the background. A loop that was never run terminates on
// the calling goroutine. It is safe to call more than once.
func (l *Loop) Shutdown(ctx context.Context) error {
	if prev, ok := l.terminate(); ok && prev == StateAwake {
		for l.runTasks() > 0 {
		}
		l.finish()
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close requests termination without waiting for it.
func (l *Loop) Close() error {
	if prev, ok := l.terminate(); ok && prev == StateAwake {
		l.finish()
	}
	return nil
}

// Submit queues fn to run on the loop goroutine. Tasks run in submission
// order. It returns ErrTerminated once shutdown has begun.
func (l *Loop) Submit(fn func()) error {
	l.tasksMu.Lock()
	switch State(l.state.Load()) {
	case StateTerminating, StateTerminated:
		l.tasksMu.Unlock()
		return ErrTerminated
	}
	l.tasks = append(l.tasks, fn)
	l.tasksMu.Unlock()

	if l.state.Load() == int32(StateSleeping) && l.wakePending.CompareAndSwap(0, 1) {
		if err := l.writeWake(); err != nil {
			l.wakePending.Store(0)
		}
	}
	return nil
}

// RegisterFD adds fd to the epoll set. cb runs on the loop goroutine with the
// ready event mask each time fd is reported. The caller keeps ownership of fd
// and must call UnregisterFD before closing it.
func (l *Loop) RegisterFD(fd int, events uint32, cb func(events uint32)) error {
	if cb == nil {
		return errors.InvalidInput(errors.PhaseRegister, "nil descriptor callback")
	}

	l.ioMu.Lock()
	defer l.ioMu.Unlock()

	if l.epfd < 0 {
		return ErrTerminated
	}
	if _, ok := l.regs[fd]; ok {
		return errors.InvalidInput(errors.PhaseRegister,
			fmt.Sprintf("descriptor %d already registered", fd))
	}

	l.gen++
	ev := unix.EpollEvent{Events: events, Fd: int32(fd), Pad: int32(l.gen)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Kernel(errors.PhaseRegister, "epoll_ctl", "", err)
	}
	l.regs[fd] = registration{cb: cb, gen: l.gen}
	return nil
}

// UnregisterFD removes fd from the epoll set. Events already collected for
// fd in the current wait are dropped.
func (l *Loop) UnregisterFD(fd int) error {
	l.ioMu.Lock()
	defer l.ioMu.Unlock()

	if _, ok := l.regs[fd]; !ok {
		return errors.NotFound(errors.PhaseClose, "descriptor", fd)
	}
	delete(l.regs, fd)
	if l.epfd < 0 {
		return nil
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return errors.Kernel(errors.PhaseClose, "epoll_ctl", "", err)
	}
	return nil
}

// OnTerminate registers fn to run on the loop goroutine when the loop
// terminates, with the wait failure or nil after an orderly stop. Hooks run
// in registration order after queued tasks. If the loop has already
// terminated fn runs immediately. The returned func removes the hook.
func (l *Loop) OnTerminate(fn func(error)) (cancel func()) {
	l.hooksMu.Lock()
	if l.hooksDone {
		l.hooksMu.Unlock()
		fn(l.err)
		return func() {}
	}
	id := l.hookSeq
	l.hookSeq++
	l.hooks = append(l.hooks, hook{fn: fn, id: id})
	l.hooksMu.Unlock()

	return func() {
		l.hooksMu.Lock()
		defer l.hooksMu.Unlock()
		for i, h := range l.hooks {
			if h.id == id {
				l.hooks = append(l.hooks[:i], l.hooks[i+1:]...)
				return
			}
		}
	}
}

// State returns the current loop state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Done is closed once the loop has terminated.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err returns the wait failure that terminated the loop, or nil.
func (l *Loop) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *Loop) writeWake() error {
	l.ioMu.Lock()
	defer l.ioMu.Unlock()
	if l.wakefd < 0 {
		return ErrTerminated
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(l.wakefd, one[:])
	return err
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakefd, buf[:])
		if err == unix.EINTR {
			continue
		}
		break
	}
	l.wakePending.Store(0)
}
