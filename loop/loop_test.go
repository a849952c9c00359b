package loop

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wippyai/psimon/errors"
	"github.com/wippyai/psimon/internal/epoll"
)

const waitTimeout = 2 * time.Second

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = l.Shutdown(ctx)
	})
	return l
}

func newEventfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Skipf("eventfd: %v", err)
	}
	t.Cleanup(func() { _ = unix.Close(fd) })
	return fd
}

func signal(t *testing.T, fd int) {
	t.Helper()
	if _, err := unix.Write(fd, []byte{1, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write eventfd: %v", err)
	}
}

func drain(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

func waitDone(t *testing.T, l *Loop) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("loop did not terminate, state %v", l.State())
	}
}

func TestLoop_SubmitOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		if err := l.Submit(func() { got = append(got, i) }); err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
	}
	if err := l.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("tasks did not run")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
}

func TestLoop_SubmitBeforeRun(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ran := make(chan struct{})
	if err := l.Submit(func() { close(ran) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	go func() { _ = l.Run(context.Background()) }()
	defer l.Shutdown(context.Background())

	select {
	case <-ran:
	case <-time.After(waitTimeout):
		t.Fatal("task queued before Run did not execute")
	}
}

func TestLoop_RegisterFD(t *testing.T) {
	l := startLoop(t)
	fd := newEventfd(t)

	fired := make(chan uint32, 8)
	err := l.RegisterFD(fd, unix.EPOLLIN, func(events uint32) {
		drain(fd)
		fired <- events
	})
	if err != nil {
		t.Fatalf("RegisterFD: %v", err)
	}

	for i := 0; i < 3; i++ {
		signal(t, fd)
		select {
		case ev := <-fired:
			if ev&unix.EPOLLIN == 0 {
				t.Errorf("callback events = %#x, want EPOLLIN", ev)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("callback %d not invoked", i)
		}
	}

	if err := l.UnregisterFD(fd); err != nil {
		t.Fatalf("UnregisterFD: %v", err)
	}
	signal(t, fd)
	select {
	case <-fired:
		t.Fatal("callback invoked after UnregisterFD")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoop_RegisterFDErrors(t *testing.T) {
	l := startLoop(t)
	fd := newEventfd(t)
	cb := func(uint32) {}

	if err := l.RegisterFD(fd, unix.EPOLLIN, nil); !stderrors.Is(err, &errors.Error{Kind: errors.KindInvalidInput}) {
		t.Errorf("RegisterFD(nil cb) = %v, want invalid input", err)
	}
	if err := l.RegisterFD(fd, unix.EPOLLIN, cb); err != nil {
		t.Fatalf("RegisterFD: %v", err)
	}
	if err := l.RegisterFD(fd, unix.EPOLLIN, cb); !stderrors.Is(err, &errors.Error{Kind: errors.KindInvalidInput}) {
		t.Errorf("duplicate RegisterFD = %v, want invalid input", err)
	}
	if err := l.RegisterFD(-1, unix.EPOLLIN, cb); !errors.IsKernel(err) || errors.Errno(err) != unix.EBADF {
		t.Errorf("RegisterFD(-1) = %v, want EBADF", err)
	}
	if err := l.UnregisterFD(fd); err != nil {
		t.Fatalf("UnregisterFD: %v", err)
	}
	if err := l.UnregisterFD(fd); !stderrors.Is(err, &errors.Error{Kind: errors.KindNotFound}) {
		t.Errorf("second UnregisterFD = %v, want not found", err)
	}
}

func TestLoop_StaleGenerationDropped(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	fd := newEventfd(t)

	calls := 0
	cb := func(uint32) { calls++ }
	if err := l.RegisterFD(fd, unix.EPOLLIN, cb); err != nil {
		t.Fatal(err)
	}
	stale := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd), Pad: int32(l.gen)}
	if err := l.UnregisterFD(fd); err != nil {
		t.Fatal(err)
	}
	if err := l.RegisterFD(fd, unix.EPOLLIN, cb); err != nil {
		t.Fatal(err)
	}

	l.dispatch(stale)
	if calls != 0 {
		t.Fatalf("stale event delivered to new registration")
	}
	l.dispatch(unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd), Pad: int32(l.gen)})
	if calls != 1 {
		t.Fatalf("current event delivered %d times, want 1", calls)
	}
}

func TestLoop_ShutdownRunsHooks(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(context.Background()) }()

	var mu sync.Mutex
	var order []string
	record := func(name string) func(error) {
		return func(err error) {
			if err != nil {
				t.Errorf("hook %s got %v, want nil", name, err)
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	l.OnTerminate(record("a"))
	cancel := l.OnTerminate(record("b"))
	l.OnTerminate(record("c"))
	cancel()

	taskRan := false
	if err := l.Submit(func() { taskRan = true }); err != nil {
		t.Fatal(err)
	}

	ctx, stop := context.WithTimeout(context.Background(), waitTimeout)
	defer stop()
	if err := l.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-runErr; err != nil {
		t.Errorf("Run = %v, want nil", err)
	}

	if !taskRan {
		t.Error("queued task dropped by shutdown")
	}
	mu.Lock()
	if len(order) != 2 || order[0] != "a" || order[1] != "c" {
		t.Errorf("hooks ran as %v, want [a c]", order)
	}
	mu.Unlock()
	if l.State() != StateTerminated {
		t.Errorf("State() = %v, want terminated", l.State())
	}

	if err := l.Submit(func() {}); !stderrors.Is(err, ErrTerminated) {
		t.Errorf("Submit after shutdown = %v, want ErrTerminated", err)
	}
	if err := l.Run(context.Background()); !stderrors.Is(err, ErrTerminated) {
		t.Errorf("Run after shutdown = %v, want ErrTerminated", err)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}

	late := make(chan error, 1)
	l.OnTerminate(func(err error) { late <- err })
	select {
	case <-late:
	default:
		t.Error("hook registered after termination did not run")
	}
}

func TestLoop_ShutdownBeforeRun(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	called := false
	l.OnTerminate(func(error) { called = true })

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !called {
		t.Error("hook not run for a loop that never ran")
	}
	if err := l.Run(context.Background()); !stderrors.Is(err, ErrTerminated) {
		t.Errorf("Run after Shutdown = %v, want ErrTerminated", err)
	}
	if !errors.IsClosed(ErrTerminated) {
		t.Error("ErrTerminated should classify as closed")
	}
}

func TestLoop_RunTwice(t *testing.T) {
	l := startLoop(t)
	ready := make(chan struct{})
	if err := l.Submit(func() { close(ready) }); err != nil {
		t.Fatal(err)
	}
	<-ready
	if err := l.Run(context.Background()); !stderrors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v, want ErrAlreadyRunning", err)
	}
}

func TestLoop_ContextCancel(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	cancel()
	waitDone(t, l)
	if err := <-runErr; err != nil {
		t.Errorf("Run = %v, want nil after cancellation", err)
	}
}

func TestLoop_CloseFromTask(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() { _ = l.Run(context.Background()) }()

	if err := l.Submit(func() { _ = l.Close() }); err != nil {
		t.Fatal(err)
	}
	waitDone(t, l)
}

func TestLoop_PanicRecovered(t *testing.T) {
	l := startLoop(t)
	if err := l.Submit(func() { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	ok := make(chan struct{})
	if err := l.Submit(func() { close(ok) }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ok:
	case <-time.After(waitTimeout):
		t.Fatal("loop stopped after a panicking task")
	}
}

func TestLoop_WaitFailure(t *testing.T) {
	orig := epoll.Wait
	defer func() { epoll.Wait = orig }()
	epoll.Wait = func(int, []unix.EpollEvent, int) (int, error) {
		return 0, unix.EBADF
	}

	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hookErr := make(chan error, 1)
	l.OnTerminate(func(err error) { hookErr <- err })

	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(context.Background()) }()
	waitDone(t, l)

	err = <-runErr
	if !errors.IsKernel(err) || errors.Errno(err) != unix.EBADF {
		t.Fatalf("Run = %v, want kernel error with EBADF", err)
	}
	if got := <-hookErr; got != err {
		t.Errorf("hook got %v, want %v", got, err)
	}
	if l.Err() != err {
		t.Errorf("Err() = %v, want %v", l.Err(), err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		want  string
		state State
	}{
		{"awake", StateAwake},
		{"running", StateRunning},
		{"sleeping", StateSleeping},
		{"terminating", StateTerminating},
		{"terminated", StateTerminated},
		{"unknown", State(42)},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
