// Package dispatchtest holds the behavioral suite every psimon.Dispatcher
// implementation must pass, using eventfd descriptors in place of kernel
// triggers so readiness can be induced on demand. RunKernel repeats the
// essentials against a real PSI trigger.
package dispatchtest

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wippyai/psimon"
	"github.com/wippyai/psimon/errors"
	"github.com/wippyai/psimon/trigger"
)

// Factory builds a dispatcher in the created state that owns entries.
type Factory func(t *testing.T, entries []psimon.Entry) psimon.Dispatcher

const (
	eventTimeout = 2 * time.Second
	quietPeriod  = 150 * time.Millisecond
)

// Signal is an eventfd adopted as a trigger handle.
type Signal struct {
	Handle *trigger.Handle
	fd     int
}

// NewSignal creates an eventfd-backed handle.
func NewSignal(t *testing.T) *Signal {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Skipf("eventfd unavailable: %v", err)
	}
	spec := trigger.NewSpec()
	spec.Resource = trigger.CPU
	spec.Stall = trigger.StallSome
	spec.Amount = time.Millisecond
	spec.Window = time.Second
	return &Signal{Handle: trigger.Adopt(fd, spec, unix.EPOLLIN), fd: fd}
}

// Fire makes the handle readable, as the kernel does when a trigger fires.
func (s *Signal) Fire(t *testing.T) {
	t.Helper()
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(s.fd, one[:]); err != nil {
		t.Fatalf("fire: %v", err)
	}
}

// NewHangup creates a handle that reports EPOLLIN together with EPOLLHUP on
// every wait, as a trigger does once the kernel has destroyed it: the read end
// of a pipe holding one byte whose write end is closed.
func NewHangup(t *testing.T) *trigger.Handle {
	t.Helper()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Skipf("pipe unavailable: %v", err)
	}
	if _, err := unix.Write(p[1], []byte{1}); err != nil {
		t.Fatalf("pipe write: %v", err)
	}
	_ = unix.Close(p[1])
	spec := trigger.NewSpec()
	spec.Resource = trigger.Memory
	spec.Stall = trigger.StallFull
	spec.Amount = time.Millisecond
	spec.Window = time.Second
	return trigger.Adopt(p[0], spec, unix.EPOLLIN)
}

// Entries creates n signals registered under IDs 0..n-1.
func Entries(t *testing.T, n int) ([]psimon.Entry, []*Signal) {
	t.Helper()
	entries := make([]psimon.Entry, n)
	signals := make([]*Signal, n)
	for i := range entries {
		signals[i] = NewSignal(t)
		entries[i] = psimon.Entry{ID: psimon.ID(i), Handle: signals[i].Handle}
	}
	return entries, signals
}

// Expect receives one event and requires it to be Ready(id).
func Expect(t *testing.T, d psimon.Dispatcher, id psimon.ID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	ev, err := d.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v (want ready %d)", err, id)
	}
	if ev.Type != psimon.EventReady || ev.ID != id {
		t.Fatalf("Receive() = %v, want ready %d", ev, id)
	}
}

// ExpectQuiet requires that no event arrives for a short period.
func ExpectQuiet(t *testing.T, d psimon.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), quietPeriod)
	defer cancel()
	ev, err := d.Receive(ctx)
	if err == nil {
		t.Fatalf("unexpected event %v", ev)
	}
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive = %v, want deadline exceeded", err)
	}
}

// ExpectClosed requires Receive to report an orderly shutdown.
func ExpectClosed(t *testing.T, d psimon.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	ev, err := d.Receive(ctx)
	if !errors.IsClosed(err) {
		t.Fatalf("Receive() = %v, %v; want closed error", ev, err)
	}
}

// Descriptors returns the descriptor of every entry. Call it before the
// handles are closed.
func Descriptors(entries []psimon.Entry) []int {
	fds := make([]int, len(entries))
	for i, e := range entries {
		fds[i] = e.Handle.Fd()
	}
	return fds
}

// ExpectReleased requires every descriptor in fds to be closed at the OS
// level, not only marked closed by its handle.
func ExpectReleased(t *testing.T, fds []int) {
	t.Helper()
	for _, fd := range fds {
		if fd < 0 {
			t.Errorf("descriptor already reported closed before the check")
			continue
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != unix.EBADF {
			t.Errorf("fd %d still open (fcntl: %v)", fd, err)
		}
	}
}

func start(t *testing.T, f Factory, n int) (psimon.Dispatcher, []psimon.Entry, []*Signal) {
	t.Helper()
	entries, signals := Entries(t, n)
	d := f(t, entries)
	t.Cleanup(func() { _ = d.Close() })
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return d, entries, signals
}

// Run executes the suite against dispatchers built by f.
func Run(t *testing.T, f Factory) {
	t.Run("ReadyOnlyForSignalledHandle", func(t *testing.T) {
		d, _, sig := start(t, f, 3)
		sig[1].Fire(t)
		Expect(t, d, 1)
		ExpectQuiet(t, d)
	})

	t.Run("SequentialSignalsInOrder", func(t *testing.T) {
		d, _, sig := start(t, f, 3)
		for _, i := range []int{0, 2, 1, 2} {
			sig[i].Fire(t)
			Expect(t, d, psimon.ID(i))
		}
		ExpectQuiet(t, d)
	})

	t.Run("SameCycleReadiness", func(t *testing.T) {
		entries, sig := Entries(t, 3)
		for _, s := range sig {
			s.Fire(t)
		}
		d := f(t, entries)
		t.Cleanup(func() { _ = d.Close() })
		if err := d.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}

		seen := make(map[psimon.ID]int)
		for range sig {
			ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
			ev, err := d.Receive(ctx)
			cancel()
			if err != nil || ev.Type != psimon.EventReady {
				t.Fatalf("Receive() = %v, %v", ev, err)
			}
			seen[ev.ID]++
		}
		for i := range sig {
			if seen[psimon.ID(i)] != 1 {
				t.Errorf("id %d delivered %d times, want 1", i, seen[psimon.ID(i)])
			}
		}
		ExpectQuiet(t, d)
	})

	t.Run("ReceiveBeforeStart", func(t *testing.T) {
		entries, _ := Entries(t, 1)
		d := f(t, entries)
		defer d.Close()
		if d.State() != psimon.StateCreated {
			t.Fatalf("State() = %v, want created", d.State())
		}
		_, err := d.Receive(context.Background())
		if !stderrors.Is(err, &errors.Error{Kind: errors.KindNotStarted}) {
			t.Fatalf("Receive before Start = %v, want not started", err)
		}
	})

	t.Run("StartTwice", func(t *testing.T) {
		d, _, _ := start(t, f, 1)
		if d.State() != psimon.StateRunning {
			t.Fatalf("State() = %v, want running", d.State())
		}
		err := d.Start()
		if !stderrors.Is(err, &errors.Error{Kind: errors.KindAlreadyStarted}) {
			t.Fatalf("second Start = %v, want already started", err)
		}
	})

	t.Run("CloseUnblocksReceive", func(t *testing.T) {
		d, entries, _ := start(t, f, 3)
		fds := Descriptors(entries)

		errc := make(chan error, 1)
		go func() {
			_, err := d.Receive(context.Background())
			errc <- err
		}()
		time.Sleep(50 * time.Millisecond)

		if err := d.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		select {
		case err := <-errc:
			if !errors.IsClosed(err) {
				t.Fatalf("blocked Receive = %v, want closed error", err)
			}
		case <-time.After(eventTimeout):
			t.Fatal("Receive still blocked after Close")
		}

		for _, e := range entries {
			if !e.Handle.Closed() {
				t.Errorf("handle %d still open after Close", e.ID)
			}
		}
		ExpectReleased(t, fds)
		if d.State() != psimon.StateStopped {
			t.Errorf("State() = %v, want stopped", d.State())
		}
		ExpectClosed(t, d)
	})

	t.Run("CloseBeforeStart", func(t *testing.T) {
		entries, _ := Entries(t, 2)
		fds := Descriptors(entries)
		d := f(t, entries)
		if err := d.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		for _, e := range entries {
			if !e.Handle.Closed() {
				t.Errorf("handle %d still open after Close", e.ID)
			}
		}
		ExpectReleased(t, fds)
		if err := d.Start(); !errors.IsClosed(err) {
			t.Fatalf("Start after Close = %v, want closed error", err)
		}
		ExpectClosed(t, d)
	})

	t.Run("CloseIdempotent", func(t *testing.T) {
		d, _, _ := start(t, f, 1)
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = d.Close()
			}()
		}
		wg.Wait()
		if err := d.Close(); err != nil {
			t.Fatalf("Close after Close = %v, want nil", err)
		}
	})

	t.Run("ReceiveHonoursContext", func(t *testing.T) {
		d, _, _ := start(t, f, 1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := d.Receive(ctx); !stderrors.Is(err, context.Canceled) {
			t.Fatalf("Receive with canceled ctx = %v, want context.Canceled", err)
		}
	})

	t.Run("Isolation", func(t *testing.T) {
		a, _, sigA := start(t, f, 2)
		b, _, sigB := start(t, f, 2)

		sigB[0].Fire(t)
		Expect(t, b, 0)
		ExpectQuiet(t, a)

		sigA[1].Fire(t)
		Expect(t, a, 1)
		ExpectQuiet(t, b)
	})

	t.Run("DetachedHandleDeregistered", func(t *testing.T) {
		entries, sig := Entries(t, 2)
		entries = append(entries, psimon.Entry{ID: 2, Handle: NewHangup(t)})
		fds := Descriptors(entries)
		d := f(t, entries)
		t.Cleanup(func() { _ = d.Close() })
		if err := d.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}

		// The hung-up handle must be dropped, not reported over and over.
		ExpectQuiet(t, d)
		sig[1].Fire(t)
		Expect(t, d, 1)
		ExpectQuiet(t, d)
		if d.State() != psimon.StateRunning {
			t.Fatalf("State() = %v, want running", d.State())
		}

		if err := d.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		ExpectReleased(t, fds)
	})

	t.Run("Len", func(t *testing.T) {
		d, _, _ := start(t, f, 4)
		if d.Len() != 4 {
			t.Fatalf("Len() = %d, want 4", d.Len())
		}
	})
}

// RunKernel arms a real CPU trigger, saturates the CPUs and requires the
// dispatcher built by f to report Ready(0), then an orderly close.
func RunKernel(t *testing.T, f Factory) {
	if testing.Short() {
		t.Skip("kernel trigger test needs CPU contention")
	}
	if !trigger.CPU.Exists() {
		t.Skip("PSI not available")
	}

	spec := trigger.NewSpec()
	spec.Resource = trigger.CPU
	spec.Stall = trigger.StallSome
	spec.Amount = 20 * time.Millisecond
	spec.Window = trigger.UnprivilegedWindowGranularity
	spec.Limits = trigger.DetectLimits()

	h, err := trigger.Build(spec)
	if err != nil {
		switch errors.Errno(err) {
		case unix.EPERM, unix.EACCES, unix.EOPNOTSUPP:
			t.Skipf("kernel refused trigger: %v", err)
		}
		t.Fatalf("Build: %v", err)
	}
	entries := []psimon.Entry{{ID: 0, Handle: h}}
	fds := Descriptors(entries)
	d := f(t, entries)
	t.Cleanup(func() { _ = d.Close() })
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// More runnable threads than CPUs makes some tasks wait for a CPU.
	workers := 4 * runtime.NumCPU()
	prev := runtime.GOMAXPROCS(workers)
	defer runtime.GOMAXPROCS(prev)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ev, err := d.Receive(ctx)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if ev.Type != psimon.EventReady || ev.ID != 0 {
		t.Fatalf("Receive() = %v, want ready 0", ev)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for {
		ev, err := d.Receive(ctx)
		if err != nil {
			if !errors.IsClosed(err) {
				t.Fatalf("Receive after Close = %v, want closed error", err)
			}
			break
		}
		if ev.Type != psimon.EventReady || ev.ID != 0 {
			t.Fatalf("drained %v, want ready 0", ev)
		}
	}
	ExpectReleased(t, fds)
}
