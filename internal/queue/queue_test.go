package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		if !q.Push(i) {
			t.Fatal("Push on open queue failed")
		}
	}
	if q.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", q.Len())
	}
	for i := 0; i < 100; i++ {
		v, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if v != i {
			t.Fatalf("Pop() = %d, want %d", v, i)
		}
	}
}

func TestQueue_CloseDrainsThenFails(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")
	q.Close()

	if q.Push("c") {
		t.Error("Push after Close should report false")
	}
	for _, want := range []string{"a", "b"} {
		v, err := q.Pop(context.Background())
		if err != nil || v != want {
			t.Fatalf("Pop() = %q, %v; want %q", v, err, want)
		}
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Pop on drained queue = %v, want ErrClosed", err)
	}
	q.Close()
}

func TestQueue_PushAndClose(t *testing.T) {
	q := New[int]()
	q.Push(1)
	if !q.PushAndClose(2) {
		t.Fatal("PushAndClose on open queue failed")
	}
	if q.PushAndClose(3) || q.Push(4) {
		t.Fatal("queue accepted items after PushAndClose")
	}
	select {
	case <-q.Done():
	default:
		t.Fatal("Done not closed")
	}
	for _, want := range []int{1, 2} {
		if v, err := q.Pop(context.Background()); err != nil || v != want {
			t.Fatalf("Pop() = %d, %v; want %d", v, err, want)
		}
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Pop = %v, want ErrClosed", err)
	}
}

func TestQueue_CloseUnblocksPop(t *testing.T) {
	q := New[int]()
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Pop = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Close")
	}
}

func TestQueue_PopContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop = %v, want DeadlineExceeded", err)
	}
}

func TestQueue_ConcurrentConsumers(t *testing.T) {
	q := New[int]()
	const n = 1000

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]bool)
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Pop(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < n; i++ {
		q.Push(i)
	}
	for q.Len() > 0 {
		time.Sleep(time.Millisecond)
	}
	q.Close()
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("consumed %d distinct items, want %d", len(seen), n)
	}
}
