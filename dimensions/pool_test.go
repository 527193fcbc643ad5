package dimensions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type panickingSource struct{}

func (panickingSource) Resolve(context.Context, string) (Size, error) {
	panic("decoder exploded")
}

func TestPool_RecoversFromPanic(t *testing.T) {
	pool := NewPool(panickingSource{}, 1, 1, zaptest.NewLogger(t))
	defer pool.Close()

	h := pool.Submit(context.Background(), "/a.png")
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("resolution never completed")
	}
	_, err := h.Wait(context.Background())
	if err == nil || !strings.Contains(err.Error(), "decoder exploded") {
		t.Errorf("Wait() error = %v, want panic reported as error", err)
	}

	// worker survives
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h = pool.Submit(ctx, "/b.png")
	if _, err := h.Wait(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected error from second resolution")
	}
}

func TestPool_Resolves(t *testing.T) {
	pool := NewPool(newCountingSource(), 3, 2, zaptest.NewLogger(t))
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handles := make([]*Handle, 0, 10)
	for _, ref := range []string{"a", "bb", "ccc", "dddd", "eeeee"} {
		handles = append(handles, pool.Submit(ctx, ref))
	}
	for i, h := range handles {
		size, err := h.Wait(ctx)
		if err != nil {
			t.Fatalf("[%d] Wait() error = %v", i, err)
		}
		if size.Width != i+1 || size.Height != 10 {
			t.Errorf("[%d] size = %v", i, size)
		}
	}
}

func TestPool_TrySubmitFullQueue(t *testing.T) {
	src := newCountingSource()
	pool := NewPool(src, 1, 1, zaptest.NewLogger(t))
	defer pool.Close()

	ctx := context.Background()
	busy := pool.Submit(ctx, "slow-1.png")
	// worker takes first task, second one stays in queue
	deadline := time.Now().Add(5 * time.Second)
	for src.count("slow-1.png") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never started")
		}
		time.Sleep(time.Millisecond)
	}
	queued := pool.TrySubmit(ctx, "slow-2.png")
	if queued == nil {
		t.Fatal("TrySubmit() into empty queue was rejected")
	}
	if h := pool.TrySubmit(ctx, "slow-3.png"); h != nil {
		t.Error("TrySubmit() into full queue was accepted")
	}

	close(src.release)
	for _, h := range []*Handle{busy, queued} {
		if _, err := h.Wait(ctx); err != nil {
			t.Errorf("Wait(%s) error = %v", h.ref, err)
		}
	}
	if n := src.count("slow-3.png"); n != 0 {
		t.Errorf("rejected reference resolved %d times", n)
	}
}

func TestStore_MemoryRoundTrip(t *testing.T) {
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	if _, found, err := store.Get("/a.png"); err != nil || found {
		t.Fatalf("Get() on empty store = %v, %v", found, err)
	}
	if err := store.Put("/a.png", Size{Width: 1, Height: 2}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put("/a.png", Size{Width: 3, Height: 4}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	size, found, err := store.Get("/a.png")
	if err != nil || !found || size != (Size{Width: 3, Height: 4}) {
		t.Errorf("Get() = %v, %v, %v", size, found, err)
	}
	if n, _ := store.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}
