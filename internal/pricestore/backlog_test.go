package pricestore

import (
	"testing"
	"time"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

func gen(g uint64) Update {
	return Update{Feed: model.SpotPrice, Generation: g}
}

func TestBacklogOrderAcrossGrowth(t *testing.T) {
	b := newBacklog(2)

	// Wrap the ring before it has to grow.
	b.push(gen(0))
	b.pop()
	for i := uint64(1); i <= 50; i++ {
		if !b.push(gen(i)) {
			t.Fatalf("push(%d) returned false", i)
		}
	}

	n, peak := b.depth()
	if n != 50 || peak != 50 {
		t.Errorf("depth() = %d, %d; want 50, 50", n, peak)
	}
	for i := uint64(1); i <= 50; i++ {
		u, ok := b.pop()
		if !ok || u.Generation != i {
			t.Fatalf("pop() = %d, %v; want %d, true", u.Generation, ok, i)
		}
	}

	n, peak = b.depth()
	if n != 0 || peak != 50 {
		t.Errorf("depth() after drain = %d, %d; want 0, 50", n, peak)
	}
}

func TestBacklogPopWaits(t *testing.T) {
	b := newBacklog(1)
	got := make(chan uint64, 1)

	go func() {
		if u, ok := b.pop(); ok {
			got <- u.Generation
		}
	}()

	time.Sleep(10 * time.Millisecond)
	b.push(gen(42))

	select {
	case g := <-got:
		if g != 42 {
			t.Errorf("pop() = %d, want 42", g)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pop")
	}
}

func TestBacklogClose(t *testing.T) {
	b := newBacklog(4)
	b.push(gen(1))
	b.close()

	if b.push(gen(2)) {
		t.Error("push after close returned true")
	}
	if u, ok := b.pop(); !ok || u.Generation != 1 {
		t.Errorf("pop() = %d, %v; want 1, true", u.Generation, ok)
	}
	if _, ok := b.pop(); ok {
		t.Error("pop on closed empty backlog returned true")
	}
}
