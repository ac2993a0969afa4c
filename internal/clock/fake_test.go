package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	f := NewFake(start)
	ch := f.After(time.Second)

	select {
	case <-ch:
		t.Fatalf("timer fired before advance")
	default:
	}
	if f.Waiters() != 1 {
		t.Fatalf("expected 1 waiter, got %d", f.Waiters())
	}

	f.Advance(999 * time.Millisecond)
	select {
	case <-ch:
		t.Fatalf("timer fired early")
	default:
	}

	f.Advance(time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Second)) {
			t.Fatalf("fired at %s", got)
		}
	default:
		t.Fatalf("timer did not fire")
	}
	if f.Waiters() != 0 {
		t.Fatalf("expected no waiters, got %d", f.Waiters())
	}
}

func TestFakeTickerStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tk := f.NewTicker(time.Second)
	f.Advance(time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatalf("expected tick")
	}
	tk.Stop()
	f.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatalf("stopped ticker ticked")
	default:
	}
}

func TestFakeSince(t *testing.T) {
	start := time.Unix(100, 0)
	f := NewFake(start)
	f.Advance(3 * time.Second)
	if got := f.Since(start); got != 3*time.Second {
		t.Fatalf("Since = %s", got)
	}
}
