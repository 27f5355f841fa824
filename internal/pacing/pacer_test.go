package pacing

import (
	"context"
	"sync"
	"testing"
	"time"
)

// stubBuffered is a Buffered implementation with manual control.
type stubBuffered struct {
	mu       sync.Mutex
	buffered int
	waiters  []chan struct{}
}

func (s *stubBuffered) BufferedAmount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

func (s *stubBuffered) NotifyDrain(threshold int) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffered <= threshold {
		ch <- struct{}{}
		return ch
	}
	s.waiters = append(s.waiters, ch)
	return ch
}

func (s *stubBuffered) drainTo(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered = n
	for _, ch := range s.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.waiters = nil
}

func TestWaitReturnsImmediatelyBelowMark(t *testing.T) {
	p := New(nil, Options{HighWater: 1000})
	ch := &stubBuffered{buffered: 500}

	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background(), "peer", ch) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait blocked below high-water mark")
	}
}

func TestWaitUnblocksOnDrain(t *testing.T) {
	p := New(nil, Options{HighWater: 1000})
	ch := &stubBuffered{buffered: 5000}

	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background(), "peer", ch) }()

	select {
	case <-done:
		t.Fatalf("Wait returned while buffer was full")
	case <-time.After(20 * time.Millisecond):
	}

	ch.drainTo(0)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait did not unblock on drain")
	}
}

func TestWaitResolvesOnTimeout(t *testing.T) {
	p := New(nil, Options{HighWater: 1000, WaitTimeout: 50 * time.Millisecond})
	ch := &stubBuffered{buffered: 5000} // never drains

	start := time.Now()
	if err := p.Wait(context.Background(), "peer", ch); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Wait took %s, want ~50ms timeout", elapsed)
	}
}

func TestWaitCancellation(t *testing.T) {
	p := New(nil, Options{HighWater: 1000, WaitTimeout: time.Minute})
	ch := &stubBuffered{buffered: 5000}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Wait(ctx, "peer", ch) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait ignored cancellation")
	}
}

func TestSingleOutstandingWaitPerPeer(t *testing.T) {
	p := New(nil, Options{HighWater: 1000, WaitTimeout: time.Minute})
	ch := &stubBuffered{buffered: 5000}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan error, 1)
	go func() { first <- p.Wait(ctx, "peer", ch) }()
	time.Sleep(20 * time.Millisecond)

	if err := p.Wait(ctx, "peer", ch); err != ErrWaitPending {
		t.Fatalf("second Wait err = %v, want ErrWaitPending", err)
	}
	// A different peer is unaffected.
	other := &stubBuffered{buffered: 0}
	if err := p.Wait(ctx, "other", other); err != nil {
		t.Fatalf("other peer Wait: %v", err)
	}
}

func TestConstrainedPeerUsesLowerMark(t *testing.T) {
	p := New(nil, Options{HighWater: 1000, ConstrainedHighWater: 100})
	p.SetConstrained("slow", true)

	if got := p.HighWater("slow"); got != 100 {
		t.Fatalf("HighWater(slow) = %d, want 100", got)
	}
	if got := p.HighWater("fast"); got != 1000 {
		t.Fatalf("HighWater(fast) = %d, want 1000", got)
	}

	p.SetConstrained("slow", false)
	if got := p.HighWater("slow"); got != 1000 {
		t.Fatalf("HighWater after unflag = %d, want 1000", got)
	}
}
