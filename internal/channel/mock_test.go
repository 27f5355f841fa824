package channel

import (
	"bytes"
	"testing"
	"time"
)

func TestPairDelivery(t *testing.T) {
	a, b := Pair(MockOptions{})
	defer a.Close()
	defer b.Close()

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, msg := range want {
		if err := a.Send(msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	for i, w := range want {
		select {
		case got := <-b.Messages():
			if !bytes.Equal(got, w) {
				t.Fatalf("message %d = %q, want %q", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestSendOversize(t *testing.T) {
	a, b := Pair(MockOptions{MaxMessageSize: 16})
	defer a.Close()
	defer b.Close()

	if err := a.Send(make([]byte, 17)); err != ErrMessageTooLarge {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
	if err := a.Send(make([]byte, 16)); err != nil {
		t.Fatalf("Send at limit: %v", err)
	}
}

func TestBufferCeiling(t *testing.T) {
	a, b := Pair(MockOptions{
		MaxMessageSize: 1024,
		BufferCeiling:  2048,
		DrainEvery:     time.Hour, // no draining during the test
	})
	defer a.Close()
	defer b.Close()

	if err := a.Send(make([]byte, 1024)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := a.Send(make([]byte, 1024)); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if err := a.Send(make([]byte, 1)); err != ErrBufferOverflow {
		t.Fatalf("err = %v, want ErrBufferOverflow", err)
	}
	if got := a.BufferedAmount(); got != 2048 {
		t.Fatalf("BufferedAmount = %d, want 2048", got)
	}
}

func TestNotifyDrain(t *testing.T) {
	a, b := Pair(MockOptions{
		MaxMessageSize: 1024,
		DrainEvery:     time.Millisecond,
		DrainBytes:     1024,
	})
	defer a.Close()
	defer b.Close()

	for i := 0; i < 4; i++ {
		if err := a.Send(make([]byte, 1024)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	select {
	case <-a.NotifyDrain(0):
	case <-time.After(time.Second):
		t.Fatalf("drain notification never fired")
	}
	if got := a.BufferedAmount(); got != 0 {
		t.Fatalf("BufferedAmount = %d after drain, want 0", got)
	}
}

func TestCloseWhilePeerPumping(t *testing.T) {
	a, b := Pair(MockOptions{
		MaxMessageSize: 64,
		DrainEvery:     time.Millisecond,
		DrainBytes:     64,
	})
	defer a.Close()

	// Keep a's pump busy, then tear down the receiving side while
	// messages are still in flight. The pump must stop, not panic.
	for i := 0; i < 64; i++ {
		if err := a.Send(make([]byte, 32)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	<-b.Messages()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Give the pump a few ticks to hit the closed inbox.
	time.Sleep(20 * time.Millisecond)

	if err := a.Send([]byte("late")); err != nil {
		t.Fatalf("Send after peer close: %v", err)
	}
}

func TestNotifyDrainImmediate(t *testing.T) {
	a, b := Pair(MockOptions{})
	defer a.Close()
	defer b.Close()

	select {
	case <-a.NotifyDrain(1024):
	default:
		t.Fatalf("expected immediate signal when already below threshold")
	}
}
