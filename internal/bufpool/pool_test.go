package bufpool

import "testing"

func TestGetReturnsPoolSize(t *testing.T) {
	p := New(8 * 1024)
	buf := p.Get()
	if len(buf) != 8*1024 {
		t.Fatalf("len = %d, want %d", len(buf), 8*1024)
	}
	if p.Size() != 8*1024 {
		t.Fatalf("Size = %d, want %d", p.Size(), 8*1024)
	}
}

func TestPutRecyclesBuffer(t *testing.T) {
	p := New(64)
	buf := p.Get()
	buf[0] = 0xAB
	p.Put(buf)

	// sync.Pool may or may not hand the same array back; when it does,
	// the slice must still have the pool's length.
	again := p.Get()
	if len(again) != 64 {
		t.Fatalf("recycled len = %d, want 64", len(again))
	}
}

func TestPutDropsUndersizedBuffer(t *testing.T) {
	p := New(128)
	p.Put(make([]byte, 16)) // too small, silently dropped

	buf := p.Get()
	if len(buf) != 128 {
		t.Fatalf("len after undersized Put = %d, want 128", len(buf))
	}
}

func TestNewClampsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -5} {
		p := New(size)
		if got := len(p.Get()); got != 1 {
			t.Fatalf("New(%d): buffer len = %d, want 1", size, got)
		}
	}
}
