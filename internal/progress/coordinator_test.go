package progress

import (
	"testing"
	"time"
)

func TestSmallFileAcksEveryPercent(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	c := NewCoordinatorWithNow(func() time.Time { return now })

	const total = 5 * 1024 * 1024 // below the small-file threshold
	sent := 0
	for pct := 1; pct <= 100; pct++ {
		now = now.Add(200 * time.Millisecond) // outside the global throttle
		d := c.Decide(Info{TransferID: "small", BytesDone: int64(total * pct / 100), Total: total})
		if !d.Send {
			t.Fatalf("no send at %d%% (%s)", pct, d.Reason)
		}
		sent++
	}
	if sent != 100 {
		t.Fatalf("sent = %d, want 100", sent)
	}
}

func TestMediumFileAcksEveryTwoPercent(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	c := NewCoordinatorWithNow(func() time.Time { return now })

	const total = 50 * 1024 * 1024
	now = now.Add(time.Second)
	if d := c.Decide(Info{TransferID: "med", BytesDone: total * 2 / 100, Total: total}); !d.Send {
		t.Fatalf("first report should send: %s", d.Reason)
	}
	now = now.Add(time.Second)
	if d := c.Decide(Info{TransferID: "med", BytesDone: total * 3 / 100, Total: total}); d.Send {
		t.Fatalf("3%% after 2%% is inside the same 2%% step, got send (%s)", d.Reason)
	}
	now = now.Add(time.Second)
	if d := c.Decide(Info{TransferID: "med", BytesDone: total * 4 / 100, Total: total}); !d.Send {
		t.Fatalf("4%% crosses a 2%% step: %s", d.Reason)
	}
}

func TestLargeFileIntervalWithoutStep(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	c := NewCoordinatorWithNow(func() time.Time { return now })

	const total = 500 * 1024 * 1024
	done := int64(total / 100) // 1%, far from any 5% boundary

	if d := c.Decide(Info{TransferID: "big", BytesDone: done, Total: total}); !d.Send {
		t.Fatalf("first report should send: %s", d.Reason)
	}

	// No percent boundary crossing, but 500ms elapse.
	done += 1024
	now = now.Add(600 * time.Millisecond)
	if d := c.Decide(Info{TransferID: "big", BytesDone: done, Total: total}); !d.Send {
		t.Fatalf("interval elapsed without send: %s", d.Reason)
	}
}

func TestGlobalThrottle(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	c := NewCoordinatorWithNow(func() time.Time { return now })

	const total = 5 * 1024 * 1024
	if d := c.Decide(Info{TransferID: "t", BytesDone: total / 100, Total: total}); !d.Send {
		t.Fatalf("first report should send: %s", d.Reason)
	}
	now = now.Add(10 * time.Millisecond)
	if d := c.Decide(Info{TransferID: "t", BytesDone: total * 2 / 100, Total: total}); d.Send {
		t.Fatalf("send within global minimum gap (%s)", d.Reason)
	}
}

func TestAlwaysSendsAtHundredPercent(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	c := NewCoordinatorWithNow(func() time.Time { return now })

	const total = 5 * 1024 * 1024
	c.Decide(Info{TransferID: "t", BytesDone: total - 1, Total: total})
	// Immediately after, still inside the global gap.
	now = now.Add(time.Millisecond)
	if d := c.Decide(Info{TransferID: "t", BytesDone: total, Total: total}); !d.Send {
		t.Fatalf("100%% must always send: %s", d.Reason)
	}

	st, ok := c.Snapshot("t")
	if !ok || st.Status != AckCompleted {
		t.Fatalf("snapshot = %+v, want completed", st)
	}
}

func TestSnapshotAndForget(t *testing.T) {
	c := NewCoordinator()
	c.Decide(Info{TransferID: "t", BytesDone: 50, Total: 100})

	if _, ok := c.Snapshot("t"); !ok {
		t.Fatalf("expected snapshot for tracked transfer")
	}
	c.Forget("t")
	if _, ok := c.Snapshot("t"); ok {
		t.Fatalf("snapshot survived Forget")
	}
}
