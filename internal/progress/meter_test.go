package progress

import (
	"testing"
	"time"
)

func tickingMeter(start time.Time) (*Meter, *time.Time) {
	now := start
	return NewMeterWithNow(func() time.Time { return now }), &now
}

func TestMeterTracksRatePercentAndETA(t *testing.T) {
	m, now := tickingMeter(time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC))
	m.Start(4096)

	*now = now.Add(2 * time.Second)
	m.Add(2048)

	s := m.Snapshot()
	if s.BytesDone != 2048 || s.Total != 4096 {
		t.Fatalf("progress = %d/%d, want 2048/4096", s.BytesDone, s.Total)
	}
	if s.Percent != 50 {
		t.Fatalf("percent = %.1f, want 50", s.Percent)
	}
	if s.RateBps < 1000 || s.RateBps > 1050 {
		t.Fatalf("rate = %.1f B/s, want ~1024", s.RateBps)
	}
	if s.ETA < 1900*time.Millisecond || s.ETA > 2100*time.Millisecond {
		t.Fatalf("eta = %s, want ~2s", s.ETA)
	}
}

func TestMeterSmoothsRateAcrossSamples(t *testing.T) {
	m, now := tickingMeter(time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC))
	m.Start(1 << 20)

	// 100 B/s then a 900 B/s burst: the EWMA must land between the two,
	// pulled only partway toward the burst.
	*now = now.Add(time.Second)
	m.Add(100)
	*now = now.Add(time.Second)
	m.Add(900)

	s := m.Snapshot()
	if s.RateBps <= 100 || s.RateBps >= 900 {
		t.Fatalf("smoothed rate = %.1f, want strictly between 100 and 900", s.RateBps)
	}
	if s.RateBps > 500 {
		t.Fatalf("smoothed rate = %.1f, leans too hard on the burst", s.RateBps)
	}
}

func TestMeterSetTotalMovesETA(t *testing.T) {
	m, now := tickingMeter(time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC))
	m.Start(1000)

	*now = now.Add(time.Second)
	m.Add(500)

	before := m.Snapshot().ETA
	m.SetTotal(2000)
	after := m.Snapshot().ETA
	if after <= before {
		t.Fatalf("eta did not grow with the total: before %s, after %s", before, after)
	}
	if got := m.Snapshot().Percent; got != 25 {
		t.Fatalf("percent after SetTotal = %.1f, want 25", got)
	}
}

func TestMeterIdleHasNoRate(t *testing.T) {
	m, _ := tickingMeter(time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC))
	m.Start(512)

	m.Add(0)
	m.Add(-3)

	s := m.Snapshot()
	if s.RateBps != 0 || s.ETA != 0 || s.BytesDone != 0 {
		t.Fatalf("idle snapshot = %+v, want zero rate, eta, and bytes", s)
	}
}
