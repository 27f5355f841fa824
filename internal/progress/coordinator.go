// Package progress decides when acknowledgment and progress messages
// are worth sending, and tracks smoothed transfer rates.
package progress

import (
	"fmt"
	"sync"
	"time"
)

const (
	// smallFileLimit, below which every 1% step is acknowledged.
	smallFileLimit = 10 * 1024 * 1024
	// mediumFileLimit, below which every 2% step is acknowledged.
	mediumFileLimit = 100 * 1024 * 1024

	smallStep  = 1.0
	mediumStep = 2.0
	largeStep  = 5.0

	// largeInterval forces an update for big files even between steps.
	largeInterval = 500 * time.Millisecond
	// globalMinGap throttles all progress traffic per transfer.
	globalMinGap = 100 * time.Millisecond
)

// AckStatus is the acknowledgment lifecycle of a transfer.
type AckStatus string

const (
	AckWaiting       AckStatus = "waiting"
	AckAcknowledging AckStatus = "acknowledging"
	AckCompleted     AckStatus = "completed"
	AckError         AckStatus = "error"
)

// AckState is a snapshot of acknowledgment progress for one transfer.
type AckState struct {
	TransferID string
	Percent    float64
	BytesAcked int64
	Status     AckStatus
}

// Info is the input to one cadence decision.
type Info struct {
	TransferID string
	BytesDone  int64
	Total      int64
}

// Decision says whether to emit a progress/ACK message now.
type Decision struct {
	Send   bool
	Reason string
}

type ackTrack struct {
	lastPercent float64
	lastSentAt  time.Time
	bytesAcked  int64
	status      AckStatus
}

// Coordinator applies the adaptive acknowledgment cadence: small files
// acknowledge every 1% step, medium every 2%, large on whichever comes
// first of a 500ms interval or a 5% step, all throttled by a global
// minimum gap. 100% is always sent.
type Coordinator struct {
	mu        sync.Mutex
	transfers map[string]*ackTrack
	now       func() time.Time
}

// NewCoordinator returns a coordinator using the wall clock.
func NewCoordinator() *Coordinator {
	return NewCoordinatorWithNow(time.Now)
}

// NewCoordinatorWithNow returns a coordinator with a custom time source
// for tests.
func NewCoordinatorWithNow(now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{transfers: make(map[string]*ackTrack), now: now}
}

// Decide reports whether a progress message should go out for the given
// transfer position, and records the send when it should.
func (c *Coordinator) Decide(info Info) Decision {
	if info.Total <= 0 {
		return Decision{Send: false, Reason: "unknown total"}
	}
	percent := float64(info.BytesDone) / float64(info.Total) * 100
	if percent > 100 {
		percent = 100
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	tr := c.transfers[info.TransferID]
	if tr == nil {
		tr = &ackTrack{lastPercent: -1, status: AckWaiting}
		c.transfers[info.TransferID] = tr
	}

	if percent >= 100 {
		tr.lastPercent = 100
		tr.lastSentAt = now
		tr.bytesAcked = info.BytesDone
		tr.status = AckCompleted
		return Decision{Send: true, Reason: "transfer complete"}
	}

	step := largeStep
	switch {
	case info.Total < smallFileLimit:
		step = smallStep
	case info.Total < mediumFileLimit:
		step = mediumStep
	}

	stepCrossed := int(percent/step) > int(tr.lastPercent/step) || tr.lastPercent < 0
	intervalDue := info.Total >= mediumFileLimit && now.Sub(tr.lastSentAt) >= largeInterval

	if !stepCrossed && !intervalDue {
		return Decision{Send: false, Reason: "between steps"}
	}
	if !tr.lastSentAt.IsZero() && now.Sub(tr.lastSentAt) < globalMinGap {
		return Decision{Send: false, Reason: "global throttle"}
	}

	tr.lastPercent = percent
	tr.lastSentAt = now
	tr.bytesAcked = info.BytesDone
	tr.status = AckAcknowledging

	if stepCrossed {
		return Decision{Send: true, Reason: fmt.Sprintf("crossed %.0f%% step", step)}
	}
	return Decision{Send: true, Reason: "interval elapsed"}
}

// MarkError flags a transfer's acknowledgment state as failed.
func (c *Coordinator) MarkError(transferID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr := c.transfers[transferID]; tr != nil {
		tr.status = AckError
	}
}

// Snapshot returns the acknowledgment state for a transfer.
func (c *Coordinator) Snapshot(transferID string) (AckState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.transfers[transferID]
	if !ok {
		return AckState{}, false
	}
	pct := tr.lastPercent
	if pct < 0 {
		pct = 0
	}
	return AckState{
		TransferID: transferID,
		Percent:    pct,
		BytesAcked: tr.bytesAcked,
		Status:     tr.status,
	}, true
}

// Forget drops tracking state for a finished transfer.
func (c *Coordinator) Forget(transferID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transfers, transferID)
}
