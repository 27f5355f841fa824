// Package chunker recommends the chunk size for outbound transfers
// from observed round-trip time and channel buffer occupancy.
package chunker

import (
	"fmt"
	"sync"
	"time"
)

const (
	// MinChunkSize is the floor the planner never goes below.
	MinChunkSize = 16 * 1024
	// DefaultChunkSize is the starting size for new planners.
	DefaultChunkSize = 64 * 1024
	// AbsoluteMaxChunkSize caps growth regardless of the channel limit.
	AbsoluteMaxChunkSize = 16 * 1024 * 1024

	lowRTT  = 50 * time.Millisecond
	highRTT = 250 * time.Millisecond

	// Occupancy fractions of the channel buffer capacity.
	lowOccupancy  = 0.25
	highOccupancy = 0.75
)

// Metrics is one sample of channel conditions.
type Metrics struct {
	RTT            time.Duration
	BufferedBytes  int
	BufferCapacity int
}

// Planner adapts the working chunk size. Growth and shrink decisions
// apply to the next chunk; only ReduceForOversize takes effect for the
// chunk being retried.
type Planner struct {
	mu      sync.Mutex
	size    int
	maxSize int
}

// NewPlanner returns a planner at DefaultChunkSize with the absolute ceiling.
func NewPlanner() *Planner {
	return &Planner{size: DefaultChunkSize, maxSize: AbsoluteMaxChunkSize}
}

// Size returns the current working chunk size.
func (p *Planner) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// SetMaxMessageSize clamps the working size and ceiling to the
// channel's advertised maximum message size.
func (p *Planner) SetMaxMessageSize(limit int) {
	if limit <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSize = limit
	if p.maxSize > AbsoluteMaxChunkSize {
		p.maxSize = AbsoluteMaxChunkSize
	}
	if p.maxSize < MinChunkSize {
		p.maxSize = MinChunkSize
	}
	if p.size > p.maxSize {
		p.size = p.maxSize
	}
}

// Update adjusts the working size from a metrics sample and returns the
// new size with a reasoning string for logging.
func (p *Planner) Update(m Metrics) (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	occupancy := 0.0
	if m.BufferCapacity > 0 {
		occupancy = float64(m.BufferedBytes) / float64(m.BufferCapacity)
	}

	switch {
	case occupancy >= highOccupancy:
		p.size = clamp(p.size/2, MinChunkSize, p.maxSize)
		return p.size, fmt.Sprintf("shrink: buffer occupancy %.0f%% above high mark", occupancy*100)
	case m.RTT >= highRTT:
		p.size = clamp(p.size/2, MinChunkSize, p.maxSize)
		return p.size, fmt.Sprintf("shrink: rtt %s above %s", m.RTT, highRTT)
	case m.RTT > 0 && m.RTT <= lowRTT && occupancy < lowOccupancy:
		p.size = clamp(p.size*2, MinChunkSize, p.maxSize)
		return p.size, fmt.Sprintf("grow: rtt %s low, buffer occupancy %.0f%%", m.RTT, occupancy*100)
	default:
		return p.size, "hold: conditions nominal"
	}
}

// ReduceForOversize halves the working size after the channel rejected
// a message as too large. The caller retries the same chunk at the
// returned size; this is the only synchronous corrective path.
func (p *Planner) ReduceForOversize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size = clamp(p.size/2, MinChunkSize, p.maxSize)
	return p.size
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
