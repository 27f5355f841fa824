// Package pacing gates outbound byte rate against channel buffer
// occupancy so a sender never overruns the transport's send buffer.
package pacing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultHighWater is the buffered-bytes mark below which sending resumes.
	DefaultHighWater = 512 * 1024
	// DefaultConstrainedHighWater applies to peers flagged as constrained.
	DefaultConstrainedHighWater = 128 * 1024
	// DefaultWaitTimeout bounds any single backpressure wait. On expiry
	// the wait resolves anyway; pacing must never stall a transfer for good.
	DefaultWaitTimeout = 5 * time.Second

	pollEvery = 50 * time.Millisecond
)

// ErrWaitPending indicates a second concurrent wait for the same peer.
var ErrWaitPending = errors.New("pacing: wait already pending for peer")

// Buffered is the slice of the channel interface the pacer needs.
type Buffered interface {
	BufferedAmount() int
	NotifyDrain(threshold int) <-chan struct{}
}

// Options configures a Pacer. Zero values use defaults.
type Options struct {
	HighWater            int
	ConstrainedHighWater int
	WaitTimeout          time.Duration
}

// Pacer tracks per-peer backpressure waits. One Pacer is shared by all
// transfers; state is keyed by peer identity.
type Pacer struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	constrained map[string]bool
	pending     map[string]bool
}

// New creates a Pacer.
func New(logger *slog.Logger, opts Options) *Pacer {
	if opts.HighWater <= 0 {
		opts.HighWater = DefaultHighWater
	}
	if opts.ConstrainedHighWater <= 0 {
		opts.ConstrainedHighWater = DefaultConstrainedHighWater
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pacer{
		opts:        opts,
		logger:      logger,
		constrained: make(map[string]bool),
		pending:     make(map[string]bool),
	}
}

// SetConstrained flags a peer as constrained, lowering its high-water mark.
func (p *Pacer) SetConstrained(peerKey string, constrained bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if constrained {
		p.constrained[peerKey] = true
	} else {
		delete(p.constrained, peerKey)
	}
}

// HighWater returns the mark in effect for a peer.
func (p *Pacer) HighWater(peerKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.constrained[peerKey] {
		return p.opts.ConstrainedHighWater
	}
	return p.opts.HighWater
}

// Wait blocks until ch's buffered bytes drop below the peer's high-water
// mark, the wait times out (resolving anyway with a warning), or ctx is
// cancelled. At most one Wait may be outstanding per peer.
func (p *Pacer) Wait(ctx context.Context, peerKey string, ch Buffered) error {
	mark := p.HighWater(peerKey)
	if ch.BufferedAmount() < mark {
		return nil
	}

	p.mu.Lock()
	if p.pending[peerKey] {
		p.mu.Unlock()
		return ErrWaitPending
	}
	p.pending[peerKey] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, peerKey)
		p.mu.Unlock()
	}()

	deadline := time.NewTimer(p.opts.WaitTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()

	// Ask to be signalled once the buffer dips under the mark. The poll
	// ticker backstops transports whose drain notification is unreliable.
	drained := ch.NotifyDrain(mark - 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-drained:
			return nil
		case <-poll.C:
			if ch.BufferedAmount() < mark {
				return nil
			}
		case <-deadline.C:
			p.logger.Warn("backpressure wait timed out, resuming send",
				"peer", peerKey,
				"buffered", ch.BufferedAmount(),
				"high_water", mark,
				"timeout", p.opts.WaitTimeout)
			return nil
		}
	}
}
