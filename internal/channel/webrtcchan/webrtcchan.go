// Package webrtcchan adapts a pion WebRTC DataChannel to the channel
// interface: ordered reliable delivery, message framing, and an
// observable SCTP send buffer with drain notification.
package webrtcchan

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/driftbyte/driftbyte/internal/channel"
)

var _ channel.Channel = (*Channel)(nil)

// Config holds DataChannel adapter configuration.
type Config struct {
	// MaxMessageSize is the largest message Send accepts. Default 256 KiB,
	// the common browser DataChannel limit.
	MaxMessageSize int

	// BufferCeiling rejects sends that would push the SCTP buffer past
	// this many bytes. Default 16 MiB.
	BufferCeiling int

	// Logger for debug output.
	Logger *slog.Logger
}

const (
	defaultMaxMessageSize = 256 * 1024
	defaultBufferCeiling  = 16 * 1024 * 1024
)

// Channel is one end of a DataChannel-backed message channel.
type Channel struct {
	dc     *webrtc.DataChannel
	config Config
	logger *slog.Logger

	readyCh  chan struct{}
	openOnce sync.Once
	inbox    chan []byte

	mu      sync.Mutex
	closed  bool
	queue   [][]byte // inbound messages awaiting dispatch
	cond    *sync.Cond
	waiters []drainWaiter
}

type drainWaiter struct {
	threshold uint64
	ch        chan struct{}
}

// New wraps an established (or opening) DataChannel. Negotiation and
// ICE are the caller's concern; the adapter only moves messages.
func New(dc *webrtc.DataChannel, config Config) *Channel {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if config.BufferCeiling <= 0 {
		config.BufferCeiling = defaultBufferCeiling
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Channel{
		dc:      dc,
		config:  config,
		logger:  logger,
		readyCh: make(chan struct{}),
		inbox:   make(chan []byte, 64),
	}
	c.cond = sync.NewCond(&c.mu)

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.readyCh) })
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.openOnce.Do(func() { close(c.readyCh) })
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Copy: pion reuses the receive buffer after the callback.
		buf := make([]byte, len(msg.Data))
		copy(buf, msg.Data)
		c.mu.Lock()
		if !c.closed {
			c.queue = append(c.queue, buf)
		}
		c.mu.Unlock()
		c.cond.Signal()
	})

	dc.OnBufferedAmountLow(func() {
		c.signalDrained()
	})

	dc.OnClose(func() {
		c.shutdown()
	})
	dc.OnError(func(err error) {
		c.logger.Warn("data channel error", "label", dc.Label(), "err", err)
		c.shutdown()
	})

	go c.dispatch()
	return c
}

// dispatch moves queued inbound messages to the inbox without ever
// blocking pion's SCTP read loop.
func (c *Channel) dispatch() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed && len(c.queue) == 0 {
			c.mu.Unlock()
			close(c.inbox)
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.inbox <- msg
	}
}

// Send queues one message on the data channel.
func (c *Channel) Send(p []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return channel.ErrClosed
	}
	if len(p) > c.config.MaxMessageSize {
		return channel.ErrMessageTooLarge
	}
	if int(c.dc.BufferedAmount())+len(p) > c.config.BufferCeiling {
		return channel.ErrBufferOverflow
	}
	if err := c.dc.Send(p); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

// Messages delivers inbound messages in order.
func (c *Channel) Messages() <-chan []byte { return c.inbox }

// Ready is closed once the data channel reports open.
func (c *Channel) Ready() <-chan struct{} { return c.readyCh }

// BufferedAmount reports bytes sitting in the SCTP send buffer.
func (c *Channel) BufferedAmount() int {
	return int(c.dc.BufferedAmount())
}

// MaxMessageSize reports the negotiated message limit.
func (c *Channel) MaxMessageSize() int { return c.config.MaxMessageSize }

// NotifyDrain returns a channel signalled once the SCTP buffer drops to
// or below threshold. pion exposes a single low-water callback, so the
// adapter keeps its threshold at the highest outstanding request and
// fans out.
func (c *Channel) NotifyDrain(threshold int) <-chan struct{} {
	if threshold < 0 {
		threshold = 0
	}
	ch := make(chan struct{}, 1)
	if c.dc.BufferedAmount() <= uint64(threshold) {
		ch <- struct{}{}
		return ch
	}

	c.mu.Lock()
	c.waiters = append(c.waiters, drainWaiter{threshold: uint64(threshold), ch: ch})
	c.retargetLocked()
	c.mu.Unlock()
	return ch
}

// signalDrained wakes every waiter whose threshold is now satisfied.
func (c *Channel) signalDrained() {
	buffered := c.dc.BufferedAmount()
	c.mu.Lock()
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if buffered <= w.threshold {
			select {
			case w.ch <- struct{}{}:
			default:
			}
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
	c.retargetLocked()
	c.mu.Unlock()
}

// retargetLocked points pion's single low-water mark at the highest
// outstanding threshold so the earliest waiter wakes first.
func (c *Channel) retargetLocked() {
	var max uint64
	for _, w := range c.waiters {
		if w.threshold > max {
			max = w.threshold
		}
	}
	c.dc.SetBufferedAmountLowThreshold(max)
}

// Label identifies the data channel.
func (c *Channel) Label() string { return c.dc.Label() }

// shutdown releases waiters and the dispatcher after the channel dies.
func (c *Channel) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, w := range c.waiters {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
	c.waiters = nil
	c.mu.Unlock()
	c.cond.Signal()
}

// Close closes the underlying data channel.
func (c *Channel) Close() error {
	c.shutdown()
	return c.dc.Close()
}
