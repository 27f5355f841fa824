package channel

import (
	"sync"
	"time"
)

const (
	defaultMockMaxMessage = 256 * 1024
	defaultMockCeiling    = 1 << 20
	defaultMockDrainEvery = time.Millisecond
	defaultMockDrainBytes = 64 * 1024
)

// MockOptions configures a mock channel pair.
type MockOptions struct {
	MaxMessageSize int
	BufferCeiling  int           // Send fails with ErrBufferOverflow past this
	DrainEvery     time.Duration // drain pump tick
	DrainBytes     int           // bytes drained per tick
}

// MockChannel is an in-memory Channel implementation for testing.
// Two linked instances form a bidirectional pipe; an internal pump
// drains the outbound buffer at a configurable rate so backpressure
// behaves like a real transport.
type MockChannel struct {
	label   string
	opts    MockOptions
	peer    *MockChannel
	inbox   chan []byte
	readyCh chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	buffered int
	queue    [][]byte
	waiters  []drainWaiter
	closed   bool
}

type drainWaiter struct {
	threshold int
	ch        chan struct{}
}

// Pair creates two linked mock channels with the given options.
// Zero-valued fields use defaults.
func Pair(opts MockOptions) (*MockChannel, *MockChannel) {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMockMaxMessage
	}
	if opts.BufferCeiling <= 0 {
		opts.BufferCeiling = defaultMockCeiling
	}
	if opts.DrainEvery <= 0 {
		opts.DrainEvery = defaultMockDrainEvery
	}
	if opts.DrainBytes <= 0 {
		opts.DrainBytes = defaultMockDrainBytes
	}

	a := newMockChannel("mock-a", opts)
	b := newMockChannel("mock-b", opts)
	a.peer = b
	b.peer = a
	go a.pump()
	go b.pump()
	return a, b
}

func newMockChannel(label string, opts MockOptions) *MockChannel {
	readyCh := make(chan struct{})
	close(readyCh)
	return &MockChannel{
		label:   label,
		opts:    opts,
		inbox:   make(chan []byte, 1024),
		readyCh: readyCh,
		done:    make(chan struct{}),
	}
}

// Send queues a message. The message is copied, so callers may reuse p.
func (c *MockChannel) Send(p []byte) error {
	if len(p) > c.opts.MaxMessageSize {
		return ErrMessageTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.buffered+len(p) > c.opts.BufferCeiling {
		return ErrBufferOverflow
	}
	msg := make([]byte, len(p))
	copy(msg, p)
	c.queue = append(c.queue, msg)
	c.buffered += len(msg)
	return nil
}

// pump moves queued messages to the peer's inbox at the drain rate.
func (c *MockChannel) pump() {
	ticker := time.NewTicker(c.opts.DrainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		budget := c.opts.DrainBytes
		for budget > 0 {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			msg := c.queue[0]
			if len(msg) > budget && len(msg) < c.opts.DrainBytes {
				// Partial budget left, wait for the next tick.
				c.mu.Unlock()
				break
			}
			c.queue = c.queue[1:]
			c.buffered -= len(msg)
			c.signalWaitersLocked()
			c.mu.Unlock()

			budget -= len(msg)
			if !c.peer.deliver(msg) {
				return
			}
		}
	}
}

// deliver hands a message to this channel's inbox. The lock orders it
// against Close, so the pump never sends on a closed inbox; a full
// inbox is retried until the reader catches up or the channel closes.
func (c *MockChannel) deliver(msg []byte) bool {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return false
		}
		select {
		case c.inbox <- msg:
			c.mu.Unlock()
			return true
		default:
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (c *MockChannel) signalWaitersLocked() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if c.buffered <= w.threshold {
			select {
			case w.ch <- struct{}{}:
			default:
			}
		} else {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

// Messages implements Channel.
func (c *MockChannel) Messages() <-chan []byte { return c.inbox }

// Ready implements Channel.
func (c *MockChannel) Ready() <-chan struct{} { return c.readyCh }

// BufferedAmount implements Channel.
func (c *MockChannel) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// MaxMessageSize implements Channel.
func (c *MockChannel) MaxMessageSize() int { return c.opts.MaxMessageSize }

// NotifyDrain implements Channel.
func (c *MockChannel) NotifyDrain(threshold int) <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffered <= threshold || c.closed {
		ch <- struct{}{}
		return ch
	}
	c.waiters = append(c.waiters, drainWaiter{threshold: threshold, ch: ch})
	return ch
}

// Label implements Channel.
func (c *MockChannel) Label() string { return c.label }

// Close implements Channel.
func (c *MockChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, w := range c.waiters {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
	c.waiters = nil
	// Closed under the lock so deliver observes closed before the
	// inbox goes away.
	close(c.done)
	close(c.inbox)
	c.mu.Unlock()
	return nil
}

var _ Channel = (*MockChannel)(nil)
