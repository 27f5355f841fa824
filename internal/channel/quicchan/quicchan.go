// Package quicchan adapts a QUIC bidirectional stream to the channel
// interface. QUIC streams are byte-oriented, so messages are framed
// with a 4-byte big-endian length prefix; a writer goroutine preserves
// message boundaries and exposes the queued bytes as the observable
// send buffer.
package quicchan

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/driftbyte/driftbyte/internal/channel"
)

var _ channel.Channel = (*Channel)(nil)

// Config holds QUIC channel adapter configuration.
type Config struct {
	// MaxMessageSize is the largest framed message. Default 256 KiB.
	MaxMessageSize int

	// BufferCeiling rejects sends that would queue more than this many
	// bytes. Default 16 MiB.
	BufferCeiling int

	// Label identifies the channel in logs and pacer state.
	Label string

	// Logger for debug output.
	Logger *slog.Logger
}

const (
	defaultMaxMessageSize = 256 * 1024
	defaultBufferCeiling  = 16 * 1024 * 1024
	lenPrefixSize         = 4
)

// Channel is one end of a QUIC-stream-backed message channel.
type Channel struct {
	stream *quic.Stream
	config Config
	logger *slog.Logger

	readyCh chan struct{}
	inbox   chan []byte

	mu          sync.Mutex
	cond        *sync.Cond
	outbound    [][]byte
	queuedBytes int
	closed      bool
	waiters     []drainWaiter
}

type drainWaiter struct {
	threshold int
	ch        chan struct{}
}

// Dial opens the transfer stream on an established QUIC connection.
func Dial(ctx context.Context, conn *quic.Conn, config Config) (*Channel, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	return newChannel(stream, config), nil
}

// Accept waits for the peer's transfer stream.
func Accept(ctx context.Context, conn *quic.Conn, config Config) (*Channel, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept quic stream: %w", err)
	}
	return newChannel(stream, config), nil
}

func newChannel(stream *quic.Stream, config Config) *Channel {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if config.BufferCeiling <= 0 {
		config.BufferCeiling = defaultBufferCeiling
	}
	if config.Label == "" {
		config.Label = fmt.Sprintf("quic-stream-%d", stream.StreamID())
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Channel{
		stream:  stream,
		config:  config,
		logger:  logger,
		readyCh: make(chan struct{}),
		inbox:   make(chan []byte, 64),
	}
	c.cond = sync.NewCond(&c.mu)
	close(c.readyCh) // the stream exists, the channel is ready

	go c.writeLoop()
	go c.readLoop()
	return c
}

// Send queues one framed message for the writer goroutine.
func (c *Channel) Send(p []byte) error {
	if len(p) > c.config.MaxMessageSize {
		return channel.ErrMessageTooLarge
	}

	buf := make([]byte, lenPrefixSize+len(p))
	binary.BigEndian.PutUint32(buf[:lenPrefixSize], uint32(len(p)))
	copy(buf[lenPrefixSize:], p)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return channel.ErrClosed
	}
	if c.queuedBytes+len(buf) > c.config.BufferCeiling {
		return channel.ErrBufferOverflow
	}
	c.outbound = append(c.outbound, buf)
	c.queuedBytes += len(buf)
	c.cond.Signal()
	return nil
}

// writeLoop drains the outbound queue to the stream in order, waking
// drain waiters as the queue shrinks.
func (c *Channel) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.outbound) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed && len(c.outbound) == 0 {
			c.mu.Unlock()
			return
		}
		buf := c.outbound[0]
		c.outbound = c.outbound[1:]
		c.mu.Unlock()

		if _, err := c.stream.Write(buf); err != nil {
			c.logger.Warn("quic stream write failed", "label", c.config.Label, "err", err)
			c.shutdown()
			return
		}

		c.mu.Lock()
		c.queuedBytes -= len(buf)
		c.signalWaitersLocked()
		c.mu.Unlock()
	}
}

// readLoop unframes inbound messages until the stream ends.
func (c *Channel) readLoop() {
	defer close(c.inbox)
	header := make([]byte, lenPrefixSize)
	for {
		if _, err := io.ReadFull(c.stream, header); err != nil {
			if err != io.EOF {
				c.logger.Debug("quic stream read ended", "label", c.config.Label, "err", err)
			}
			c.shutdown()
			return
		}
		n := int(binary.BigEndian.Uint32(header))
		if n > c.config.MaxMessageSize {
			c.logger.Warn("oversize inbound message, closing",
				"label", c.config.Label, "len", n, "max", c.config.MaxMessageSize)
			c.shutdown()
			return
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(c.stream, msg); err != nil {
			c.shutdown()
			return
		}
		c.inbox <- msg
	}
}

// Messages delivers inbound messages in order.
func (c *Channel) Messages() <-chan []byte { return c.inbox }

// Ready is closed as soon as the stream is established.
func (c *Channel) Ready() <-chan struct{} { return c.readyCh }

// BufferedAmount reports bytes queued but not yet written to the stream.
func (c *Channel) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuedBytes
}

// MaxMessageSize reports the framing limit.
func (c *Channel) MaxMessageSize() int { return c.config.MaxMessageSize }

// NotifyDrain returns a channel signalled once queued bytes drop to or
// below threshold.
func (c *Channel) NotifyDrain(threshold int) <-chan struct{} {
	if threshold < 0 {
		threshold = 0
	}
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	if c.queuedBytes <= threshold || c.closed {
		c.mu.Unlock()
		ch <- struct{}{}
		return ch
	}
	c.waiters = append(c.waiters, drainWaiter{threshold: threshold, ch: ch})
	c.mu.Unlock()
	return ch
}

func (c *Channel) signalWaitersLocked() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if c.queuedBytes <= w.threshold {
			select {
			case w.ch <- struct{}{}:
			default:
			}
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}

// Label identifies the channel.
func (c *Channel) Label() string { return c.config.Label }

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

// Close cancels the stream in both directions.
func (c *Channel) Close() error {
	c.shutdown()
	c.stream.CancelRead(0)
	return c.stream.Close()
}
