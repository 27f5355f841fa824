// Package channel defines the message channel abstraction the transfer
// protocol runs over: a point-to-point, ordered, message-oriented pipe
// with a bounded maximum message size and an observable outbound buffer.
//
// Concrete adapters live in subpackages (webrtcchan, quicchan); an
// in-memory implementation for tests is provided here.
package channel

import "errors"

var (
	// ErrMessageTooLarge indicates a message exceeding MaxMessageSize.
	// Senders shrink their chunk size and retry on this error.
	ErrMessageTooLarge = errors.New("channel: message exceeds maximum message size")

	// ErrBufferOverflow indicates the outbound buffer ceiling was exceeded.
	// A correctly paced sender never triggers this.
	ErrBufferOverflow = errors.New("channel: outbound buffer overflow")

	// ErrClosed indicates the channel is closed.
	ErrClosed = errors.New("channel: closed")
)

// Channel is one end of an established message channel. Implementations
// must be safe for one concurrent sender and one concurrent receiver.
type Channel interface {
	// Send queues one message for transmission. It returns
	// ErrMessageTooLarge when len(p) exceeds MaxMessageSize and
	// ErrClosed after Close.
	Send(p []byte) error

	// Messages delivers inbound messages in order. The channel is
	// closed when the underlying transport closes.
	Messages() <-chan []byte

	// Ready is closed once the channel is open for sending.
	Ready() <-chan struct{}

	// BufferedAmount reports bytes queued for transmission but not
	// yet handed to the transport.
	BufferedAmount() int

	// MaxMessageSize reports the largest message Send accepts.
	MaxMessageSize() int

	// NotifyDrain returns a channel that receives one signal when
	// BufferedAmount drops to or below threshold. If it already has,
	// the signal is delivered immediately.
	NotifyDrain(threshold int) <-chan struct{}

	// Label identifies the channel for logging and pacer keying.
	Label() string

	Close() error
}
