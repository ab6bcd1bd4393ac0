package broadcast

import (
	"errors"
	"sync"
)

var (
	// ErrRelayClosed is returned by Publish on a closed relay.
	ErrRelayClosed = errors.New("broadcast: relay closed")

	// ErrRelayFull is returned by Loopback.Publish when its buffer is
	// full.
	ErrRelayFull = errors.New("broadcast: relay buffer full")
)

// Relay carries encoded envelopes between broker processes. Every
// message published by any process is received by all processes,
// including the publisher.
type Relay interface {
	// Publish sends the message to all subscribers. It does not wait
	// for the delivery.
	Publish([]byte) error

	// Messages returns the stream of received messages. The channel is
	// closed when the relay is closed or broken.
	Messages() <-chan []byte

	// MessagesErr returns the error that caused the messages channel
	// to close.
	MessagesErr() error

	// Close releases the resources of the relay.
	Close() error
}

// DefaultLoopbackSize is the buffer size of a Loopback relay created
// with a zero size.
const DefaultLoopbackSize = 1024

// Loopback is an in-process relay: published messages are received by
// the same process only.
type Loopback struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewLoopback creates a loopback relay that buffers up to size messages.
func NewLoopback(size int) *Loopback {
	if size <= 0 {
		size = DefaultLoopbackSize
	}
	return &Loopback{ch: make(chan []byte, size)}
}

// Publish queues a copy of b. It fails with ErrRelayFull if the buffer
// is full.
func (l *Loopback) Publish(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrRelayClosed
	}

	select {
	case l.ch <- append([]byte(nil), b...):
		return nil
	default:
		return ErrRelayFull
	}
}

// Messages returns the stream of published messages.
func (l *Loopback) Messages() <-chan []byte {
	return l.ch
}

// MessagesErr returns ErrRelayClosed once the relay is closed.
func (l *Loopback) MessagesErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrRelayClosed
	}
	return nil
}

// Close closes the messages channel.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	return nil
}
