// Package zmqrelay implements a broadcast relay over ZeroMQ. Every
// broker process connects a PUB socket to the XSUB side of a proxy and
// a SUB socket, subscribed to everything, to its XPUB side. The proxy is
// run by the connection-relay command, or in-process with Proxy.
package zmqrelay

import (
	"expvar"
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/dvv/connection/broadcast"
	zmq "github.com/pebbe/zmq4"
)

// static check that *Relay implements broadcast.Relay
var _ broadcast.Relay = (*Relay)(nil)

// Default endpoints of the relay proxy.
const (
	DefaultPubEndpoint = "tcp://127.0.0.1:65454"
	DefaultSubEndpoint = "tcp://127.0.0.1:65455"
)

// pollInterval bounds the time to notice a Close while waiting for
// messages.
const pollInterval = 100 * time.Millisecond

// Relay is a broadcast.Relay over ZeroMQ PUB/SUB sockets. It must be
// created with Dial.
type Relay struct {
	logFn func(string, ...interface{})
	vars  *expvar.Map

	// pmu serializes the sends, zmq sockets are not thread-safe.
	pmu sync.Mutex
	pub *zmq.Socket
	sub *zmq.Socket

	// once makes sure only the first call to Messages starts the
	// goroutine.
	once sync.Once
	msgs chan []byte

	mu      sync.Mutex
	err     error
	closed  bool
	closing chan struct{}
	done    chan struct{}
}

// Option sets an option on the Relay.
type Option func(*Relay)

// SetLogFunc sets the logging function of the relay.
func SetLogFunc(fn func(string, ...interface{})) Option {
	return func(r *Relay) {
		r.logFn = fn
	}
}

// SetVars sets the expvar map used to collect metrics about the relay.
func SetVars(vars *expvar.Map) Option {
	return func(r *Relay) {
		r.vars = vars
	}
}

// Dial creates a relay that publishes on pubEndpoint and subscribes to
// subEndpoint. Empty endpoints use the defaults. ZeroMQ connects in the
// background and reconnects on its own, so Dial succeeds even if the
// proxy is not running yet.
func Dial(pubEndpoint, subEndpoint string, opts ...Option) (*Relay, error) {
	if pubEndpoint == "" {
		pubEndpoint = DefaultPubEndpoint
	}
	if subEndpoint == "" {
		subEndpoint = DefaultSubEndpoint
	}

	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err := pub.Connect(pubEndpoint); err != nil {
		pub.Close()
		return nil, err
	}

	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		pub.Close()
		return nil, err
	}
	if err := sub.Connect(subEndpoint); err != nil {
		pub.Close()
		sub.Close()
		return nil, err
	}
	if err := sub.SetSubscribe(""); err != nil {
		pub.Close()
		sub.Close()
		return nil, err
	}

	r := &Relay{pub: pub, sub: sub, closing: make(chan struct{}), done: make(chan struct{})}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Relay) logf(f string, args ...interface{}) {
	if r.logFn != nil {
		r.logFn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

func (r *Relay) add(key string, delta int64) {
	if r.vars != nil {
		r.vars.Add(key, delta)
	}
}

// Publish sends the envelope to the proxy.
func (r *Relay) Publish(b []byte) error {
	r.pmu.Lock()
	defer r.pmu.Unlock()

	if r.pub == nil {
		return broadcast.ErrRelayClosed
	}
	if _, err := r.pub.SendBytes(b, zmq.DONTWAIT); err != nil {
		return err
	}
	r.add("Published", 1)
	return nil
}

// Messages returns the stream of envelopes received from the proxy.
func (r *Relay) Messages() <-chan []byte {
	r.once.Do(func() {
		r.msgs = make(chan []byte)
		go r.listen()
	})
	return r.msgs
}

// MessagesErr returns the error that caused the messages channel to
// close.
func (r *Relay) MessagesErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Relay) isClosed() bool {
	select {
	case <-r.closing:
		return true
	default:
		return false
	}
}

func (r *Relay) stop(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

// listen owns the SUB socket: it is closed when the loop exits.
func (r *Relay) listen() {
	defer close(r.done)
	defer close(r.msgs)
	defer r.sub.Close()

	poller := zmq.NewPoller()
	poller.Add(r.sub, zmq.POLLIN)

	for {
		if r.isClosed() {
			r.stop(broadcast.ErrRelayClosed)
			return
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EINTR) {
				continue
			}
			r.stop(err)
			r.logf("zmqrelay: poll failed: %v", err)
			return
		}
		if len(polled) == 0 {
			continue
		}

		b, err := r.sub.RecvBytes(0)
		if err != nil {
			r.stop(err)
			r.logf("zmqrelay: receive failed: %v", err)
			return
		}
		r.add("Received", 1)
		select {
		case r.msgs <- b:
		case <-r.closing:
		}
	}
}

// Close closes the sockets and the messages channel.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closing)
	r.mu.Unlock()

	r.pmu.Lock()
	err := r.pub.Close()
	r.pub = nil
	r.pmu.Unlock()

	// if the loop never started, close the stream right away
	r.once.Do(func() {
		r.msgs = make(chan []byte)
		close(r.msgs)
		r.stop(broadcast.ErrRelayClosed)
		r.sub.Close()
		close(r.done)
	})
	<-r.done
	return err
}
