// Package redisrelay implements a broadcast relay using redis' built-in
// pub-sub support. Envelopes are published with PUBLISH on a single
// channel, and every broker process subscribes to that channel on a
// dedicated, long-lived connection.
//
// When the subscription connection breaks, the relay dials a new one
// and subscribes again after RetryDelay, so that a redis restart only
// loses the envelopes published while it was down. In a redis cluster,
// PUBLISH is propagated to all nodes, so the relay publishes on a
// random node and subscribes on any node.
//
package redisrelay

import (
	"expvar"
	"log"
	"sync"
	"time"

	"github.com/dvv/connection/broadcast"
	"github.com/gomodule/redigo/redis"
)

// static check that *Relay implements broadcast.Relay
var _ broadcast.Relay = (*Relay)(nil)

// DefaultChannel is the redis channel used when Relay.Channel is empty.
const DefaultChannel = "connection:broadcast"

// DefaultRetryDelay is the delay before subscribing again when
// Relay.RetryDelay is 0.
const DefaultRetryDelay = time.Second

// Pool defines the methods required for a redis pool that provides
// a method to get a connection and to release the pool's resources.
type Pool interface {
	// Get returns a redis connection.
	Get() redis.Conn

	// Close releases the resources used by the pool.
	Close() error
}

// Relay is a broadcast.Relay over redis pub-sub.
type Relay struct {
	// Pool is the redis pool or redisc cluster to use to get
	// short-lived connections to publish.
	Pool Pool

	// Dial is the function to call to get a non-pooled, long-lived
	// redis connection for the subscription. Typically, it can be set
	// to redis.Pool.Dial or redisc.Cluster.Dial.
	Dial func() (redis.Conn, error)

	// Channel is the redis channel of the envelopes. Defaults to
	// DefaultChannel.
	Channel string

	// RetryDelay is the time to wait before subscribing again after
	// a failure. Defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	// LogFunc is the logging function to use. If nil, log.Printf
	// is used. It can be set to connection.DiscardLog to disable
	// logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// relay.
	Vars *expvar.Map

	// once makes sure only the first call to Messages starts the
	// goroutine.
	once sync.Once
	msgs chan []byte

	// mu protects the fields below.
	mu     sync.Mutex
	psc    *redis.PubSubConn
	err    error
	closed chan struct{}
	done   chan struct{}
}

func (r *Relay) channel() string {
	if r.Channel == "" {
		return DefaultChannel
	}
	return r.Channel
}

func (r *Relay) logf(f string, args ...interface{}) {
	if r.LogFunc != nil {
		r.LogFunc(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

func (r *Relay) add(key string, delta int64) {
	if r.Vars != nil {
		r.Vars.Add(key, delta)
	}
}

type binder interface {
	Bind(...string) error
}

// Publish publishes the envelope on the channel.
func (r *Relay) Publish(b []byte) error {
	rc := r.Pool.Get()
	defer rc.Close()

	// force selection of a random node (otherwise it would use
	// the node of the hash of the channel - which may hit the
	// same node over and over again).
	if bc, ok := rc.(binder); ok {
		// ignore the error, if it fails, use the connection as-is.
		// Bind without a key selects a random node.
		bc.Bind()
	}
	_, err := rc.Do("PUBLISH", r.channel(), b)
	if err == nil {
		r.add("Published", 1)
	}
	return err
}

func (r *Relay) init() {
	r.mu.Lock()
	if r.closed == nil {
		r.closed = make(chan struct{})
		r.done = make(chan struct{})
	}
	r.mu.Unlock()
}

// Messages returns the stream of envelopes published on the channel by
// any process. The subscription starts on the first call.
func (r *Relay) Messages() <-chan []byte {
	r.once.Do(func() {
		r.init()
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
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *Relay) listen() {
	defer close(r.done)
	defer close(r.msgs)

	delay := r.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	for {
		err := r.subscribe()
		if r.isClosed() {
			r.mu.Lock()
			r.err = broadcast.ErrRelayClosed
			r.mu.Unlock()
			return
		}

		r.add("Resubscribes", 1)
		r.logf("redisrelay: subscription to %s failed: %v; retrying in %v", r.channel(), err, delay)
		select {
		case <-time.After(delay):
		case <-r.closed:
		}
	}
}

// subscribe receives the messages of the channel until the connection
// fails.
func (r *Relay) subscribe() error {
	rc, err := r.Dial()
	if err != nil {
		return err
	}

	psc := &redis.PubSubConn{Conn: rc}
	r.mu.Lock()
	if r.isClosed() {
		r.mu.Unlock()
		rc.Close()
		return broadcast.ErrRelayClosed
	}
	r.psc = psc
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.psc = nil
		r.mu.Unlock()
		psc.Close()
	}()

	if err := psc.Subscribe(r.channel()); err != nil {
		return err
	}

	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			select {
			case r.msgs <- v.Data:
			case <-r.closed:
				return broadcast.ErrRelayClosed
			}

		case redis.Subscription:
			if v.Kind == "subscribe" {
				r.logf("redisrelay: subscribed to %s", v.Channel)
			}

		case error:
			// possibly because the pub-sub connection was closed, but
			// in any case, the pub-sub is now broken.
			return v
		}
	}
}

// Close stops the subscription and closes the messages channel. It
// does not close the Pool. Subsequent calls return nil.
func (r *Relay) Close() error {
	r.init()

	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		return nil
	default:
	}
	close(r.closed)
	psc := r.psc
	r.mu.Unlock()

	var err error
	if psc != nil {
		// unblocks Receive
		err = psc.Close()
	}

	// if the subscription never started, close the stream right away
	r.once.Do(func() {
		r.msgs = make(chan []byte)
		close(r.msgs)
		r.mu.Lock()
		r.err = broadcast.ErrRelayClosed
		r.mu.Unlock()
		close(r.done)
	})
	<-r.done
	return err
}
