package connection

import (
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dvv/connection/internal/wswriter"
	"github.com/dvv/connection/message"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"
	"golang.org/x/net/context"
)

// ConnState represents the possible states of a connection.
type ConnState int

// The list of possible connection states.
const (
	Unknown ConnState = iota
	Accepting
	Connected
	Closing
)

// DefaultQueueSize is the default capacity of a connection's event queue.
const DefaultQueueSize = 64

// Config holds the settings of connections. A Manager applies it to every
// connection it serves.
type Config struct {
	// ReadLimit defines the maximum size, in bytes, of incoming
	// messages. If a client sends a message that exceeds this limit,
	// the connection is closed. The default of 0 means no limit.
	ReadLimit int64

	// ReadTimeout is the timeout to read an incoming message. It is
	// set on the websocket connection with SetReadDeadline before
	// reading each message. The default of 0 means no timeout.
	ReadTimeout time.Duration

	// WriteLimit defines the maximum size, in bytes, of outgoing
	// messages. If a message exceeds this limit, the connection is
	// closed. The default of 0 means no limit.
	WriteLimit int64

	// WriteTimeout is the timeout to write an outgoing message. The
	// default of 0 means no timeout.
	WriteTimeout time.Duration

	// AcquireWriteLockTimeout is the time to wait for the exclusive
	// write lock for a connection. If the lock cannot be acquired
	// before the timeout, the connection is dropped. The default of
	// 0 means no timeout.
	AcquireWriteLockTimeout time.Duration

	// AckTimeout is the reply deadline applied to Send calls with a
	// ReplyHandler when no Expire call precedes them. The default of
	// 0 means replies are awaited until the connection closes.
	AckTimeout time.Duration

	// QueueSize is the capacity of the per-connection event queue. Events
	// delivered with Conn.Deliver are dropped when the queue is full.
	// Defaults to DefaultQueueSize.
	QueueSize int

	// LogFunc is the logging function to use. If nil, log.Printf
	// is used. It can be set to DiscardLog to disable logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// connections.
	Vars *expvar.Map
}

func (cfg *Config) add(key string, delta int64) {
	if cfg.Vars != nil {
		cfg.Vars.Add(key, delta)
	}
}

// ReplyHandler handles the reply to an event sent with Conn.Send. It
// is called once, with the arguments of the reply, or with a nil args
// and ErrAckTimeout if the deadline elapsed first.
type ReplyHandler func(args []interface{}, err error)

// Listener handles an event received on a connection.
type Listener func(c *Conn, args []interface{})

type listener struct {
	fn   Listener
	once bool
}

type pendingAck struct {
	fn    ReplyHandler
	timer *time.Timer
}

// Conn is a connection to a peer. Each connection is identified by a
// UUID and has an underlying websocket connection. It is safe to call
// methods on a Conn concurrently, but the fields should be treated as
// read-only.
type Conn struct {
	// ID is the unique identifier of the connection.
	ID uuid.UUID

	// CloseErr is the error, if any, that caused the connection
	// to close. Must only be accessed after the close notification
	// has been received (i.e. after a <-conn.CloseNotify()).
	CloseErr error

	// the underlying websocket connection.
	wsConn *websocket.Conn
	cfg    *Config
	mgr    *Manager // nil for client connections

	wmu chan struct{} // exclusive write lock

	// mu protects the fields below.
	mu        sync.Mutex
	closed    bool
	session   interface{}
	values    map[interface{}]interface{}
	pending   map[string]*pendingAck
	callbacks map[string]Callback
	expire    time.Duration
	listeners map[string][]*listener

	tasks chan func()

	// ensure the kill channel can only be closed once
	closeOnce sync.Once
	kill      chan struct{}
}

// NewConn creates a connection over the websocket connection c. It is
// used to create client connections, a Manager creates its own
// connections in ServeConn. The connection does not process events
// until Serve is called, so listeners can be registered before.
func NewConn(c *websocket.Conn, cfg *Config) *Conn {
	if cfg == nil {
		cfg = &Config{}
	}
	return newConn(c, cfg, nil)
}

func newConn(c *websocket.Conn, cfg *Config, mgr *Manager) *Conn {
	// wmu is the write lock, used as mutex so it can be select'ed upon.
	// start with an available slot (initialize with a sent value).
	wmu := make(chan struct{}, 1)
	wmu <- struct{}{}

	qs := cfg.QueueSize
	if qs <= 0 {
		qs = DefaultQueueSize
	}

	return &Conn{
		ID:        uuid.NewRandom(),
		wsConn:    c,
		cfg:       cfg,
		mgr:       mgr,
		wmu:       wmu,
		pending:   make(map[string]*pendingAck),
		listeners: make(map[string][]*listener),
		tasks:     make(chan func(), qs),
		kill:      make(chan struct{}),
	}
}

// UnderlyingConn returns the underlying websocket connection. Care
// should be taken when using the websocket connection directly,
// as it may interfere with the normal connection behaviour.
func (c *Conn) UnderlyingConn() *websocket.Conn {
	return c.wsConn
}

// Manager returns the manager serving the connection, nil for client
// connections.
func (c *Conn) Manager() *Manager {
	return c.mgr
}

// CloseNotify returns a signal channel that is closed when the
// Conn is closed.
func (c *Conn) CloseNotify() <-chan struct{} {
	return c.kill
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.wsConn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.wsConn.RemoteAddr()
}

// Subprotocol returns the negotiated protocol for the connection.
func (c *Conn) Subprotocol() string {
	return c.wsConn.Subprotocol()
}

// Session returns the session attached to the connection, nil for a
// guest connection.
func (c *Conn) Session() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession attaches a session to the connection.
func (c *Conn) SetSession(s interface{}) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// Value returns the value stored under key, as set by SetValue.
func (c *Conn) Value(key interface{}) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

// SetValue stores a per-connection value under key. Plugins use it to
// attach their state to the connection, with an unexported key type.
func (c *Conn) SetValue(key, v interface{}) {
	c.mu.Lock()
	if c.values == nil {
		c.values = make(map[interface{}]interface{})
	}
	c.values[key] = v
	c.mu.Unlock()
}

// On registers fn to be called for each event named name received on
// the connection. Listeners are called in registration order. The
// returned function removes the listener.
func (c *Conn) On(name string, fn Listener) (remove func()) {
	return c.addListener(name, &listener{fn: fn})
}

// Once is like On, but the listener is removed after its first call.
func (c *Conn) Once(name string, fn Listener) (remove func()) {
	return c.addListener(name, &listener{fn: fn, once: true})
}

func (c *Conn) addListener(name string, l *listener) func() {
	c.mu.Lock()
	c.listeners[name] = append(c.listeners[name], l)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.removeListenerLocked(name, l)
		c.mu.Unlock()
	}
}

func (c *Conn) removeListenerLocked(name string, l *listener) {
	ls := c.listeners[name]
	for i, ll := range ls {
		if ll == l {
			// copy so that an in-flight emit keeps its own slice intact
			nls := make([]*listener, 0, len(ls)-1)
			nls = append(nls, ls[:i]...)
			c.listeners[name] = append(nls, ls[i+1:]...)
			break
		}
	}
	if len(c.listeners[name]) == 0 {
		delete(c.listeners, name)
	}
}

// Expire sets the reply deadline of the next call to Send that has a
// ReplyHandler. It returns the connection so that calls can be chained:
//
//     c.Expire(time.Second).Send("ping", handler)
//
func (c *Conn) Expire(d time.Duration) *Conn {
	c.mu.Lock()
	c.expire = d
	c.mu.Unlock()
	return c
}

// Send sends the event tuple [name, args...] to the peer. If the last
// argument is a ReplyHandler (or a func with the same signature), it is
// not transmitted: an ack token takes its place and the handler is
// called when the peer replies to that token. Send does not wait for
// the reply. It returns ErrConnClosed if the connection is closed.
func (c *Conn) Send(name string, args ...interface{}) error {
	var fn ReplyHandler
	if n := len(args); n > 0 {
		switch h := args[n-1].(type) {
		case ReplyHandler:
			fn = h
		case func([]interface{}, error):
			fn = h
		}
		if fn != nil {
			args = args[:n-1 : n-1]
		}
	}
	_, err := c.send(name, args, fn)
	return err
}

// Ack replies to the ack token tok with args. If tok is not an ack token,
// the call is a no-op, so it is safe to call with whatever the peer sent
// as last argument.
func (c *Conn) Ack(tok interface{}, args ...interface{}) error {
	if !message.IsAckToken(tok) {
		return nil
	}
	return c.Send(tok.(string), args...)
}

// Request sends the event and waits for the reply of the peer, returning
// the arguments of the reply. It fails if the connection closes, if the
// reply deadline elapses or if ctx is done before a reply is received.
// It must not be called from a listener of the same connection, as the
// reply is dispatched by the goroutine that runs the listeners.
func (c *Conn) Request(ctx context.Context, name string, args ...interface{}) ([]interface{}, error) {
	type reply struct {
		args []interface{}
		err  error
	}

	ch := make(chan reply, 1)
	tok, err := c.send(name, args, func(args []interface{}, err error) {
		ch <- reply{args, err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.args, r.err
	case <-c.kill:
		return nil, ErrConnClosed
	case <-ctx.Done():
		c.takePending(tok)
		return nil, ctx.Err()
	}
}

func (c *Conn) send(name string, args []interface{}, fn ReplyHandler) (string, error) {
	var tok string
	if fn != nil {
		tok = message.NewAckToken()
		args = append(args, tok)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrConnClosed
	}
	if fn != nil {
		d := c.expire
		c.expire = 0
		c.addPendingLocked(tok, fn, d)
	}
	c.mu.Unlock()

	if err := c.writeFrame(name, args); err != nil {
		if fn != nil {
			c.takePending(tok)
		}
		return "", err
	}
	return tok, nil
}

// addPendingLocked registers fn as the reply handler of tok, with the
// deadline d or the configured AckTimeout if d is 0.
func (c *Conn) addPendingLocked(tok string, fn ReplyHandler, d time.Duration) {
	p := &pendingAck{fn: fn}

	if d <= 0 {
		d = c.cfg.AckTimeout
	}
	if d > 0 {
		p.timer = time.AfterFunc(d, func() {
			c.enqueue(func() {
				if p := c.takePending(tok); p != nil {
					c.cfg.add("AckTimeouts", 1)
					p.fn(nil, ErrAckTimeout)
				}
			}, true)
		})
	}
	c.pending[tok] = p
}

// takePending removes and returns the pending ack for tok, stopping
// its timer. It returns nil if there is no such pending ack.
func (c *Conn) takePending(tok string) *pendingAck {
	c.mu.Lock()
	p := c.pending[tok]
	delete(c.pending, tok)
	c.mu.Unlock()

	if p != nil && p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// Deliver dispatches the event to the connection as if it had been
// received from the peer. It returns false if the event was dropped
// because the connection is closed or its event queue is full.
func (c *Conn) Deliver(name string, args ...interface{}) bool {
	ev := message.NewEvent(name, args...)
	ok := c.enqueue(func() { c.dispatch(ev) }, false)
	if !ok {
		c.cfg.add("DroppedDeliveries", 1)
	}
	return ok
}

// enqueue schedules fn on the connection's event goroutine. If block is
// false, fn is dropped when the queue is full.
func (c *Conn) enqueue(fn func(), block bool) bool {
	if block {
		select {
		case c.tasks <- fn:
			return true
		case <-c.kill:
			return false
		}
	}

	select {
	case <-c.kill:
		return false
	default:
	}
	select {
	case c.tasks <- fn:
		return true
	default:
		return false
	}
}

// dispatch runs on the event goroutine.
func (c *Conn) dispatch(ev *message.Event) {
	defer func() {
		if e := recover(); e != nil {
			c.cfg.add("RecoveredPanics", 1)
			err, ok := e.(error)
			if !ok {
				err = fmt.Errorf("%v", e)
			}
			logf(c.cfg.LogFunc, "%v: recovered from panic in %s listener: %v", c.ID, ev.Name, err)
			c.Close(err)
		}
	}()

	c.cfg.add("Msgs", 1)

	if message.IsAckToken(ev.Name) {
		if p := c.takePending(ev.Name); p != nil {
			c.cfg.add("Acks", 1)
			p.fn(ev.Args, nil)
			return
		}
		c.mu.Lock()
		cb := c.callbacks[ev.Name]
		c.mu.Unlock()
		if cb != nil {
			c.cfg.add("Callbacks", 1)
			cb(ev.Args)
		}
		// replies to unknown or already consumed tokens are ignored.
		return
	}

	c.mu.Lock()
	ls := c.listeners[ev.Name]
	for _, l := range ls {
		if l.once {
			c.removeListenerLocked(ev.Name, l)
		}
	}
	c.mu.Unlock()

	for _, l := range ls {
		l.fn(c, ev.Args)
	}

	if c.mgr != nil {
		c.mgr.handle(c, ev)
	}
}

// Close closes the connection, setting err as CloseErr to identify
// the reason of the close. Pending replies are abandoned: their handlers
// are never called. It does not send a websocket close message,
// nor does it close the underlying websocket connection.
// As with all Conn methods, it is safe to call concurrently, but
// only the first call will set the CloseErr field to err.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.CloseErr = err
		for tok, p := range c.pending {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(c.pending, tok)
		}
		c.callbacks = nil
		c.mu.Unlock()
		close(c.kill)
	})
}

// Writer returns an io.WriteCloser that can be used to send a
// message on the connection. Only one writer can be active at
// any moment for a given connection, so the returned writer
// will acquire a lock on the first call to Write, and will
// release it only when Close is called. The timeout controls
// the time to wait to acquire the lock on the first call to
// Write. If the lock cannot be acquired within that time,
// an error is returned and no write is performed.
//
// The returned writer itself is not safe for concurrent use, but
// as all Conn methods, Writer can be called concurrently.
func (c *Conn) Writer(timeout time.Duration) io.WriteCloser {
	return wswriter.Exclusive(
		c.wsConn,
		c.wmu,
		timeout,
		c.cfg.WriteTimeout,
	)
}

// writeFrame writes the event tuple. If the write fails, the connection
// is closed and the write error is stored as CloseErr (unless an earlier
// error already caused the connection to close).
func (c *Conn) writeFrame(name string, args []interface{}) error {
	err := func() error {
		w := c.Writer(c.cfg.AcquireWriteLockTimeout)
		defer w.Close()

		lw := io.Writer(w)
		if l := c.cfg.WriteLimit; l > 0 {
			lw = wswriter.Limit(w, l)
		}
		return message.EncodeFrame(lw, name, args...)
	}()

	switch err {
	case nil:
		c.cfg.add("MsgsWrite", 1)
	case wswriter.ErrWriteLockTimeout:
		c.cfg.add("WriteLockTimeouts", 1)
		c.Close(err)
	case wswriter.ErrWriteLimitExceeded:
		c.cfg.add("WriteLimitExceeded", 1)
		c.Close(err)
	default:
		// peer may be gone
		c.Close(err)
	}
	return err
}

// Serve processes the connection until it is closed: it starts the
// read loop and the event loop, and blocks until the connection is
// closed. A Manager calls it from ServeConn.
func (c *Conn) Serve() {
	go c.process()
	go c.receive()
	<-c.kill
}

// process is the event loop, started in its own goroutine. It runs the
// listeners, reply handlers and ack timeouts of the connection one at
// a time.
func (c *Conn) process() {
	c.cfg.add("TotalConnGoros", 1)
	c.cfg.add("ActiveConnGoros", 1)
	defer c.cfg.add("ActiveConnGoros", -1)

	for {
		select {
		case fn := <-c.tasks:
			fn()
		case <-c.kill:
			return
		}
	}
}

// receive is the read loop, started in its own goroutine.
func (c *Conn) receive() {
	c.cfg.add("TotalConnGoros", 1)
	c.cfg.add("ActiveConnGoros", 1)
	defer c.cfg.add("ActiveConnGoros", -1)

	for {
		c.wsConn.SetReadDeadline(time.Time{})

		// NextReader returns with an error once a connection is closed,
		// so this loop doesn't need to check the c.kill channel.
		mt, r, err := c.wsConn.NextReader()
		if err != nil {
			c.Close(err)
			return
		}
		if mt != websocket.TextMessage {
			// frames are text, the unread payload is discarded by the
			// next call to NextReader.
			c.cfg.add("DecodeErrors", 1)
			logf(c.cfg.LogFunc, "%v: dropping frame of websocket message type %d", c.ID, mt)
			continue
		}
		if to := c.cfg.ReadTimeout; to > 0 {
			c.wsConn.SetReadDeadline(time.Now().Add(to))
		}

		ev, err := message.DecodeFrame(r)
		if err != nil {
			// a malformed frame is dropped, the connection stays open.
			c.cfg.add("DecodeErrors", 1)
			logf(c.cfg.LogFunc, "%v: dropping malformed frame: %v", c.ID, err)
			continue
		}
		c.cfg.add("MsgsRead", 1)

		if !c.enqueue(func() { c.dispatch(ev) }, true) {
			return
		}
	}
}
