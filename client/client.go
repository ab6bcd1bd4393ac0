// Package client implements the client side of a connection. Once a
// Client is returned via a call to Dial or New, it can send events with
// or without reply handlers, and register listeners for the events sent
// by the server, exactly like the server side of the connection.
//
// Capabilities that work on a single connection, such as the shared
// context, are attached with the OnOpen option so that they observe
// every event received from the server.
//
package client

import (
	"errors"
	"expvar"
	"net/http"
	"time"

	"github.com/dvv/connection"
	"github.com/gorilla/websocket"
)

// ErrClosed is the close error of a client closed with Close.
var ErrClosed = errors.New("client: closed connection")

// Client is a connection to a server, based on a websocket connection.
type Client struct {
	*connection.Conn

	cfg   connection.Config
	hooks []func(*connection.Conn) error
}

// New creates a client using the provided websocket connection. The open
// hooks set by the OnOpen options are called in order before the client
// starts processing events. If a hook fails, the websocket connection is
// closed and the error is returned.
func New(conn *websocket.Conn, opts ...Option) (*Client, error) {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}
	c.Conn = connection.NewConn(conn, &c.cfg)

	for _, fn := range c.hooks {
		if err := fn(c.Conn); err != nil {
			c.Conn.Close(err)
			conn.Close()
			return nil, err
		}
	}
	go c.Conn.Serve()
	return c, nil
}

// Dial is a helper function to create a Client connected to urlStr using
// the provided *websocket.Dialer and request headers. If the connection
// succeeds, it returns the initialized client, otherwise it returns an
// error. It does not allow handling redirections and such, for a better
// control over the connection, directly use the *websocket.Dialer and
// create the client once the connection is established, using New.
//
// The Dialer's Subprotocols field should be set to
// connection.Subprotocols.
func Dial(d *websocket.Dialer, urlStr string, reqHeader http.Header, opts ...Option) (*Client, error) {
	conn, _, err := d.Dial(urlStr, reqHeader)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...)
}

// Close closes the client and its websocket connection. No more events
// will be received. It returns the error that closed the connection if
// it was closed before the call.
func (c *Client) Close() error {
	var err error
	select {
	case <-c.CloseNotify():
		err = c.CloseErr
	default:
	}

	c.Conn.Close(ErrClosed)
	if err2 := c.UnderlyingConn().Close(); err == nil {
		err = err2
	}
	return err
}

// Option sets an option on the Client.
type Option func(*Client)

// OnOpen adds a hook called with the connection before the client
// starts processing events.
func OnOpen(fn func(*connection.Conn) error) Option {
	return func(c *Client) {
		c.hooks = append(c.hooks, fn)
	}
}

// SetAckTimeout sets the default time to wait for the reply to an event
// sent with a reply handler. Per-event deadlines can be set with
// Conn.Expire.
func SetAckTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.cfg.AckTimeout = timeout
	}
}

// SetLogFunc sets the logging function of the client.
func SetLogFunc(fn func(string, ...interface{})) Option {
	return func(c *Client) {
		c.cfg.LogFunc = fn
	}
}

// SetVars sets the expvar map used to collect metrics about the client.
func SetVars(vars *expvar.Map) Option {
	return func(c *Client) {
		c.cfg.Vars = vars
	}
}

// SetReadTimeout sets the read timeout of the connection.
func SetReadTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.cfg.ReadTimeout = timeout
	}
}

// SetWriteTimeout sets the write timeout of the connection.
func SetWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.cfg.WriteTimeout = timeout
	}
}

// SetAcquireWriteLockTimeout sets the timeout to acquire the exclusive
// write lock. If a lock cannot be acquired before the timeout, the
// connection is closed.
func SetAcquireWriteLockTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.cfg.AcquireWriteLockTimeout = timeout
	}
}

// SetReadLimit sets the limit in bytes of messages read from the connection.
// If a message exceeds the limit, the connection is closed.
func SetReadLimit(limit int64) Option {
	return func(c *Client) {
		c.cfg.ReadLimit = limit
	}
}

// SetWriteLimit sets the limit in bytes of messages sent on the connection.
// If a message exceeds the limit, the connection is closed.
func SetWriteLimit(limit int64) Option {
	return func(c *Client) {
		c.cfg.WriteLimit = limit
	}
}

// SetQueueSize sets the capacity of the event queue of the connection.
func SetQueueSize(n int) Option {
	return func(c *Client) {
		c.cfg.QueueSize = n
	}
}
