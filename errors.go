package connection

import (
	"errors"
	"log"
)

var (
	// ErrConnClosed is returned by Send and Ack when the connection is
	// already closed.
	ErrConnClosed = errors.New("connection: closed")

	// ErrAckTimeout is passed to a ReplyHandler when the reply did not
	// arrive before the deadline set with Conn.Expire.
	ErrAckTimeout = errors.New("connection: ack timeout")

	// ErrPluginPrecondition is returned by Manager.Use when a capability
	// it depends on is not enabled.
	ErrPluginPrecondition = errors.New("connection: plugin precondition failed")

	// ErrNoRegistry is the close error of connections served by a Manager
	// that has no connection registry.
	ErrNoRegistry = errors.New("connection: no connection registry")

	// ErrManagerClosed is the close error of connections closed by
	// Manager.Close.
	ErrManagerClosed = errors.New("connection: manager closed")
)

// DiscardLog is a no-op logging function that can be used as LogFunc
// to disable logging.
var DiscardLog = func(_ string, _ ...interface{}) {}

func logf(fn func(string, ...interface{}), f string, args ...interface{}) {
	if fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}
