// Package srvhandler implements server handlers used by the
// connection-server command and various tests.
package srvhandler

import (
	"expvar"
	"fmt"

	"github.com/dvv/connection"
	"github.com/dvv/connection/message"
	"golang.org/x/net/context"
)

// Chain returns a connection.Handler that calls the provided handlers
// in order, one after the other.
func Chain(hs ...connection.Handler) connection.Handler {
	return connection.HandlerFunc(func(ctx context.Context, c *connection.Conn, ev *message.Event) {
		for _, h := range hs {
			h.Handle(ctx, c, ev)
		}
	})
}

// PanicRecover returns a connection.Handler that recovers from panics
// that may happen in h. The connection is closed on a panic. If a
// non-nil vars is passed as parameter, the RecoveredPanics counter is
// incremented for each panic.
func PanicRecover(h connection.Handler, vars *expvar.Map) connection.Handler {
	return connection.HandlerFunc(func(ctx context.Context, c *connection.Conn, ev *message.Event) {
		defer func() {
			if e := recover(); e != nil {
				if vars != nil {
					vars.Add("RecoveredPanics", 1)
				}

				var err error
				switch e := e.(type) {
				case error:
					err = e
				default:
					err = fmt.Errorf("%v", e)
				}
				c.Close(err)
			}
		}()
		h.Handle(ctx, c, ev)
	})
}

// LogConn returns a function compatible with the Manager.ConnState field
// type that logs connections and disconnections to the provided logger
// function. It is not a connection.Handler.
func LogConn(logFn func(string, ...interface{})) func(*connection.Conn, connection.ConnState) {
	return func(c *connection.Conn, state connection.ConnState) {
		switch state {
		case connection.Connected:
			logFn("%v: connected from %v with subprotocol %q", c.ID, c.RemoteAddr(), c.Subprotocol())
		case connection.Closing:
			logFn("%v: closing from %v with error %v", c.ID, c.RemoteAddr(), c.CloseErr)
		}
	}
}

// LogEvent returns a connection.Handler that logs the events received or
// delivered on the connection to the provided logger function.
func LogEvent(logFn func(string, ...interface{})) connection.Handler {
	return connection.HandlerFunc(func(ctx context.Context, c *connection.Conn, ev *message.Event) {
		logFn("%v: event %s with %d argument(s)", c.ID, ev.Name, len(ev.Args))
	})
}
