// Package connection implements a websocket connection broker: many
// persistent client channels multiplexed by a Manager, with request/ack
// correlation on every channel.
//
// Manager
//
// The Manager struct owns the set of live connections. Capabilities are
// composed onto it with Use, the connection registry first:
//
//     m := &connection.Manager{}
//     if err := m.Use(connection.Registry{}); err != nil {
//       log.Fatal(err)
//     }
//
// Other capabilities live in their own packages: shared (replicated
// context per connection), auth (session resolution), tags and broadcast
// (fan-out of events to selected connections, possibly across broker
// processes via a relay). Enabling a capability before the ones it
// depends on fails with ErrPluginPrecondition.
//
// The ServeConn method serves a websocket connection using a Manager.
// The Upgrade function creates an http.Handler that upgrades the
// connection to a websocket connection, and serves it using the
// provided Manager.
//
// Conn
//
// Frames are JSON event tuples (see the message package). Conn.Send
// transmits an event; when its last argument is a ReplyHandler, an ack
// token is transmitted in its place and the handler is called once with
// the peer's reply, or with ErrAckTimeout if Conn.Expire set a deadline
// that elapsed first. Conn.Ack replies to a received token.
//
// Events of a given connection are dispatched serially, in order, to the
// listeners registered with Conn.On and to the Manager's Handler.
package connection
