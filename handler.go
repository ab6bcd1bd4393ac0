package connection

import (
	"expvar"
	"time"

	"golang.org/x/net/context"

	"github.com/dvv/connection/message"
)

// SlowHandlerThreshold defines the threshold at which calls to the
// Manager's Handler are marked as slow in the expvar metrics, if
// Manager.Vars is set. Set to 0 to disable SlowHandler metrics.
var SlowHandlerThreshold = 100 * time.Millisecond

// Handler defines the method required for a manager to observe the
// events of all its connections.
type Handler interface {
	Handle(context.Context, *Conn, *message.Event)
}

// HandlerFunc is a function signature that implements the Handler
// interface.
type HandlerFunc func(context.Context, *Conn, *message.Event)

// Handle implements Handler for the HandlerFunc by calling the
// function itself.
func (h HandlerFunc) Handle(ctx context.Context, c *Conn, ev *message.Event) {
	h(ctx, c, ev)
}

func saveEventMetrics(vars *expvar.Map, ev *message.Event) func() {
	switch ev.Name {
	case message.UpdateEvent, message.InvokeEvent, message.AuthEvent, message.MessageEvent:
		vars.Add("Events"+ev.Name, 1)
	}

	if SlowHandlerThreshold > 0 {
		start := time.Now()
		return func() {
			if time.Since(start) >= SlowHandlerThreshold {
				vars.Add("SlowHandler", 1)
			}
		}
	}
	return nil
}

// handle raises the manager-wide event. It runs on the event goroutine
// of c, after the connection's own listeners.
func (m *Manager) handle(c *Conn, ev *message.Event) {
	if m.Vars != nil {
		if fn := saveEventMetrics(m.Vars, ev); fn != nil {
			defer fn()
		}
	}

	m.mu.RLock()
	ls := m.listeners[ev.Name]
	m.mu.RUnlock()
	for _, fn := range ls {
		fn(c, ev.Args)
	}

	if h := m.Handler; h != nil {
		h.Handle(context.Background(), c, ev)
	}
}
