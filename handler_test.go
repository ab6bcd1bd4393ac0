package connection

import (
	"expvar"
	"testing"
	"time"

	"github.com/dvv/connection/message"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"golang.org/x/net/context"
)

func TestManagerHandleOrder(t *testing.T) {
	t.Parallel()

	var b []byte
	m := &Manager{}
	m.On("x", func(c *Conn, args []interface{}) { b = append(b, 'a') })
	m.On("x", func(c *Conn, args []interface{}) { b = append(b, 'b') })
	m.On("y", func(c *Conn, args []interface{}) { b = append(b, 'z') })
	m.Handler = HandlerFunc(func(ctx context.Context, c *Conn, ev *message.Event) {
		b = append(b, 'c')
	})

	c := newConn(&websocket.Conn{}, &m.Config, m)
	m.handle(c, message.NewEvent("x"))
	assert.Equal(t, "abc", string(b))
}

func TestEventMetrics(t *testing.T) {
	old := SlowHandlerThreshold
	SlowHandlerThreshold = 10 * time.Millisecond
	defer func() { SlowHandlerThreshold = old }()

	m := &Manager{Config: Config{Vars: new(expvar.Map).Init()}}
	slow := false
	m.Handler = HandlerFunc(func(ctx context.Context, c *Conn, ev *message.Event) {
		if slow {
			time.Sleep(20 * time.Millisecond)
		}
	})
	c := newConn(&websocket.Conn{}, &m.Config, m)

	m.handle(c, message.NewEvent(message.UpdateEvent))
	m.handle(c, message.NewEvent(message.UpdateEvent))
	m.handle(c, message.NewEvent("custom"))
	slow = true
	m.handle(c, message.NewEvent(message.AuthEvent))

	assert.Equal(t, "2", m.Vars.Get("Events"+message.UpdateEvent).String())
	assert.Equal(t, "1", m.Vars.Get("Events"+message.AuthEvent).String())
	assert.Nil(t, m.Vars.Get("Eventscustom"), "only built-in events are counted")
	assert.Equal(t, "1", m.Vars.Get("SlowHandler").String())
}
