package shared

import (
	"errors"
	"expvar"
	"fmt"
	"log"

	"github.com/dvv/connection"
	"github.com/dvv/connection/message"
)

// PluginName is the name of the shared context capability.
const PluginName = "context"

// ErrInvalidMode is returned when a context is attached without an
// explicit Mode.
var ErrInvalidMode = errors.New("shared: mode must be Protected or Unprotected")

// Mode controls whether update events received from the peer are
// applied to the context.
type Mode int

// The list of context modes. The zero value is invalid.
const (
	_ Mode = iota

	// Protected contexts ignore the update events of the peer, only
	// local code changes them.
	Protected

	// Unprotected contexts apply the update events of the peer.
	Unprotected
)

func (m Mode) String() string {
	switch m {
	case Protected:
		return "protected"
	case Unprotected:
		return "unprotected"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

type contextKey struct{}

// From returns the context attached to c, or nil.
func From(c *connection.Conn) *Context {
	ctx, _ := c.Value(contextKey{}).(*Context)
	return ctx
}

// Config configures the contexts attached by Bind and the Plugin.
type Config struct {
	// Mode is required.
	Mode Mode

	// Proto is the initial document of the contexts. Each context gets
	// its own copy.
	Proto map[string]interface{}

	// LogFunc is the logging function of the contexts.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// contexts.
	Vars *expvar.Map
}

// Bind attaches a context to c, handling its update and invoke events.
// It must be called before c starts processing events.
func Bind(c *connection.Conn, cfg Config) (*Context, error) {
	if cfg.Mode != Protected && cfg.Mode != Unprotected {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMode, cfg.Mode)
	}

	ctx := New(c, cfg.Proto)
	ctx.LogFunc = cfg.LogFunc
	ctx.Vars = cfg.Vars

	if cfg.Mode == Unprotected {
		c.On(message.UpdateEvent, func(c *connection.Conn, args []interface{}) {
			applyUpdate(ctx, c, args)
		})
	}
	c.On(message.InvokeEvent, func(_ *connection.Conn, args []interface{}) {
		ctx.Invoke(args)
	})
	c.SetValue(contextKey{}, ctx)
	return ctx, nil
}

func applyUpdate(ctx *Context, c *connection.Conn, args []interface{}) {
	var tok interface{}
	if n := len(args); n > 0 && message.IsAckToken(args[n-1]) {
		tok = args[n-1]
		args = args[:n-1]
	}

	var (
		changes interface{}
		opts    Options
	)
	if len(args) > 0 {
		changes = args[0]
	}
	if len(args) > 1 {
		if m, ok := args[1].(map[string]interface{}); ok {
			opts.Reset, _ = m["reset"].(bool)
		}
	}
	// the changes come from the peer, do not send them back
	opts.NoSync = true

	nested, _, err := ctx.Update(changes, opts)
	if err != nil {
		ctx.add("UpdateErrors", 1)
		ctx.logf("%v: invalid update dropped: %v", c.ID, err)
		return
	}
	if tok != nil {
		c.Ack(tok, nil, nested)
	}
}

// Plugin attaches a context to every connection of a manager.
type Plugin struct {
	Config
}

// Name returns PluginName.
func (p *Plugin) Name() string { return PluginName }

// Requires returns nil, contexts are attached when connections open.
func (p *Plugin) Requires() []string { return nil }

// Attach validates the mode and registers the open hook that binds the
// contexts.
func (p *Plugin) Attach(m *connection.Manager) error {
	if p.Mode != Protected && p.Mode != Unprotected {
		return fmt.Errorf("%w: %v", ErrInvalidMode, p.Mode)
	}
	cfg := p.Config
	if cfg.LogFunc == nil {
		cfg.LogFunc = m.LogFunc
	}
	if cfg.Vars == nil {
		cfg.Vars = m.Vars
	}

	m.OnOpen(func(c *connection.Conn) error {
		_, err := Bind(c, cfg)
		return err
	})
	logf := cfg.LogFunc
	if logf == nil {
		logf = log.Printf
	}
	logf("context plugin enabled, %v", p.Mode)
	return nil
}
