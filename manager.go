package connection

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

// Subprotocols is the list of protocol versions supported by this
// package. It should be set as-is on the websocket.Upgrader Subprotocols
// field.
var Subprotocols = []string{
	"connection.0",
}

func isInStr(list []string, v string) bool {
	for _, vv := range list {
		if vv == v {
			return true
		}
	}
	return false
}

// Manager serves websocket connections and keeps the registry of open
// connections. Capabilities are enabled by registering plugins with Use,
// the Registry plugin must be enabled before connections can be served.
//
// The Config and the ConnState and Handler fields should not be updated
// once a manager has started serving connections.
type Manager struct {
	Config

	// ConnState specifies an optional callback function that is called
	// when a connection changes state. If non-nil, it is called for
	// Accepting, Connected and Closing states. Closing means closing the
	// connection, the underlying websocket connection may stay
	// connected.
	//
	// The possible state transitions are:
	//
	//     Accepting -> Closing (if the manager failed to setup the connection)
	//     Accepting -> Connected
	//     Connected -> Closing
	ConnState func(*Conn, ConnState)

	// Handler is called for every event received or delivered on any
	// connection, after the connection's own listeners.
	Handler Handler

	mu         sync.RWMutex
	conns      map[string]*Conn // nil until the Registry plugin is attached
	plugins    map[string]Plugin
	order      []string
	listeners  map[string][]Listener
	openHooks  []func(*Conn) error
	closeHooks []func(*Conn)
}

// Use enables the capability implemented by p. It fails with
// ErrPluginPrecondition if a capability required by p is not enabled.
// Enabling a capability that is already enabled is a no-op.
func (m *Manager) Use(p Plugin) error {
	name := p.Name()
	if m.Enabled(name) {
		return nil
	}

	for _, req := range p.Requires() {
		if !m.Enabled(req) {
			return fmt.Errorf("%w: %s requires %s", ErrPluginPrecondition, name, req)
		}
	}
	if err := p.Attach(m); err != nil {
		return fmt.Errorf("connection: attach %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plugins == nil {
		m.plugins = make(map[string]Plugin)
	}
	m.plugins[name] = p
	m.order = append(m.order, name)
	return nil
}

// Enabled returns true if the named capability is enabled.
func (m *Manager) Enabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.plugins[name]
	return ok
}

// Plugin returns the plugin that enabled the named capability, or nil.
func (m *Manager) Plugin(name string) Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plugins[name]
}

// Plugins returns the enabled plugins, in the order they were enabled.
func (m *Manager) Plugins() []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps := make([]Plugin, 0, len(m.order))
	for _, name := range m.order {
		ps = append(ps, m.plugins[name])
	}
	return ps
}

// OnOpen registers fn to be called when a connection opens, before it
// starts processing events. Hooks are called in registration order. If a
// hook returns an error, the connection is closed with that error.
func (m *Manager) OnOpen(fn func(*Conn) error) {
	m.mu.Lock()
	m.openHooks = append(m.openHooks, fn)
	m.mu.Unlock()
}

// OnClose registers fn to be called when a connection closes, after it
// has been removed from the registry.
func (m *Manager) OnClose(fn func(*Conn)) {
	m.mu.Lock()
	m.closeHooks = append(m.closeHooks, fn)
	m.mu.Unlock()
}

// On registers fn to be called for each event named name received or
// delivered on any connection. It runs on the event goroutine of the
// connection, after the connection's own listeners.
func (m *Manager) On(name string, fn Listener) {
	m.mu.Lock()
	if m.listeners == nil {
		m.listeners = make(map[string][]Listener)
	}
	// copy-on-write, handle reads the slice without the lock held
	ls := make([]Listener, 0, len(m.listeners[name])+1)
	ls = append(ls, m.listeners[name]...)
	m.listeners[name] = append(ls, fn)
	m.mu.Unlock()
}

func (m *Manager) register(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns == nil {
		return false
	}
	m.conns[c.ID.String()] = c
	return true
}

func (m *Manager) unregister(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.ID.String())
	m.mu.Unlock()
}

// ServeConn serves the websocket connection. It blocks until the
// connection is closed, leaving the websocket connection open.
func (m *Manager) ServeConn(conn *websocket.Conn) {
	if m.Vars != nil {
		m.Vars.Add("ActiveConns", 1)
		m.Vars.Add("TotalConns", 1)
		defer m.Vars.Add("ActiveConns", -1)
	}

	conn.SetReadLimit(m.ReadLimit)
	c := newConn(conn, &m.Config, m)

	// start lifecycle - Accepting, and ensure Closing is called on exit
	if cs := m.ConnState; cs != nil {
		defer func() {
			cs(c, Closing)
		}()
		cs(c, Accepting)
	}

	if !m.register(c) {
		c.Close(ErrNoRegistry)
		return
	}

	m.mu.RLock()
	open := m.openHooks
	m.mu.RUnlock()
	for _, fn := range open {
		if err := fn(c); err != nil {
			m.unregister(c)
			c.Close(fmt.Errorf("failed to open connection: %w; dropping connection", err))
			m.closed(c)
			return
		}
	}

	// switch to connected state
	if cs := m.ConnState; cs != nil {
		cs(c, Connected)
	}

	c.Serve()

	m.unregister(c)
	m.closed(c)
}

func (m *Manager) closed(c *Conn) {
	m.mu.RLock()
	hooks := m.closeHooks
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}
}

// Conn returns the open connection identified by id, or nil.
func (m *Manager) Conn(id string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

// Len returns the number of open connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// IDs returns the sorted identifiers of the open connections.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Each calls fn for each open connection, until fn returns false. It
// iterates over a snapshot of the registry, so fn may close connections.
func (m *Manager) Each(fn func(*Conn) bool) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if !fn(c) {
			return
		}
	}
}

// Close closes all open connections with ErrManagerClosed, then closes
// the plugins that implement io.Closer, in reverse order of
// registration. It returns the errors of the plugins, if any.
func (m *Manager) Close() error {
	m.Each(func(c *Conn) bool {
		c.Close(ErrManagerClosed)
		return true
	})

	m.mu.RLock()
	var closers []io.Closer
	for i := len(m.order) - 1; i >= 0; i-- {
		if cl, ok := m.plugins[m.order[i]].(io.Closer); ok {
			closers = append(closers, cl)
		}
	}
	m.mu.RUnlock()

	var err error
	for _, cl := range closers {
		err = multierr.Append(err, cl.Close())
	}
	return err
}

// Upgrade returns an http.Handler that upgrades connections to
// the websocket protocol using upgrader. The websocket connection
// must be upgraded to a supported subprotocol otherwise the
// connection is dropped.
//
// Once connected, the websocket connection is served via m.ServeConn.
// The websocket connection is closed when the connection is closed.
func Upgrade(upgrader *websocket.Upgrader, m *Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// upgrade the HTTP connection to the websocket protocol
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer wsConn.Close()

		// the agreed-upon subprotocol must be one of the supported ones.
		if !isInStr(Subprotocols, wsConn.Subprotocol()) {
			return
		}

		// this call blocks until the connection is closed
		m.ServeConn(wsConn)
	})
}
