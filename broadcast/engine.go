// Package broadcast implements the delivery of events to selected
// connections of a connection.Manager, across the broker processes that
// share a Relay.
//
// An event is wrapped in a message.Envelope with an optional selection
// rule, encoded and published on the relay. Each process listening on
// the relay decodes the envelope and delivers the event to its local
// connections that match the rule, as if the event had been received
// from those connections. Delivery is best-effort: it is neither
// acknowledged nor ordered across processes.
package broadcast

import (
	"expvar"
	"log"
	"sync"

	"github.com/dvv/connection"
	"github.com/dvv/connection/message"
)

// PluginName is the name of the broadcast capability.
const PluginName = "broadcast"

// Resolver returns the IDs of the connections selected by the criteria
// of rule. A nil slice selects all connections.
type Resolver func(rule *message.Rule) ([]string, error)

// ResolverPlugin is implemented by the plugins that resolve selection
// criteria. An Engine enabled after such a plugin uses its Resolve
// method as resolver.
type ResolverPlugin interface {
	connection.Plugin
	Resolve(rule *message.Rule) ([]string, error)
}

// ResolveAll is the default Resolver, it selects all connections.
func ResolveAll(*message.Rule) ([]string, error) {
	return nil, nil
}

// Engine is the broadcast engine of a connection.Manager. It is a
// connection.Plugin that requires the connection registry.
//
// The fields should not be updated once the engine is attached.
type Engine struct {
	// Relay is the relay to publish on and listen to. If nil, events
	// are delivered to the local connections only.
	Relay Relay

	// Codec is the codec of the envelopes. Defaults to message.JSONCodec.
	Codec message.Codec

	// NoLocalFallback disables the delivery to the local connections of
	// the events that cannot be published on the relay. Publish then
	// returns the relay error.
	NoLocalFallback bool

	// LogFunc is the logging function to use. If nil, log.Printf
	// is used. It can be set to connection.DiscardLog to disable
	// logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// engine.
	Vars *expvar.Map

	mgr *connection.Manager

	mu      sync.RWMutex
	resolve Resolver

	done chan struct{}
}

// From returns the broadcast engine enabled on m, or nil.
func From(m *connection.Manager) *Engine {
	e, _ := m.Plugin(PluginName).(*Engine)
	return e
}

// Name returns PluginName.
func (e *Engine) Name() string { return PluginName }

// Requires returns the connection registry.
func (e *Engine) Requires() []string { return []string{connection.RegistryName} }

// Attach binds the engine to m and starts listening on the relay.
func (e *Engine) Attach(m *connection.Manager) error {
	e.mgr = m
	if e.Codec == nil {
		e.Codec = message.JSONCodec
	}
	if e.LogFunc == nil {
		e.LogFunc = m.LogFunc
	}
	if e.Vars == nil {
		e.Vars = m.Vars
	}
	if e.resolve == nil {
		// the last enabled resolver plugin wins
		for _, p := range m.Plugins() {
			if rp, ok := p.(ResolverPlugin); ok {
				e.SetResolver(rp.Resolve)
			}
		}
	}

	e.done = make(chan struct{})
	if e.Relay != nil {
		go func() {
			defer close(e.done)
			if err := e.Listen(); err != nil {
				e.logf("broadcast: relay stopped: %v", err)
			}
		}()
	} else {
		close(e.done)
	}
	e.logf("broadcast plugin enabled")
	return nil
}

// Close closes the relay and waits for the listening loop to stop.
func (e *Engine) Close() error {
	if e.Relay == nil {
		return nil
	}
	err := e.Relay.Close()
	if e.done != nil {
		<-e.done
	}
	return err
}

// SetResolver sets the resolver of the selection criteria. A nil
// Resolver restores ResolveAll.
func (e *Engine) SetResolver(r Resolver) {
	e.mu.Lock()
	e.resolve = r
	e.mu.Unlock()
}

func (e *Engine) resolver() Resolver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.resolve == nil {
		return ResolveAll
	}
	return e.resolve
}

func (e *Engine) logf(f string, args ...interface{}) {
	if e.LogFunc != nil {
		e.LogFunc(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

func (e *Engine) add(key string, delta int64) {
	if e.Vars != nil {
		e.Vars.Add(key, delta)
	}
}

// Send broadcasts the event to all connections.
func (e *Engine) Send(name string, args ...interface{}) error {
	return e.Publish(message.NewEnvelope(nil, name, args...))
}

// Forall returns a selector of the connections identified by ids.
func (e *Engine) Forall(ids ...string) *Selector {
	return &Selector{e: e, rule: message.IDList(ids...)}
}

// Select returns an empty selector. Its criteria are resolved by the
// Resolver of the engine.
func (e *Engine) Select() *Selector {
	return &Selector{e: e, rule: &message.Rule{}}
}

// Publish encodes and publishes the envelope on the relay. If the
// engine has no relay, the envelope is delivered locally. If the relay
// fails to publish it, the envelope is delivered locally too, unless
// NoLocalFallback is set.
func (e *Engine) Publish(env *message.Envelope) error {
	e.add("Broadcasts", 1)
	if e.Relay == nil {
		e.Deliver(env)
		return nil
	}

	b, err := e.Codec.Encode(env)
	if err != nil {
		e.add("EncodeErrors", 1)
		return err
	}
	if err := e.Relay.Publish(b); err != nil {
		e.add("RelayPublishErrors", 1)
		e.logf("broadcast: publish failed: %v", err)
		if e.NoLocalFallback {
			return err
		}
		e.Deliver(env)
		return nil
	}
	return nil
}

// Listen delivers the messages received on the relay until its messages
// channel is closed. It returns the error that closed the channel.
// Attach starts it in its own goroutine.
func (e *Engine) Listen() error {
	for b := range e.Relay.Messages() {
		env, err := e.Codec.Decode(b)
		if err != nil {
			e.add("DecodeErrors", 1)
			e.logf("broadcast: dropping malformed envelope: %v", err)
			continue
		}
		e.Deliver(env)
	}
	return e.Relay.MessagesErr()
}

// Deliver delivers the envelope to the local connections selected by its
// rule. It returns the number of connections the event was queued on.
func (e *Engine) Deliver(env *message.Envelope) int {
	ev, err := env.Event()
	if err != nil {
		e.add("DecodeErrors", 1)
		e.logf("broadcast: dropping invalid event: %v", err)
		return 0
	}

	var ids []string
	switch r := env.Rule; {
	case r == nil:
	case r.IsIDList():
		ids = r.IDs
		if len(ids) == 0 {
			return 0
		}
	default:
		if ids, err = e.resolver()(r); err != nil {
			e.add("ResolveErrors", 1)
			e.logf("broadcast: failed to resolve %v: %v", r.Value(), err)
			return 0
		}
		if ids != nil && len(ids) == 0 {
			return 0
		}
	}

	n := 0
	deliver := func(c *connection.Conn) {
		if c.Deliver(ev.Name, ev.Args...) {
			n++
		}
	}
	if ids == nil {
		e.mgr.Each(func(c *connection.Conn) bool {
			deliver(c)
			return true
		})
	} else {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			// connections of other processes are not found
			if c := e.mgr.Conn(id); c != nil {
				deliver(c)
			}
		}
	}
	e.add("Deliveries", int64(n))
	return n
}

// Selector accumulates a selection rule. It is not safe for concurrent
// use.
type Selector struct {
	e    *Engine
	rule *message.Rule
}

func (s *Selector) criteria() *message.Rule {
	if s.rule.IsIDList() {
		// the ids become criteria, matched by the resolver
		s.rule = &message.Rule{Or: s.rule.IDs}
	}
	return s.rule
}

// To adds union criteria.
func (s *Selector) To(criteria ...string) *Selector {
	r := s.criteria()
	r.Or = append(r.Or, criteria...)
	return s
}

// Only adds intersection criteria.
func (s *Selector) Only(criteria ...string) *Selector {
	r := s.criteria()
	r.And = append(r.And, criteria...)
	return s
}

// Not adds exclusion criteria.
func (s *Selector) Not(criteria ...string) *Selector {
	r := s.criteria()
	r.Not = append(r.Not, criteria...)
	return s
}

// Rule returns a copy of the accumulated rule.
func (s *Selector) Rule() *message.Rule {
	return s.rule.Clone()
}

// Send broadcasts the event to the selected connections and resets the
// selector to an empty rule.
func (s *Selector) Send(name string, args ...interface{}) error {
	r := s.rule
	s.rule = &message.Rule{}
	return s.e.Publish(message.NewEnvelope(r, name, args...))
}
