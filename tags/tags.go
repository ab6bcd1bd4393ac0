// Package tags implements the tagging of connections and the resolver of
// the broadcast selection criteria.
//
// A criterion matches a connection when it is the connection's ID, one of
// its tags, or a "path=value" condition on its shared context, where path
// is a dot-separated list of keys. The connections selected by a rule are
// those that match any Or criterion (all connections if there is none),
// all And criteria and no Not criterion.
//
// The Plugin becomes the resolver of the broadcast engine of its manager
// whatever the order in which both are enabled: it installs itself on an
// engine that is already enabled, and an engine enabled later picks it up
// as a broadcast.ResolverPlugin.
package tags

import (
	"expvar"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dvv/connection"
	"github.com/dvv/connection/broadcast"
	"github.com/dvv/connection/message"
	"github.com/dvv/connection/shared"
)

// static check that *Plugin resolves broadcast criteria
var _ broadcast.ResolverPlugin = (*Plugin)(nil)

// PluginName is the name of the tagging capability.
const PluginName = "tags"

// Names of the events that clients send to tag and untag their own
// connection, if allowed.
const (
	TagEvent   = "tag"
	UntagEvent = "untag"
)

// Plugin maintains the tags of the connections of a manager. If the
// broadcast capability is enabled when the plugin is attached, the
// plugin becomes the resolver of the broadcast engine.
type Plugin struct {
	// AllowClient enables the tag and untag events, which let clients
	// change the tags of their connection.
	AllowClient bool

	// LogFunc is the logging function to use. If nil, the manager's
	// LogFunc is used.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// tags.
	Vars *expvar.Map

	mgr *connection.Manager

	mu   sync.RWMutex
	tags map[string]map[string]bool // by connection ID
}

// From returns the tagging plugin enabled on m, or nil.
func From(m *connection.Manager) *Plugin {
	p, _ := m.Plugin(PluginName).(*Plugin)
	return p
}

// Name returns PluginName.
func (p *Plugin) Name() string { return PluginName }

// Requires returns the connection registry.
func (p *Plugin) Requires() []string { return []string{connection.RegistryName} }

// Attach binds the plugin to m.
func (p *Plugin) Attach(m *connection.Manager) error {
	p.mgr = m
	p.tags = make(map[string]map[string]bool)
	if p.LogFunc == nil {
		p.LogFunc = m.LogFunc
	}
	if p.Vars == nil {
		p.Vars = m.Vars
	}

	m.OnClose(func(c *connection.Conn) {
		p.mu.Lock()
		delete(p.tags, c.ID.String())
		p.mu.Unlock()
	})
	if p.AllowClient {
		m.On(TagEvent, func(c *connection.Conn, args []interface{}) {
			p.handle(c, args, p.Tag)
		})
		m.On(UntagEvent, func(c *connection.Conn, args []interface{}) {
			p.handle(c, args, p.Untag)
		})
	}
	if e := broadcast.From(m); e != nil {
		e.SetResolver(p.Resolve)
		p.logf("tags plugin enabled, resolving broadcast criteria")
	} else {
		p.logf("tags plugin enabled")
	}
	return nil
}

func (p *Plugin) logf(f string, args ...interface{}) {
	if p.LogFunc != nil {
		p.LogFunc(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

func (p *Plugin) add(key string, delta int64) {
	if p.Vars != nil {
		p.Vars.Add(key, delta)
	}
}

// handle processes tag(tags..., token?) and untag(tags..., token?). The
// tags may also be sent as a single array. The reply is (nil, tags).
func (p *Plugin) handle(c *connection.Conn, args []interface{}, fn func(*connection.Conn, ...string)) {
	var tok interface{}
	if n := len(args); n > 0 && message.IsAckToken(args[n-1]) {
		tok = args[n-1]
		args = args[:n-1]
	}
	if len(args) == 1 {
		if list, ok := args[0].([]interface{}); ok {
			args = list
		}
	}

	tags := make([]string, 0, len(args))
	for _, arg := range args {
		if s, ok := arg.(string); ok && s != "" {
			tags = append(tags, s)
		} else {
			p.add("InvalidTags", 1)
		}
	}
	fn(c, tags...)
	c.Ack(tok, nil, p.Tags(c))
}

// Tag adds the tags to c. Tags of a closed connection are ignored.
func (p *Plugin) Tag(c *connection.Conn, tags ...string) {
	select {
	case <-c.CloseNotify():
		return
	default:
	}

	id := c.ID.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.tags[id]
	if set == nil {
		set = make(map[string]bool, len(tags))
		p.tags[id] = set
	}
	for _, tag := range tags {
		set[tag] = true
	}
}

// Untag removes the tags from c.
func (p *Plugin) Untag(c *connection.Conn, tags ...string) {
	id := c.ID.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.tags[id]
	for _, tag := range tags {
		delete(set, tag)
	}
	if len(set) == 0 {
		delete(p.tags, id)
	}
}

// Tags returns the sorted tags of c.
func (p *Plugin) Tags(c *connection.Conn) []string {
	p.mu.RLock()
	set := p.tags[c.ID.String()]
	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	p.mu.RUnlock()

	sort.Strings(tags)
	return tags
}

func (p *Plugin) hasTag(id, tag string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tags[id][tag]
}

// Match returns true if the criterion matches c.
func (p *Plugin) Match(c *connection.Conn, criterion string) bool {
	id := c.ID.String()
	if criterion == id || p.hasTag(id, criterion) {
		return true
	}

	i := strings.IndexByte(criterion, '=')
	if i <= 0 {
		return false
	}
	ctx := shared.From(c)
	if ctx == nil {
		return false
	}
	v := ctx.Get(strings.Split(criterion[:i], ".")...)
	s, ok := scalarString(v)
	return ok && s == criterion[i+1:]
}

func scalarString(v interface{}) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	}
	return "", false
}

func (p *Plugin) matchAny(c *connection.Conn, criteria []string) bool {
	for _, cr := range criteria {
		if p.Match(c, cr) {
			return true
		}
	}
	return false
}

func (p *Plugin) matchAll(c *connection.Conn, criteria []string) bool {
	for _, cr := range criteria {
		if !p.Match(c, cr) {
			return false
		}
	}
	return true
}

// Resolve returns the sorted IDs of the local connections selected by
// the criteria of rule. It implements broadcast.Resolver.
func (p *Plugin) Resolve(rule *message.Rule) ([]string, error) {
	if rule == nil {
		return nil, nil
	}
	if rule.IsIDList() {
		return append([]string{}, rule.IDs...), nil
	}

	ids := []string{}
	p.mgr.Each(func(c *connection.Conn) bool {
		if len(rule.Or) > 0 && !p.matchAny(c, rule.Or) {
			return true
		}
		if p.matchAll(c, rule.And) && !p.matchAny(c, rule.Not) {
			ids = append(ids, c.ID.String())
		}
		return true
	})
	sort.Strings(ids)
	return ids, nil
}
