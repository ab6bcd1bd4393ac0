// Package auth implements the authentication of connections. A client
// sends the auth event with its session credential, as it would appear
// in the Cookie header of an HTTP request. The credential is resolved to
// a session and a capabilities document by the same Resolver that serves
// the HTTP requests of the application.
package auth

import (
	"errors"
	"expvar"
	"log"
	"net/http"
	"net/url"

	"github.com/dvv/connection"
	"github.com/dvv/connection/message"
	"github.com/dvv/connection/shared"
)

// PluginName is the name of the auth capability.
const PluginName = "auth"

// ErrNoResolver is returned when the plugin is attached without a
// Resolver.
var ErrNoResolver = errors.New("auth: no resolver")

// Resolver resolves the session and the capabilities document of a
// request. A nil session is a guest.
type Resolver interface {
	Resolve(*http.Request) (session interface{}, doc map[string]interface{}, err error)
}

// ResolverFunc is a function signature that implements the Resolver
// interface.
type ResolverFunc func(*http.Request) (interface{}, map[string]interface{}, error)

// Resolve implements Resolver for the ResolverFunc by calling the
// function itself.
func (fn ResolverFunc) Resolve(r *http.Request) (interface{}, map[string]interface{}, error) {
	return fn(r)
}

// SessionResolver extracts the session from a request. It returns a nil
// session, not an error, when the request carries none.
type SessionResolver interface {
	Session(*http.Request) (interface{}, error)
}

// Authorizer returns the capabilities document of a session.
type Authorizer interface {
	Authorize(session interface{}) (map[string]interface{}, error)
}

// Compose returns the Resolver that extracts the session with s and
// authorizes it with a.
func Compose(s SessionResolver, a Authorizer) Resolver {
	return ResolverFunc(func(r *http.Request) (interface{}, map[string]interface{}, error) {
		sess, err := s.Session(r)
		if err != nil {
			return nil, nil, err
		}
		doc, err := a.Authorize(sess)
		if err != nil {
			return nil, nil, err
		}
		return sess, doc, nil
	})
}

// Request returns the request that carries the credential as its Cookie
// header.
func Request(credential string) *http.Request {
	return &http.Request{
		Method: "GET",
		URL:    &url.URL{Path: "/"},
		Header: http.Header{"Cookie": {credential}},
	}
}

type docKey struct{}

// Doc returns the capabilities document stored on c by the last
// successful auth event, when the shared context capability is not
// enabled.
func Doc(c *connection.Conn) map[string]interface{} {
	doc, _ := c.Value(docKey{}).(map[string]interface{})
	return doc
}

// Plugin handles the auth event of the connections of a manager.
type Plugin struct {
	// Resolver is required.
	Resolver Resolver

	// LogFunc is the logging function to use. If nil, the manager's
	// LogFunc is used.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// auth events.
	Vars *expvar.Map
}

// Name returns PluginName.
func (p *Plugin) Name() string { return PluginName }

// Requires returns nil.
func (p *Plugin) Requires() []string { return nil }

// Attach registers the auth event listener on m.
func (p *Plugin) Attach(m *connection.Manager) error {
	if p.Resolver == nil {
		return ErrNoResolver
	}
	if p.LogFunc == nil {
		p.LogFunc = m.LogFunc
	}
	if p.Vars == nil {
		p.Vars = m.Vars
	}

	m.On(message.AuthEvent, p.handle)
	p.logf("auth plugin enabled")
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

// handle processes auth(credential, token?).
func (p *Plugin) handle(c *connection.Conn, args []interface{}) {
	var tok interface{}
	if n := len(args); n > 0 && message.IsAckToken(args[n-1]) {
		tok = args[n-1]
		args = args[:n-1]
	}
	var cred string
	if len(args) > 0 {
		cred, _ = args[0].(string)
	}

	sess, doc, err := p.Resolver.Resolve(Request(cred))
	if err != nil {
		p.add("AuthErrors", 1)
		p.logf("%v: auth failed: %v", c.ID, err)
		c.Ack(tok, err.Error())
		return
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	c.SetSession(sess)
	if ctx := shared.From(c); ctx != nil {
		// the context is replaced by doc: the capabilities of the previous
		// session are dropped, and so are the non-private keys set by the
		// client outside doc, on every auth. Private keys are kept.
		if _, _, err := ctx.Update(doc, shared.Options{Reset: true}); err != nil {
			p.add("AuthErrors", 1)
			p.logf("%v: auth context update failed: %v", c.ID, err)
			c.Ack(tok, err.Error())
			return
		}
	} else {
		c.SetValue(docKey{}, doc)
	}
	p.add("Auths", 1)
	c.Ack(tok, nil, sess)
}
