package shared

import (
	"errors"
	"expvar"
	"fmt"
	"log"
	"sync"

	"github.com/dvv/connection"
	"github.com/dvv/connection/message"
)

var (
	// ErrInvalidChanges is returned by Update when the changes are not a
	// document, nil or a sequence of those.
	ErrInvalidChanges = errors.New("shared: invalid changes")

	// ErrNotCallable is returned by Call when there is no callable leaf
	// at the path.
	ErrNotCallable = errors.New("shared: not callable")
)

// Peer is the side of the connection that receives the update and
// invoke events of a Context. *connection.Conn implements it.
type Peer interface {
	Send(name string, args ...interface{}) error
	Ack(tok interface{}, args ...interface{}) error
}

// Change records the change of the leaf at Path. A nil Value records a
// deletion.
type Change struct {
	Path  []string
	Value interface{}
}

// Options controls an Update.
type Options struct {
	// Reset removes all properties before applying the changes.
	Reset bool

	// Silent disables the change notification, including the update
	// sent to the peer.
	Silent bool

	// NoSync notifies the OnChange listeners but does not send the
	// update to the peer.
	NoSync bool
}

// ChangeFunc is called after an Update that changed the document, with
// the nested change document and the changes in the order they were
// applied.
type ChangeFunc func(doc map[string]interface{}, changes []Change)

// Remote is a callable leaf owned by the peer.
type Remote struct {
	// Path is the path of the leaf.
	Path []string

	peer Peer
}

// Call sends an invoke event for the leaf. If the last argument is a
// connection.ReplyHandler, it receives the reply of the peer.
func (r *Remote) Call(args ...interface{}) error {
	if r.peer == nil {
		return connection.ErrConnClosed
	}
	path := make([]interface{}, len(r.Path))
	for i, p := range r.Path {
		path[i] = p
	}
	return r.peer.Send(message.InvokeEvent, append([]interface{}{path}, args...)...)
}

// Context is a document shared with the peer of a connection. It is
// safe for concurrent use.
type Context struct {
	// LogFunc is the logging function to use. If nil, log.Printf
	// is used. It can be set to connection.DiscardLog to disable
	// logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// context.
	Vars *expvar.Map

	peer Peer

	mu        sync.Mutex
	doc       map[string]interface{}
	listeners []*ChangeFunc
}

// New creates a context for peer, starting with a copy of proto. peer
// may be nil for a detached context.
func New(peer Peer, proto map[string]interface{}) *Context {
	ctx := &Context{peer: peer}
	if proto != nil {
		ctx.doc = ctx.importValue(proto, nil).(map[string]interface{})
	} else {
		ctx.doc = make(map[string]interface{})
	}
	// private keys of the prototype are kept as-is
	for k, v := range proto {
		if isPrivate(k) {
			ctx.doc[k] = v
		}
	}
	return ctx
}

func (ctx *Context) logf(f string, args ...interface{}) {
	if ctx.LogFunc != nil {
		ctx.LogFunc(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

func (ctx *Context) add(key string, delta int64) {
	if ctx.Vars != nil {
		ctx.Vars.Add(key, delta)
	}
}

// OnChange registers fn to be called after each Update that changed
// the document, unless the update is silent. The returned function
// removes the listener.
func (ctx *Context) OnChange(fn ChangeFunc) (remove func()) {
	p := &fn
	ctx.mu.Lock()
	ctx.listeners = append(ctx.listeners, p)
	ctx.mu.Unlock()

	return func() {
		ctx.mu.Lock()
		defer ctx.mu.Unlock()
		for i, l := range ctx.listeners {
			if l == p {
				ls := make([]*ChangeFunc, 0, len(ctx.listeners)-1)
				ls = append(ls, ctx.listeners[:i]...)
				ctx.listeners = append(ls, ctx.listeners[i+1:]...)
				return
			}
		}
	}
}

// Update merges changes into the document. changes is a document
// (map[string]interface{}), nil to clear the document, or a sequence of
// those applied in order. It returns the nested change document and the
// changes. If something changed, the OnChange listeners are notified
// and the nested change document is sent to the peer as an update
// event, as controlled by opts. The returned error is the error of that
// send, the document is changed even if it fails.
func (ctx *Context) Update(changes interface{}, opts Options) (map[string]interface{}, []Change, error) {
	var docs []interface{}
	switch v := changes.(type) {
	case nil, map[string]interface{}:
		docs = []interface{}{v}
	case []interface{}:
		docs = v
	case []map[string]interface{}:
		docs = make([]interface{}, len(v))
		for i, d := range v {
			docs[i] = d
		}
	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrInvalidChanges, changes)
	}
	for i, d := range docs {
		switch d.(type) {
		case nil, map[string]interface{}:
		default:
			return nil, nil, fmt.Errorf("%w: element %d is %T", ErrInvalidChanges, i, d)
		}
	}

	ctx.mu.Lock()
	before := cloneTree(ctx.doc)
	var flat []Change
	if opts.Reset {
		flat = ctx.clear(flat)
	}
	for _, d := range docs {
		if d == nil {
			flat = ctx.clear(flat)
			continue
		}
		flat = ctx.merge(ctx.doc, d.(map[string]interface{}), nil, flat)
	}
	nested := diff(before, ctx.doc)
	ls := ctx.listeners
	ctx.mu.Unlock()

	if len(flat) == 0 || opts.Silent {
		return nested, flat, nil
	}

	ctx.add("Changes", int64(len(flat)))
	for _, fn := range ls {
		(*fn)(nested, flat)
	}
	if opts.NoSync || len(nested) == 0 || ctx.peer == nil {
		return nested, flat, nil
	}
	return nested, flat, ctx.peer.Send(message.UpdateEvent, nested)
}

// clear removes the non-private properties of the document.
func (ctx *Context) clear(flat []Change) []Change {
	for _, k := range sortedKeys(ctx.doc) {
		if isPrivate(k) {
			continue
		}
		delete(ctx.doc, k)
		flat = append(flat, Change{Path: []string{k}})
	}
	return flat
}

// merge deep merges src into dst. Objects are merged recursively, other
// values replace the existing ones and nil removes them.
func (ctx *Context) merge(dst, src map[string]interface{}, root []string, flat []Change) []Change {
	for _, k := range sortedKeys(src) {
		if isPrivate(k) {
			continue
		}
		path := withKey(root, k)
		v := src[k]
		if f, ok := v.(func([]interface{}, Reply)); ok {
			v = Func(f)
		}
		d, has := dst[k]
		if v == nil && !has {
			continue
		}

		if vm, ok := v.(map[string]interface{}); ok {
			if !has {
				d = make(map[string]interface{})
				dst[k] = d
			}
			if dm, ok := d.(map[string]interface{}); ok {
				flat = ctx.merge(dm, vm, path, flat)
				continue
			}
		}

		if Equal(v, d) {
			continue
		}

		if v == nil {
			delete(dst, k)
			flat = append(flat, Change{Path: path})
			continue
		}
		if s, ok := v.(string); ok && s == FuncSentinel {
			v = &Remote{Path: path, peer: ctx.peer}
		} else {
			v = ctx.importValue(v, path)
		}
		dst[k] = v
		flat = append(flat, Change{Path: path, Value: exportValue(v)})
	}
	return flat
}

// Get returns the value at path, or nil. A callable leaf is returned as
// its Func. Objects and arrays are returned as stored and must not be
// modified, Snapshot returns a copy.
func (ctx *Context) Get(path ...string) interface{} {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	v, _ := lookup(ctx.doc, path)
	return exportValue(v)
}

// Snapshot returns a copy of the document in its wire form: Funcs are
// rendered as the FuncSentinel and Remote stubs are omitted.
func (ctx *Context) Snapshot() map[string]interface{} {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return wireValue(ctx.doc).(map[string]interface{})
}

// Call calls the callable leaf at path with args. If the last argument is
// a connection.ReplyHandler, it receives the reply. It returns
// ErrNotCallable if there is no callable leaf at path.
func (ctx *Context) Call(path []string, args ...interface{}) error {
	switch fn := ctx.Get(path...).(type) {
	case Func:
		reply := Reply(noReply)
		if n := len(args); n > 0 {
			h, ok := args[n-1].(connection.ReplyHandler)
			if f, isFunc := args[n-1].(func([]interface{}, error)); isFunc {
				h, ok = f, true
			}
			if ok {
				args = args[:n-1]
				reply = func(args ...interface{}) error {
					h(args, nil)
					return nil
				}
			}
		}
		fn(args, reply)
		return nil

	case *Remote:
		return fn.Call(args...)
	}
	return fmt.Errorf("%w: %v", ErrNotCallable, path)
}

// Invoke handles the arguments of an invoke event: the path of the
// callable leaf, the call arguments and an optional ack token. The call
// is dropped if there is no callable leaf at the path.
func (ctx *Context) Invoke(args []interface{}) {
	if len(args) == 0 {
		ctx.add("InvokeNotFound", 1)
		return
	}
	path, ok := toPath(args[0])
	if !ok {
		ctx.add("InvokeNotFound", 1)
		ctx.logf("shared: invalid invoke path %v", args[0])
		return
	}
	args = args[1:]

	reply := Reply(noReply)
	if n := len(args); n > 0 && message.IsAckToken(args[n-1]) && ctx.peer != nil {
		tok := args[n-1]
		args = args[:n-1]
		reply = func(args ...interface{}) error {
			return ctx.peer.Ack(tok, args...)
		}
	}

	switch fn := ctx.Get(path...).(type) {
	case Func:
		ctx.add("Invokes", 1)
		fn(args, reply)

	case *Remote:
		// relay to the owner of the function
		ctx.add("Invokes", 1)
		fn.Call(append(args, connection.ReplyHandler(func(res []interface{}, err error) {
			if err == nil {
				reply(res...)
			}
		}))...)

	default:
		ctx.add("InvokeNotFound", 1)
		ctx.logf("shared: no function at %v, invoke dropped", path)
	}
}

func toPath(v interface{}) ([]string, bool) {
	switch v := v.(type) {
	case []string:
		return v, true
	case []interface{}:
		p := make([]string, len(v))
		for i, vv := range v {
			s, ok := vv.(string)
			if !ok {
				return nil, false
			}
			p[i] = s
		}
		return p, true
	case string:
		return []string{v}, true
	}
	return nil, false
}
