package shared

import (
	"errors"
	"expvar"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/dvv/connection"
	"github.com/dvv/connection/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	name string
	args []interface{}
}

type fakePeer struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (p *fakePeer) Send(name string, args ...interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentEvent{name, args})
	return nil
}

func (p *fakePeer) Ack(tok interface{}, args ...interface{}) error {
	if !message.IsAckToken(tok) {
		return nil
	}
	return p.Send(tok.(string), args...)
}

func (p *fakePeer) events() []sentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentEvent(nil), p.sent...)
}

func (p *fakePeer) last(t *testing.T) sentEvent {
	evs := p.events()
	require.NotEmpty(t, evs, "no event sent")
	return evs[len(evs)-1]
}

type doc = map[string]interface{}

func TestUpdateScenario(t *testing.T) {
	peer := &fakePeer{}
	ctx := New(peer, nil)

	var notified [][]Change
	ctx.OnChange(func(_ map[string]interface{}, changes []Change) {
		notified = append(notified, changes)
	})

	nested, changes, err := ctx.Update(doc{"user": doc{"name": "bob"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Change{{Path: []string{"user", "name"}, Value: "bob"}}, changes)
	assert.Equal(t, doc{"user": doc{"name": "bob"}}, nested)
	assert.Equal(t, sentEvent{message.UpdateEvent, []interface{}{nested}}, peer.last(t))

	_, changes, err = ctx.Update(doc{"user": doc{"name": "bob"}}, Options{})
	require.NoError(t, err)
	assert.Empty(t, changes, "same document")
	assert.Len(t, notified, 1, "no second notification")
	assert.Len(t, peer.events(), 1, "no second update")

	nested, changes, err = ctx.Update(doc{"user": doc{"name": nil}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Change{{Path: []string{"user", "name"}}}, changes, "deletion")
	assert.Equal(t, doc{"user": doc{"name": nil}}, nested)
	assert.Nil(t, ctx.Get("user", "name"), "name removed")
	assert.Equal(t, doc{}, ctx.Get("user"), "user kept")
	assert.Len(t, notified, 2)
}

func TestUpdateIdempotent(t *testing.T) {
	re := regexp.MustCompile(`^a+$`)
	now := time.Now()
	docs := []map[string]interface{}{
		{"a": 1, "b": "x"},
		{"a": 1.0, "list": []interface{}{1, "two", doc{"three": 3}}},
		{"nested": doc{"deep": doc{"deeper": true}}, "n": int64(42)},
		{"when": now, "re": re},
		{"arr": []interface{}{}, "empty": doc{}},
	}

	for i, d := range docs {
		ctx := New(nil, nil)
		_, _, err := ctx.Update(d, Options{})
		require.NoError(t, err, "%d: first update", i)

		calls := 0
		ctx.OnChange(func(map[string]interface{}, []Change) { calls++ })
		nested, changes, err := ctx.Update(d, Options{})
		require.NoError(t, err, "%d: second update", i)
		assert.Empty(t, changes, "%d: changes", i)
		assert.Empty(t, nested, "%d: nested", i)
		assert.Equal(t, 0, calls, "%d: notified", i)
	}

	// equal values of different numeric types are not a change
	ctx := New(nil, doc{"a": 1})
	_, changes, err := ctx.Update(doc{"a": 1.0}, Options{})
	require.NoError(t, err)
	assert.Empty(t, changes)

	// values of different kinds are
	_, changes, err = ctx.Update(doc{"a": "1"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Change{{Path: []string{"a"}, Value: "1"}}, changes)
}

func TestUpdateArraysAreCopied(t *testing.T) {
	ctx := New(nil, nil)
	list := []interface{}{1, 2}
	_, _, err := ctx.Update(doc{"list": list}, Options{})
	require.NoError(t, err)

	list[0] = 99
	assert.Equal(t, []interface{}{1, 2}, ctx.Get("list"))

	// arrays are replaced, never merged
	_, changes, err := ctx.Update(doc{"list": []interface{}{3}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Change{{Path: []string{"list"}, Value: []interface{}{3}}}, changes)
	assert.Equal(t, []interface{}{3}, ctx.Get("list"))
}

func TestUpdateTypedArraysAreCopied(t *testing.T) {
	ctx := New(nil, nil)
	names := []string{"a", "b"}
	rows := []map[string]interface{}{{"id": 1}}
	_, changes, err := ctx.Update(doc{"names": names, "rows": rows}, Options{})
	require.NoError(t, err)
	require.Len(t, changes, 2)

	names[0] = "z"
	rows[0]["id"] = 2
	assert.Equal(t, []interface{}{"a", "b"}, ctx.Get("names"))
	assert.Equal(t, []interface{}{doc{"id": 1}}, ctx.Get("rows"))

	// the same values again are not a change
	_, changes, err = ctx.Update(doc{"names": []string{"a", "b"}}, Options{})
	require.NoError(t, err)
	assert.Empty(t, changes)
}

type service struct {
	name string
	hits *[]string
}

func (s service) Query(args []interface{}, reply Reply) {
	*s.hits = append(*s.hits, s.name)
}

func TestUpdateReplacesFunc(t *testing.T) {
	peer := &fakePeer{}
	ctx := New(peer, nil)

	var hits []string
	guest := service{name: "guest", hits: &hits}
	user := service{name: "user", hits: &hits}

	_, changes, err := ctx.Update(doc{"api": doc{"query": Func(guest.Query)}}, Options{})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	sent := len(peer.events())

	// same method of another receiver
	_, changes, err = ctx.Update(doc{"api": doc{"query": Func(user.Query)}}, Options{})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"api", "query"}, changes[0].Path)
	assert.IsType(t, Func(nil), changes[0].Value)
	assert.Len(t, peer.events(), sent+1, "update sent")

	require.NoError(t, ctx.Call([]string{"api", "query"}))
	assert.Equal(t, []string{"user"}, hits)

	// closures of the same literal
	factory := func(name string) Func {
		return func([]interface{}, Reply) { hits = append(hits, name) }
	}
	_, changes, err = ctx.Update(doc{"api": doc{"query": factory("one")}}, Options{})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	_, changes, err = ctx.Update(doc{"api": doc{"query": factory("two")}}, Options{})
	require.NoError(t, err)
	require.Len(t, changes, 1)

	require.NoError(t, ctx.Call([]string{"api", "query"}))
	assert.Equal(t, []string{"user", "two"}, hits)

	// unrelated updates do not resend the function
	nested, _, err := ctx.Update(doc{"x": 1}, Options{})
	require.NoError(t, err)
	assert.Equal(t, doc{"x": 1}, nested)
}

func TestUpdateReplaceScalarWithObject(t *testing.T) {
	peer := &fakePeer{}
	ctx := New(peer, doc{"a": 1})
	nested, changes, err := ctx.Update(doc{"a": doc{"b": 2}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Change{{Path: []string{"a"}, Value: doc{"b": 2}}}, changes)
	assert.Equal(t, doc{"a": doc{"b": 2}}, nested)
	assert.Equal(t, 2, ctx.Get("a", "b"))
}

func TestUpdateResetAndClear(t *testing.T) {
	peer := &fakePeer{}
	ctx := New(peer, doc{"a": 1, "b": doc{"c": 2}, "_private": "p"})

	nested, changes, err := ctx.Update(doc{"a": 1}, Options{Reset: true})
	require.NoError(t, err)
	assert.Equal(t, []Change{
		{Path: []string{"a"}},
		{Path: []string{"b"}},
		{Path: []string{"a"}, Value: 1},
	}, changes)
	assert.Equal(t, doc{"b": nil}, nested, "peer only needs the removal of b")
	assert.Equal(t, "p", ctx.Get("_private"), "private key kept")

	// nil clears the document
	nested, changes, err = ctx.Update(nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Change{{Path: []string{"a"}}}, changes)
	assert.Equal(t, doc{"a": nil}, nested)

	// a nil element clears the document at that point
	nested, changes, err = ctx.Update([]interface{}{
		doc{"x": 1, "y": 2},
		nil,
		doc{"z": 3},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Change{
		{Path: []string{"x"}, Value: 1},
		{Path: []string{"y"}, Value: 2},
		{Path: []string{"x"}},
		{Path: []string{"y"}},
		{Path: []string{"z"}, Value: 3},
	}, changes)
	assert.Equal(t, doc{"z": 3}, nested)
	assert.Equal(t, doc{"_private": "p", "z": 3}, ctx.doc)

	// the peer receives the net difference of the whole update
	_, _, err = ctx.Update(doc{"o": doc{"k1": 1, "k2": 2}}, Options{})
	require.NoError(t, err)
	nested, _, err = ctx.Update([]map[string]interface{}{{"o": nil}, {"o": doc{"k1": 1}}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, doc{"o": doc{"k2": nil}}, nested)
}

func TestUpdatePrivateKeys(t *testing.T) {
	ctx := New(nil, doc{"_id": "x"})
	_, changes, err := ctx.Update(doc{"_id": "y", "a": doc{"_b": 1, "c": 2}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Change{{Path: []string{"a", "c"}, Value: 2}}, changes)
	assert.Equal(t, "x", ctx.Get("_id"))
	assert.Nil(t, ctx.Get("a", "_b"))
	assert.Equal(t, doc{"a": doc{"c": 2}}, ctx.Snapshot())
}

func TestUpdateSilentNoSync(t *testing.T) {
	peer := &fakePeer{}
	ctx := New(peer, nil)
	calls := 0
	remove := ctx.OnChange(func(map[string]interface{}, []Change) { calls++ })

	_, changes, err := ctx.Update(doc{"a": 1}, Options{Silent: true})
	require.NoError(t, err)
	assert.Len(t, changes, 1)
	assert.Equal(t, 0, calls, "silent")
	assert.Empty(t, peer.events(), "silent")

	_, _, err = ctx.Update(doc{"a": 2}, Options{NoSync: true})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "no sync")
	assert.Empty(t, peer.events(), "no sync")

	remove()
	_, _, err = ctx.Update(doc{"a": 3}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "removed")
	assert.Len(t, peer.events(), 1)
}

func TestUpdateInvalid(t *testing.T) {
	ctx := New(nil, nil)
	_, _, err := ctx.Update("nope", Options{})
	assert.True(t, errors.Is(err, ErrInvalidChanges), "string")
	_, _, err = ctx.Update([]interface{}{doc{"a": 1}, 2}, Options{})
	assert.True(t, errors.Is(err, ErrInvalidChanges), "element")
	assert.Nil(t, ctx.Get("a"), "nothing applied")
}

func TestInvokeRoundTrip(t *testing.T) {
	pa, pb := &fakePeer{}, &fakePeer{}
	a, b := New(pa, nil), New(pb, nil)

	greet := Func(func(args []interface{}, reply Reply) {
		reply(append([]interface{}{"hello"}, args...)...)
	})
	nested, _, err := a.Update(doc{"api": doc{"greet": greet}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, doc{"api": doc{"greet": FuncSentinel}}, nested, "functions are sent as sentinel")
	assert.Equal(t, doc{"api": doc{"greet": FuncSentinel}}, a.Snapshot())

	// b applies the update as received
	_, changes, err := b.Update(pa.last(t).args[0], Options{NoSync: true})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	r, ok := b.Get("api", "greet").(*Remote)
	require.True(t, ok, "remote stub")
	assert.Equal(t, []string{"api", "greet"}, r.Path)
	assert.Equal(t, doc{}, b.Snapshot()["api"], "remote stubs are not sent back")

	// receiving the same function again is not a change
	_, changes, err = b.Update(pa.last(t).args[0], Options{NoSync: true})
	require.NoError(t, err)
	assert.Empty(t, changes)

	// calling the stub sends an invoke with the path and the arguments
	require.NoError(t, b.Call([]string{"api", "greet"}, "bob", 2))
	assert.Equal(t, sentEvent{message.InvokeEvent, []interface{}{[]interface{}{"api", "greet"}, "bob", 2}}, pb.last(t))

	// a executes the function and replies to the token
	tok := message.AckPrefix + "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	a.Invoke([]interface{}{[]interface{}{"api", "greet"}, "bob", 2.0, tok})
	assert.Equal(t, sentEvent{tok, []interface{}{"hello", "bob", 2.0}}, pa.last(t))

	// local call of a local function
	got := make(chan []interface{}, 1)
	require.NoError(t, a.Call([]string{"api", "greet"}, "me", connection.ReplyHandler(func(args []interface{}, err error) {
		got <- args
	})))
	assert.Equal(t, []interface{}{"hello", "me"}, <-got)

	assert.True(t, errors.Is(a.Call([]string{"api", "nope"}), ErrNotCallable))
}

func TestInvokeNotFound(t *testing.T) {
	peer := &fakePeer{}
	ctx := New(peer, doc{"notfunc": 1})
	ctx.LogFunc = connection.DiscardLog
	ctx.Vars = new(expvar.Map).Init()

	tok := message.AckPrefix + "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	ctx.Invoke([]interface{}{[]interface{}{"missing"}, tok})
	ctx.Invoke([]interface{}{[]interface{}{"notfunc"}, tok})
	ctx.Invoke([]interface{}{42})
	ctx.Invoke(nil)

	assert.Empty(t, peer.events(), "dropped without reply")
	assert.Equal(t, "4", ctx.Vars.Get("InvokeNotFound").String())
}

func TestEqual(t *testing.T) {
	now := time.Now()
	fn := Func(func([]interface{}, Reply) {})
	fn2 := Func(func([]interface{}, Reply) {})
	stored := &callable{fn: fn}

	cases := []struct {
		a, b interface{}
		want bool
	}{
		{nil, nil, true},
		{nil, 0, false},
		{1, 1.0, true},
		{int32(3), uint8(3), true},
		{1, "1", false},
		{"a", "a", true},
		{true, true, true},
		{true, 1, false},
		{now, now.UTC(), true},
		{now, now.Add(time.Second), false},
		{regexp.MustCompile("a"), regexp.MustCompile("a"), true},
		{regexp.MustCompile("a"), regexp.MustCompile("b"), false},
		{[]interface{}{1, "a"}, []interface{}{1.0, "a"}, true},
		{[]interface{}{1}, []interface{}{1, 2}, false},
		{doc{"a": 1}, doc{"a": 1.0}, true},
		{doc{"a": 1}, doc{"b": 1}, false},
		{doc{}, []interface{}{}, false},
		{fn, fn, false},
		{fn, fn2, false},
		{stored, stored, true},
		{stored, &callable{fn: fn}, false},
		{fn, stored, false},
		{[]string{"a", "b"}, []interface{}{"a", "b"}, true},
		{[]int{1}, []interface{}{1.0}, true},
		{[]string{"a"}, "a", false},
		{&Remote{Path: []string{"a"}}, &Remote{Path: []string{"a"}}, true},
		{&Remote{Path: []string{"a"}}, FuncSentinel, true},
		{&Remote{Path: []string{"a"}}, &Remote{Path: []string{"b"}}, false},
	}
	for i, c := range cases {
		assert.Equal(t, c.want, Equal(c.a, c.b), "%d: %v == %v", i, c.a, c.b)
	}
}
