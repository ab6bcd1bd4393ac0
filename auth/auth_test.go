package auth_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/context"

	"github.com/dvv/connection"
	"github.com/dvv/connection/auth"
	"github.com/dvv/connection/client"
	"github.com/dvv/connection/internal/conntest"
	"github.com/dvv/connection/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc = map[string]interface{}

var resolver = &auth.JWTResolver{Secret: []byte("change-me")}

func startManager(t *testing.T, withContext bool) (<-chan *connection.Conn, string, func()) {
	dbgl := &conntest.DebugLog{T: t}
	m := &connection.Manager{Config: connection.Config{LogFunc: dbgl.Printf}}
	require.NoError(t, m.Use(connection.Registry{}))
	if withContext {
		require.NoError(t, m.Use(&shared.Plugin{Config: shared.Config{
			Mode:  shared.Protected,
			Proto: doc{"_private": true},
		}}))
	}
	require.NoError(t, m.Use(&auth.Plugin{Resolver: auth.Compose(resolver, &auth.StaticAuthorizer{
		Guest: doc{"role": "guest"},
		User:  doc{"role": "user", "admin": doc{"panel": true}},
	})}))

	conns := make(chan *connection.Conn, 1)
	m.OnOpen(func(c *connection.Conn) error {
		conns <- c
		return nil
	})

	upg := &websocket.Upgrader{Subprotocols: connection.Subprotocols}
	srv := httptest.NewServer(connection.Upgrade(upg, m))
	return conns, strings.Replace(srv.URL, "http:", "ws:", 1), srv.Close
}

func dial(t *testing.T, url string) *client.Client {
	cli, err := client.Dial(&websocket.Dialer{Subprotocols: connection.Subprotocols}, url, nil,
		client.SetLogFunc(connection.DiscardLog))
	require.NoError(t, err, "Dial")
	return cli
}

func authenticate(t *testing.T, cli *client.Client, cred string) []interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	args, err := cli.Request(ctx, "auth", cred)
	require.NoError(t, err, "auth request")
	return args
}

func TestPluginRequiresResolver(t *testing.T) {
	m := &connection.Manager{}
	err := m.Use(&auth.Plugin{})
	assert.True(t, errors.Is(err, auth.ErrNoResolver), "no resolver")
	assert.False(t, m.Enabled(auth.PluginName))
}

func TestPluginWithContext(t *testing.T) {
	conns, url, stop := startManager(t, true)
	defer stop()

	cli := dial(t, url)
	defer cli.Close()
	sc := <-conns

	cred, err := resolver.Credential(doc{"uid": "bob"})
	require.NoError(t, err)

	args := authenticate(t, cli, cred)
	assert.Equal(t, []interface{}{nil, doc{"uid": "bob"}}, args, "ack")
	assert.Equal(t, doc{"uid": "bob"}, sc.Session())
	ctx := shared.From(sc)
	assert.Equal(t, "user", ctx.Get("role"))
	assert.Equal(t, true, ctx.Get("admin", "panel"))
	assert.Equal(t, true, ctx.Get("_private"), "private keys survive")

	_, _, err = ctx.Update(doc{"draft": "x"}, shared.Options{NoSync: true})
	require.NoError(t, err)

	// signing out drops the user capabilities
	args = authenticate(t, cli, "")
	assert.Equal(t, []interface{}{nil, nil}, args, "guest ack")
	assert.Nil(t, sc.Session())
	assert.Equal(t, "guest", ctx.Get("role"))
	assert.Nil(t, ctx.Get("admin"))
	assert.Nil(t, ctx.Get("draft"), "keys outside the capability doc are wiped")
	assert.Equal(t, true, ctx.Get("_private"))
}

func TestPluginWithoutContext(t *testing.T) {
	conns, url, stop := startManager(t, false)
	defer stop()

	cli := dial(t, url)
	defer cli.Close()
	sc := <-conns

	args := authenticate(t, cli, "")
	assert.Equal(t, []interface{}{nil, nil}, args)
	assert.Equal(t, doc{"role": "guest"}, auth.Doc(sc))

	cred, err := resolver.Credential(doc{"uid": "bob"})
	require.NoError(t, err)
	authenticate(t, cli, cred)
	assert.Equal(t, "user", auth.Doc(sc)["role"])
}

func TestPluginError(t *testing.T) {
	conns, url, stop := startManager(t, false)
	defer stop()

	cli := dial(t, url)
	defer cli.Close()
	sc := <-conns

	args := authenticate(t, cli, "sid=garbage")
	require.Len(t, args, 1)
	assert.Contains(t, args[0], "auth: invalid session")
	assert.Nil(t, sc.Session())
	assert.Nil(t, auth.Doc(sc))
}

func TestCompose(t *testing.T) {
	fail := errors.New("fail")
	r := auth.Compose(resolver, authorizerFunc(func(interface{}) (map[string]interface{}, error) {
		return nil, fail
	}))
	_, _, err := r.Resolve(auth.Request(""))
	assert.Equal(t, fail, err)

	called := false
	r = auth.ResolverFunc(func(req *http.Request) (interface{}, map[string]interface{}, error) {
		called = true
		assert.Equal(t, "a=b", req.Header.Get("Cookie"))
		return nil, nil, nil
	})
	_, _, err = r.Resolve(auth.Request("a=b"))
	assert.NoError(t, err)
	assert.True(t, called)
}

type authorizerFunc func(interface{}) (map[string]interface{}, error)

func (fn authorizerFunc) Authorize(s interface{}) (map[string]interface{}, error) { return fn(s) }
