// Package wstest provides websocket servers and dialers for tests.
package wstest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Subprotocol is the subprotocol negotiated by the test servers and
// dialers. It matches the first supported version of the connection
// package.
const Subprotocol = "connection.0"

// StartServer starts a websocket server that calls fn for each
// connection. The server URL uses the ws scheme. When fn returns,
// the websocket connection is closed and true is sent on done.
func StartServer(t *testing.T, done chan bool, fn func(*websocket.Conn)) *httptest.Server {
	upgrader := &websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err, "Upgrade")
		defer func() {
			conn.Close()
			done <- true
		}()
		fn(conn)
	}))
	srv.URL = strings.Replace(srv.URL, "http:", "ws:", 1)
	return srv
}

// StartRecordingServer starts a websocket server that writes every
// message it receives to w, until the connection is closed.
func StartRecordingServer(t *testing.T, done chan bool, w io.Writer) *httptest.Server {
	return StartServer(t, done, func(c *websocket.Conn) {
		for {
			_, r, err := c.NextReader()
			if err != nil {
				return
			}
			if _, err := io.Copy(w, r); err != nil {
				return
			}
		}
	})
}

// Dial connects to the websocket server at url with the test
// subprotocol.
func Dial(t *testing.T, url string) *websocket.Conn {
	d := &websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, _, err := d.Dial(url, nil)
	require.NoError(t, err, "Dial")
	return conn
}
