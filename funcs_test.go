package connection

import (
	"bytes"
	"testing"
	"time"

	"github.com/dvv/connection/internal/conntest"
	"github.com/dvv/connection/internal/wstest"
	"github.com/dvv/connection/message"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFuncs(t *testing.T) {
	conn := NewConn(&websocket.Conn{}, &Config{LogFunc: DiscardLog})
	go conn.process()
	defer conn.Close(nil)

	got := make(chan []interface{}, 4)
	replies := make(chan []interface{}, 2)
	v, release := conn.EncodeFuncs(map[string]interface{}{
		"name":     "bob",
		"onChange": Callback(func(args []interface{}) { got <- args }),
		"list": []interface{}{1, func(args []interface{}) {
			got <- append([]interface{}{"list"}, args...)
		}},
		"done": ReplyHandler(func(args []interface{}, err error) {
			assert.NoError(t, err)
			replies <- args
		}),
	})

	m, ok := v.(map[string]interface{})
	require.True(t, ok, "object")
	assert.Equal(t, "bob", m["name"])
	onChange, _ := m["onChange"].(string)
	require.True(t, message.IsAckToken(onChange), "callback token")
	list, _ := m["list"].([]interface{})
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0])
	inList, _ := list[1].(string)
	require.True(t, message.IsAckToken(inList), "nested callback token")
	done, _ := m["done"].(string)
	require.True(t, message.IsAckToken(done), "reply token")

	// callbacks are called for every event sent to their token
	require.True(t, conn.Deliver(onChange, 1.0))
	require.True(t, conn.Deliver(onChange, 2.0))
	require.True(t, conn.Deliver(inList, "x"))
	assert.Equal(t, []interface{}{1.0}, conntest.Recv(t, got, time.Second, "first"))
	assert.Equal(t, []interface{}{2.0}, conntest.Recv(t, got, time.Second, "second"))
	assert.Equal(t, []interface{}{"list", "x"}, conntest.Recv(t, got, time.Second, "nested"))

	// reply handlers are called once
	require.True(t, conn.Deliver(done, "ok"))
	require.True(t, conn.Deliver(done, "again"))
	assert.Equal(t, []interface{}{"ok"}, conntest.Recv(t, replies, time.Second, "reply"))
	conntest.NoRecv(t, replies, 50*time.Millisecond, "reply once")

	release()
	require.True(t, conn.Deliver(onChange, 3.0))
	conntest.NoRecv(t, got, 50*time.Millisecond, "released")
}

func TestEncodeFuncsClosed(t *testing.T) {
	conn := NewConn(&websocket.Conn{}, &Config{LogFunc: DiscardLog})
	conn.Close(nil)

	v, release := conn.EncodeFuncs([]interface{}{Callback(func([]interface{}) {})})
	defer release()
	a, _ := v.([]interface{})
	require.Len(t, a, 1)
	assert.True(t, message.IsAckToken(a[0]), "token still returned")
	assert.Empty(t, conn.callbacks, "not registered")
}

func TestDecodeFuncs(t *testing.T) {
	var buf bytes.Buffer
	done := make(chan bool, 1)
	srv := wstest.StartRecordingServer(t, done, &buf)
	defer srv.Close()

	wsc := wstest.Dial(t, srv.URL)
	c := NewConn(wsc, &Config{LogFunc: DiscardLog})

	tok := message.AckPrefix + "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	v := c.DecodeFuncs(map[string]interface{}{
		"a":    "plain",
		"cb":   tok,
		"list": []interface{}{1.0, tok},
	})

	m, ok := v.(map[string]interface{})
	require.True(t, ok, "object")
	assert.Equal(t, "plain", m["a"])
	send, ok := m["cb"].(Sender)
	require.True(t, ok, "sender")
	list, _ := m["list"].([]interface{})
	require.Len(t, list, 2)
	assert.Equal(t, 1.0, list[0])
	_, ok = list[1].(Sender)
	assert.True(t, ok, "nested sender")

	require.NoError(t, send("x", 1))

	wsc.Close()
	<-done
	assert.Equal(t, `["/_svc_/01ARZ3NDEKTSV4RRFFQ69G5FAV","x",1]`+"\n", buf.String())
}
