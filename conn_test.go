package connection

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"sync"
	"testing"
	"time"

	"github.com/dvv/connection/internal/wstest"
	"github.com/dvv/connection/internal/wswriter"
	"github.com/dvv/connection/message"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelegatedMethods(t *testing.T) {
	done := make(chan bool, 1)
	srv := wstest.StartRecordingServer(t, done, ioutil.Discard)
	defer srv.Close()

	wsc := wstest.Dial(t, srv.URL)
	defer wsc.Close()

	c := NewConn(wsc, nil)
	defer c.Close(nil)

	addr1, addr2 := wsc.LocalAddr(), c.LocalAddr()
	assert.Equal(t, addr1, addr2, "LocalAddr")
	addr1, addr2 = wsc.RemoteAddr(), c.RemoteAddr()
	assert.Equal(t, addr1, addr2, "RemoteAddr")
	assert.Equal(t, wsc, c.UnderlyingConn(), "UnderlyingConn")
	assert.Equal(t, wstest.Subprotocol, c.Subprotocol(), "Subprotocol")
	assert.Nil(t, c.Manager(), "Manager")
}

func TestExclusiveWriter(t *testing.T) {
	var buf bytes.Buffer
	done := make(chan bool, 1)
	srv := wstest.StartRecordingServer(t, done, &buf)
	defer srv.Close()

	wsc := wstest.Dial(t, srv.URL)
	defer wsc.Close()

	c := NewConn(wsc, nil)
	w := c.Writer(100 * time.Millisecond)

	_, err := fmt.Fprint(w, "a") // acquires the lock
	assert.NoError(t, err, "write a")

	wg := sync.WaitGroup{}
	wg.Add(2)

	syncReady, syncE := make(chan struct{}, 2), make(chan struct{})
	go func() { // start c-d writer
		defer wg.Done()

		w := c.Writer(100 * time.Millisecond)
		syncReady <- struct{}{} // ready to go

		// acquire lock, will be done after write b
		_, err := fmt.Fprint(w, "c")
		assert.NoError(t, err, "write c")

		// sync with E
		syncE <- struct{}{}
		time.Sleep(20 * time.Millisecond)
		_, err = fmt.Fprint(w, "d")
		assert.NoError(t, err, "write d")

		// release lock
		require.NoError(t, w.Close(), "close cd")
	}()

	go func() { // start e writer
		defer wg.Done()

		w := c.Writer(10 * time.Millisecond)
		syncReady <- struct{}{}

		// acquire lock should fail
		<-syncE
		_, err := fmt.Fprint(w, "e")
		if assert.Error(t, err, "write e") {
			assert.Equal(t, wswriter.ErrWriteLockTimeout, err, "write e exceeded")
		}
		require.NoError(t, w.Close(), "close e")
	}()

	<-syncReady
	<-syncReady

	_, err = fmt.Fprint(w, "b")
	assert.NoError(t, err, "write b")
	require.NoError(t, w.Close(), "close ab") // release lock

	wg.Wait()
	wsc.Close()
	<-done
	assert.Equal(t, "abcd", buf.String(), "writes are as expected")
}

func TestConnClose(t *testing.T) {
	conn := NewConn(&websocket.Conn{}, nil)

	kill := conn.CloseNotify()
	select {
	case <-kill:
		assert.Fail(t, "close channel should block until call to Close")
	default:
	}

	conn.Close(errors.New("a"))
	select {
	case <-kill:
	default:
		assert.Fail(t, "close channel should be unblocked after call to Close")
	}

	conn.Close(errors.New("b"))
	select {
	case <-kill:
	default:
		assert.Fail(t, "close channel should still be unblocked after subsequent call to Close")
	}

	assert.Equal(t, errors.New("a"), conn.CloseErr, "got expected close error")
	assert.Equal(t, ErrConnClosed, conn.Send("x"), "Send after Close")
	assert.Equal(t, ErrConnClosed, conn.Ack(message.AckPrefix+"x"), "Ack after Close")
	assert.False(t, conn.Deliver("x"), "Deliver after Close")
}

func TestConnPendingAbandonedOnClose(t *testing.T) {
	done := make(chan bool, 1)
	srv := wstest.StartRecordingServer(t, done, ioutil.Discard)
	defer srv.Close()

	wsc := wstest.Dial(t, srv.URL)
	defer wsc.Close()

	c := NewConn(wsc, &Config{LogFunc: DiscardLog})
	go c.Serve()

	called := make(chan error, 1)
	require.NoError(t, c.Expire(50*time.Millisecond).Send("x", ReplyHandler(func(_ []interface{}, err error) {
		called <- err
	})), "Send")

	c.Close(nil)
	select {
	case err := <-called:
		assert.Fail(t, "handler called after close", "%v", err)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestConnAckNotToken(t *testing.T) {
	var buf bytes.Buffer
	done := make(chan bool, 1)
	srv := wstest.StartRecordingServer(t, done, &buf)
	defer srv.Close()

	wsc := wstest.Dial(t, srv.URL)

	c := NewConn(wsc, nil)
	assert.NoError(t, c.Ack(nil, "a"), "nil token")
	assert.NoError(t, c.Ack("not-a-token", "a"), "string token")
	assert.NoError(t, c.Ack(message.AckPrefix+"01ARZ3NDEKTSV4RRFFQ69G5FAV", "a"), "ack token")

	wsc.Close()
	<-done
	assert.Equal(t, `["/_svc_/01ARZ3NDEKTSV4RRFFQ69G5FAV","a"]`+"\n", buf.String(), "only the ack is sent")
}

func TestConnDispatch(t *testing.T) {
	done := make(chan bool, 1)
	srv := wstest.StartRecordingServer(t, done, ioutil.Discard)
	defer srv.Close()

	wsc := wstest.Dial(t, srv.URL)
	defer wsc.Close()

	c := NewConn(wsc, &Config{LogFunc: DiscardLog})

	var mu sync.Mutex
	var calls []string
	record := func(s string) Listener {
		return func(_ *Conn, args []interface{}) {
			mu.Lock()
			calls = append(calls, fmt.Sprint(s, args))
			mu.Unlock()
		}
	}
	c.On("ev", record("on1"))
	remove := c.On("ev", record("on2"))
	c.Once("ev", record("once"))
	go c.Serve()
	defer c.Close(nil)

	synced := make(chan struct{})
	c.On("sync", func(*Conn, []interface{}) { synced <- struct{}{} })

	require.True(t, c.Deliver("ev", 1))
	remove()
	require.True(t, c.Deliver("ev", 2))
	require.True(t, c.Deliver("sync"))

	select {
	case <-synced:
	case <-time.After(time.Second):
		require.Fail(t, "no sync event")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"on1[1]", "on2[1]", "once[1]", "on1[2]"}, calls)
}

func TestConnPanicCloses(t *testing.T) {
	conn := NewConn(&websocket.Conn{}, &Config{LogFunc: DiscardLog})
	conn.On("boom", func(*Conn, []interface{}) { panic("boom") })
	go conn.process()

	require.True(t, conn.Deliver("boom"))
	select {
	case <-conn.CloseNotify():
	case <-time.After(time.Second):
		require.Fail(t, "connection not closed")
	}
	assert.EqualError(t, conn.CloseErr, "boom")
}

func TestConnDeliverQueueFull(t *testing.T) {
	conn := NewConn(&websocket.Conn{}, &Config{QueueSize: 1})
	defer conn.Close(nil)

	assert.True(t, conn.Deliver("a"), "first")
	assert.False(t, conn.Deliver("b"), "queue full")
}
