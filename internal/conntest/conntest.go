// Package conntest provides helpers shared by the tests of the
// connection packages.
package conntest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// DebugLog is a LogFunc target that logs to the test's log and records
// the number of calls.
type DebugLog struct {
	T *testing.T

	mu    sync.Mutex
	calls int
}

// Printf logs the formatted message to the test's log.
func (d *DebugLog) Printf(f string, args ...interface{}) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	d.T.Logf(f, args...)
}

// Calls returns the number of calls to Printf.
func (d *DebugLog) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Recv waits up to timeout for a value on ch and fails the test if none
// is received.
func Recv(t *testing.T, ch <-chan []interface{}, timeout time.Duration, msg string) []interface{} {
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		assert.Fail(t, "timed out: "+msg)
		return nil
	}
}

// NoRecv fails the test if a value is received on ch within wait.
func NoRecv(t *testing.T, ch <-chan []interface{}, wait time.Duration, msg string) {
	select {
	case v := <-ch:
		assert.Fail(t, "unexpected receive: "+msg, "%v", v)
	case <-time.After(wait):
	}
}
