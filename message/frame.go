package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Reserved event names.
const (
	// MessageEvent is the event raised for frames that are not event tuples.
	MessageEvent = "message"

	// UpdateEvent carries a nested change document of a shared context.
	UpdateEvent = "update"

	// InvokeEvent calls a function stored in the peer's shared context.
	InvokeEvent = "invoke"

	// AuthEvent attaches a session to the connection.
	AuthEvent = "auth"
)

// ErrInvalidFrame is returned when a frame is an array that does not start
// with an event name.
var ErrInvalidFrame = errors.New("message: invalid frame")

// Event is a decoded frame: an event name and its arguments.
type Event struct {
	Name string
	Args []interface{}

	// Raw is true if the frame was not an event tuple, in which case Name
	// is MessageEvent and Args holds the decoded payload.
	Raw bool
}

// NewEvent returns an event with the provided name and arguments.
func NewEvent(name string, args ...interface{}) *Event {
	return &Event{Name: name, Args: args}
}

// Tuple returns the event as the ordered sequence [name, args...].
func (e *Event) Tuple() []interface{} {
	t := make([]interface{}, 0, len(e.Args)+1)
	t = append(t, e.Name)
	return append(t, e.Args...)
}

// AckToken returns the trailing ack token of the event's arguments, if any.
func (e *Event) AckToken() (string, bool) {
	if len(e.Args) == 0 {
		return "", false
	}
	tok, ok := e.Args[len(e.Args)-1].(string)
	if !ok || !IsAckToken(tok) {
		return "", false
	}
	return tok, true
}

func (e *Event) String() string {
	return fmt.Sprintf("%s(%d args)", e.Name, len(e.Args))
}

// EventFromTuple converts a decoded tuple to an Event. The first element
// must be a non-empty string.
func EventFromTuple(t []interface{}) (*Event, error) {
	if len(t) == 0 {
		return nil, fmt.Errorf("%w: empty tuple", ErrInvalidFrame)
	}
	name, ok := t[0].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: event name is %T", ErrInvalidFrame, t[0])
	}
	return &Event{Name: name, Args: t[1:]}, nil
}

// DecodeFrame reads a single frame from r.
func DecodeFrame(r io.Reader) (*Event, error) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return nil, err
	}

	t, ok := v.([]interface{})
	if !ok {
		return &Event{Name: MessageEvent, Args: []interface{}{v}, Raw: true}, nil
	}
	return EventFromTuple(t)
}

// EncodeFrame writes the tuple [name, args...] to w.
func EncodeFrame(w io.Writer, name string, args ...interface{}) error {
	return json.NewEncoder(w).Encode((&Event{Name: name, Args: args}).Tuple())
}
