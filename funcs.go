package connection

import "github.com/dvv/connection/message"

// Callback is a function passed to the peer inside the arguments of an
// event. It is transmitted as an ack token, and called with the
// arguments of every event the peer sends to that token.
type Callback func(args []interface{})

// Sender sends an event named after the ack token it was decoded from.
// The peer calls its Callback with the arguments. As with Send, a last
// argument of type ReplyHandler receives the reply.
type Sender func(args ...interface{}) error

// EncodeFuncs returns a copy of v in which the functions found in
// objects and arrays, at any depth, are replaced by new ack tokens:
//
//     - a Callback (or func([]interface{})) is called for every event
//       sent to its token, until release is called or the connection
//       closes;
//     - a ReplyHandler (or func([]interface{}, error)) is called once,
//       as for Send, subject to the AckTimeout of the connection.
//
// The result is meant to be passed as argument to Send.
func (c *Conn) EncodeFuncs(v interface{}) (res interface{}, release func()) {
	var toks []string
	c.mu.Lock()
	res = c.encodeFuncsLocked(v, &toks)
	c.mu.Unlock()

	return res, func() {
		for _, tok := range toks {
			c.takePending(tok)
			c.mu.Lock()
			delete(c.callbacks, tok)
			c.mu.Unlock()
		}
	}
}

func (c *Conn) encodeFuncsLocked(v interface{}, toks *[]string) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, vv := range v {
			m[k] = c.encodeFuncsLocked(vv, toks)
		}
		return m

	case []interface{}:
		a := make([]interface{}, len(v))
		for i, vv := range v {
			a[i] = c.encodeFuncsLocked(vv, toks)
		}
		return a

	case Callback:
		return c.addCallbackLocked(v, toks)
	case func([]interface{}):
		return c.addCallbackLocked(v, toks)

	case ReplyHandler:
		return c.addReplyLocked(v, toks)
	case func([]interface{}, error):
		return c.addReplyLocked(v, toks)
	}
	return v
}

func (c *Conn) addCallbackLocked(fn Callback, toks *[]string) string {
	tok := message.NewAckToken()
	*toks = append(*toks, tok)
	if !c.closed {
		if c.callbacks == nil {
			c.callbacks = make(map[string]Callback)
		}
		c.callbacks[tok] = fn
	}
	return tok
}

func (c *Conn) addReplyLocked(fn ReplyHandler, toks *[]string) string {
	tok := message.NewAckToken()
	*toks = append(*toks, tok)
	if !c.closed {
		c.addPendingLocked(tok, fn, 0)
	}
	return tok
}

// DecodeFuncs returns a copy of v in which the ack tokens found in
// objects and arrays, at any depth, are replaced by a Sender to that
// token. It is the counterpart of EncodeFuncs on the receiving side.
func (c *Conn) DecodeFuncs(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, vv := range v {
			m[k] = c.DecodeFuncs(vv)
		}
		return m

	case []interface{}:
		a := make([]interface{}, len(v))
		for i, vv := range v {
			a[i] = c.DecodeFuncs(vv)
		}
		return a

	case string:
		if message.IsAckToken(v) {
			return Sender(func(args ...interface{}) error {
				return c.Send(v, args...)
			})
		}
	}
	return v
}
