// Package message defines the wire format exchanged by connections and
// by broker processes.
//
// A frame is a JSON array holding an event tuple:
//
//     ["event name", arg0, arg1, ...]
//
// When the last element of a tuple is an ack token (a string starting with
// AckPrefix), the receiver is expected to reply by sending an event named
// after that token. A frame that is not an array is delivered as the single
// argument of the "message" event.
//
// Broadcast envelopes travel between broker processes through a relay and
// are encoded by a Codec, either JSON or msgpack:
//
//     {"r": rule, "d": ["event name", arg0, ...]}
//
// where the optional rule is either a list of connection IDs or a selection
// rule object with "or", "and" and "not" criteria lists.
package message
