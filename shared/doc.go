// Package shared implements the context shared by the two peers of a
// connection.
//
// A Context is a document tree of plain values (scalars, arrays and
// objects) and callable leaves. It is changed with Update, which deep
// merges change documents into the tree and records the leaves that
// actually changed. The changes are reported to the OnChange listeners
// and sent to the peer as an update event carrying the nested change
// document, so that the peer converges by merging it in turn.
//
// Callable leaves never cross the wire. A Func leaf is sent as the
// FuncSentinel string, and the peer stores a Remote stub at that path:
// calling the stub sends an invoke event with the path and the
// arguments, which the owner of the Func executes. Keys starting with
// an underscore are private: Update never reads nor writes them.
//
// The Plugin attaches a Context to every connection served by a
// connection.Manager, Bind attaches one to a single connection, such as
// a client connection.
package shared
