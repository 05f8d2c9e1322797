// Package rpc implements the request/response/event protocol spoken over
// each client connection.
//
// Frames are JSON. A client sends {type:"req", id, method, params} and gets
// back exactly one {type:"res", id, ok, payload|error}. The gateway pushes
// {type:"event", event, seq, payload} frames at any time; seq is strictly
// increasing per connection starting at 1, so a client can detect drops.
//
// Every connection starts unconnected. The connect method performs the
// handshake and lazily creates the default session; any other method before
// it fails with not_connected. Unknown methods get a well-formed failed
// response, not a closed connection.
//
// chat.send acknowledges immediately and forks a background run. Output is
// delivered as delta events carrying the accumulated text, then a terminal
// final, error, or aborted event. Delta and final events from a superseded
// run are dropped; error events are delivered even after supersession.
package rpc
