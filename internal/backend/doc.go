// Package backend provides the streaming inference collaborator interface
// and an OpenAI-compatible chat-completions implementation.
//
// The gateway treats the backend as an opaque service: given an ordered
// list of role/content turns and a model identifier it yields a lazy
// sequence of incremental chunks, each optionally carrying a content delta
// and cumulative token counts. The sequence ends naturally on completion
// and may fail at any point; failures surface as a terminal chunk with Err
// set rather than through a second return channel, mirroring the stream
// close semantics the rest of the gateway relies on.
package backend
