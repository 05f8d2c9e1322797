// Package session holds the in-memory session registry.
//
// A session pairs one generation engine with a capped display log of
// exchanged messages. The display log is what chat.history returns and is
// deliberately distinct from the engine's turn history: a failed run rolls
// its user turn back inside the engine, but the display log keeps it so
// clients can see what was asked.
//
// The registry owns every session and its engine. Sessions are created
// lazily on first reference, never persisted, and dropped wholesale on
// Delete or Clear.
package session
