// Package gateway supervises client websocket connections.
//
// Authentication happens before the upgrade: a configured shared-secret
// token must arrive via the token query parameter or a bearer Authorization
// header, and a mismatch is answered with a plain 401. Accepted connections
// are registered for heartbeat monitoring and fed frame by frame through
// per-connection admission control (message size, rate window) into the
// protocol dispatcher. Rejected frames produce a sequenced error event and
// leave the connection open.
//
// On shutdown the gateway stops heartbeats, closes all connections with a
// going-away status, and gives in-flight handlers the configured drain
// timeout before forcing the listener closed.
package gateway
