// Package session owns one live bus connection to the hub.
//
// Ownership boundary:
// - websocket dial with SID + Basic auth
// - the engine state machine (connect, subscribe, ready, closed)
// - response dispatch into the pending request table and discovery registry
// - peer-driven keepalive replies
// - reconnect backoff primitives used by wrappers above the engine
//
// One Engine serves one connection. All mutable state of the connection is
// owned by the engine's dispatch loop; a second connection needs a second
// Engine with its own registries.
package session
