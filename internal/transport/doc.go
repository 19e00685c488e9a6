// ABOUTME: Package documentation for the transport boundary.
// ABOUTME: Room-capable pub/sub over WebSocket with an in-process room table.

// Package transport realizes the transport boundary the coordination engine
// depends on: a bidirectional, room-capable publish/subscribe layer. The Hub
// keeps the room table and per-connection send queues in process; WSServer
// bridges WebSocket clients onto the hub.
//
// The coordination components only see the Broadcaster interface, so any
// transport offering join/leave/broadcast semantics is substitutable.
package transport
