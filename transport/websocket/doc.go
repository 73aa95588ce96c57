// Package websocket provides the WebSocket transport for the collaboration relay.
//
// The websocket package implements:
//   - HTTP upgrade with an Origin allow-list
//   - One Client per connection, satisfying session.Conn
//   - Non-blocking sends through a bounded per-connection queue
//   - Ping/pong keepalive and close frames carrying relay close codes
//
// Architecture:
//
// The Hub owns no room state. Every connection gets a read pump and a write
// pump goroutine. The read pump hands each text frame to the relay and
// reports the disconnect when the socket goes away; the write pump drains the
// send queue, sends pings and writes the close frame the relay asked for.
//
// Usage:
//
//	r := relay.New(relay.Options{Gate: gate})
//	go r.Run(ctx)
//
//	hub := websocket.NewHub(r, websocket.Options{SendBuffer: 256})
//	router.Handle("/ws", hub)
//
// Connection Lifecycle:
//
// 1. Client connects to /ws and the relay registers the connection
// 2. Client sends sub, unsub and message frames as text messages
// 3. Relay replies through Send, one text message per frame
// 4. Relay closes with a code (4401, 4500, 1001) or the peer disconnects
// 5. Read pump reports the disconnect and both pumps exit
package websocket
