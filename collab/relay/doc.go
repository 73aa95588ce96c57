// Package relay runs the collaborative editing protocol.
//
// A Relay owns every Session and the room Registry and mutates them from a
// single goroutine, Run. Transport goroutines hand it connection events with
// Connect, Receive and Disconnect; these are processed strictly in the order
// they were enqueued, so frames from one connection are always handled in
// arrival order.
//
// Token checks are the only slow step. Each subscribe starts its own goroutine
// that asks the auth.Gate and posts the answer back to Run. Other connections
// keep being served in the meantime. When the answer arrives the session is
// looked at again: if it was closed, unsubscribed or resubscribed while the
// check was running, the answer is dropped.
//
// Every event is delivered to all members of the room, including the member
// that caused it.
//
// Usage:
//
//	r := relay.New(relay.Options{Gate: auth.NewHTTPGate(url, 5*time.Second)})
//	go r.Run(ctx)
//
//	r.Connect(conn)
//	r.Receive(conn, frame)
//	r.Disconnect(conn)
package relay
