// Package session holds the per-connection state of the relay.
//
// Every open transport connection owns exactly one Session. A Session moves
// through four states:
//
//	Unsubscribed -> AuthPending -> Subscribed -> Closed
//
// AuthPending falls back to Unsubscribed when the token is rejected or the
// authority cannot be reached, and Subscribed falls back to Unsubscribed on an
// explicit unsubscribe. Closed is terminal.
//
// The room, identity and locked elements of a Session are only meaningful while
// it is Subscribed. Client is the projection of that state shared with peers.
//
// Sessions are not safe for concurrent use; the relay mutates them from a
// single goroutine.
package session
