// Package protocol defines the wire format spoken between editor clients and
// the relay.
//
// Inbound frames are JSON objects of the form:
//
//	{"action": "sub" | "unsub" | "message", "data": {...}}
//
// A subscribe frame carries the room, the user, the window id and the auth
// token:
//
//	{"action": "sub", "data": {"room": "superposter-edit-42",
//	  "user": {"username": "ana"}, "windowId": "w1", "authToken": "t0k"}}
//
// A message frame carries an element event nested one level deeper:
//
//	{"action": "message", "data": {"data": {"type": "lock:element", "elKey": "title"}}}
//
// Outbound presence events use the same envelope:
//
//	{"action": "message", "data": {"type": "userjoin", "user": {...}}}
//
// Older clients send snake_case keys (window_id, auth_token, el_key) and
// "superposter:" prefixed element types. Both spellings are accepted.
package protocol
