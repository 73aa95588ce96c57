package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Actions understood by the relay.
const (
	ActionSubscribe   = "sub"
	ActionUnsubscribe = "unsub"
	ActionMessage     = "message"
)

// Element event types.
const (
	TypeLockElement    = "lock:element"
	TypeReleaseElement = "release:element"

	legacyTypePrefix = "superposter:"
)

// Presence event types.
const (
	TypeUserJoin  = "userjoin"
	TypeUserLeave = "userleave"
)

// Close codes sent when a subscribe attempt fails authentication.
const (
	CloseServerError  = 4500
	CloseInvalidToken = 4401
)

// roomPattern matches the rooms served by the relay: one per edited poster,
// numbered from 1.
var roomPattern = regexp.MustCompile(`^superposter-edit-[1-9]\d*$`)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrMissingAction  = errors.New("frame has no action")
	ErrMissingData    = errors.New("frame has no data")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidRoom    = errors.New("room name not served")
)

// Frame is a parsed inbound frame. Raw keeps the exact bytes that were
// received so message frames can be relayed untouched.
type Frame struct {
	Action string
	Data   map[string]json.RawMessage
	Raw    []byte

	envelope map[string]json.RawMessage
	// dataErr is set when data is present but not an object. Only the
	// actions that read data fail on it.
	dataErr error
}

// ParseFrame decodes a raw text frame into a Frame.
func ParseFrame(raw []byte) (*Frame, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope == nil {
		return nil, ErrMalformedFrame
	}

	action, ok := decodeString(envelope["action"])
	if !ok || action == "" {
		return nil, ErrMissingAction
	}

	rawData, ok := envelope["data"]
	if !ok {
		return nil, ErrMissingData
	}

	frame := &Frame{
		Action:   action,
		Raw:      append([]byte(nil), raw...),
		envelope: envelope,
	}
	if !isNull(rawData) {
		if err := json.Unmarshal(rawData, &frame.Data); err != nil {
			frame.Data = nil
			frame.dataErr = fmt.Errorf("%w: data is not an object", ErrMalformedFrame)
		}
	}

	return frame, nil
}

// User identifies the person behind a subscribe request.
type User struct {
	Username string `json:"username"`
}

// SubscribeRequest is the validated payload of a "sub" frame.
type SubscribeRequest struct {
	Room      string
	User      User
	WindowID  string
	AuthToken string
}

// Subscribe validates the frame as a subscribe request. ErrInvalidRoom is
// returned for well-formed requests targeting a room the relay does not serve.
func (f *Frame) Subscribe() (*SubscribeRequest, error) {
	if f.dataErr != nil {
		return nil, f.dataErr
	}
	room, ok := lookupString(f.Data, "room")
	if !ok {
		return nil, fmt.Errorf("%w: room", ErrMissingField)
	}
	rawUser, ok := lookup(f.Data, "user")
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrMissingField)
	}
	windowID, ok := lookupString(f.Data, "windowId", "window_id")
	if !ok {
		return nil, fmt.Errorf("%w: windowId", ErrMissingField)
	}
	token, ok := lookupString(f.Data, "authToken", "auth_token")
	if !ok {
		return nil, fmt.Errorf("%w: authToken", ErrMissingField)
	}

	if !ValidRoom(room) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}

	var userFields map[string]json.RawMessage
	if err := json.Unmarshal(rawUser, &userFields); err != nil {
		return nil, fmt.Errorf("%w: user is not an object", ErrMalformedFrame)
	}
	username, ok := lookupString(userFields, "username")
	if !ok {
		return nil, fmt.Errorf("%w: user.username", ErrMissingField)
	}

	return &SubscribeRequest{
		Room:      room,
		User:      User{Username: username},
		WindowID:  windowID,
		AuthToken: token,
	}, nil
}

// ElementEvent is the inner payload of a "message" frame.
type ElementEvent struct {
	Type   string
	ElKey  string
	Legacy bool
}

// Element extracts the element event nested in data.data.
func (f *Frame) Element() (*ElementEvent, error) {
	if f.dataErr != nil {
		return nil, f.dataErr
	}
	inner, ok := lookup(f.Data, "data")
	if !ok {
		return nil, fmt.Errorf("%w: data.data", ErrMissingField)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inner, &fields); err != nil {
		return nil, fmt.Errorf("%w: data.data is not an object", ErrMalformedFrame)
	}

	typ, ok := lookupString(fields, "type")
	if !ok {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	key, ok := lookupString(fields, "elKey", "el_key")
	if !ok {
		return nil, fmt.Errorf("%w: elKey", ErrMissingField)
	}

	ev := &ElementEvent{Type: typ, ElKey: key}
	if strings.HasPrefix(typ, legacyTypePrefix) {
		ev.Type = strings.TrimPrefix(typ, legacyTypePrefix)
		ev.Legacy = true
	}
	return ev, nil
}

// Acknowledge returns the original frame with data.users set to roster. All
// other fields of the frame are preserved.
func (f *Frame) Acknowledge(roster any) ([]byte, error) {
	users, err := json.Marshal(roster)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal roster: %w", err)
	}

	data := make(map[string]json.RawMessage, len(f.Data)+1)
	for k, v := range f.Data {
		data[k] = v
	}
	data["users"] = users

	rawData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	envelope := make(map[string]json.RawMessage, len(f.envelope))
	for k, v := range f.envelope {
		envelope[k] = v
	}
	envelope["data"] = rawData

	return json.Marshal(envelope)
}

// Event is an outbound presence event.
type Event struct {
	Action string    `json:"action"`
	Data   EventData `json:"data"`
}

// EventData describes who joined or left.
type EventData struct {
	Type string `json:"type"`
	User any    `json:"user"`
}

// UserJoin encodes the event announcing a new room member.
func UserJoin(user any) ([]byte, error) {
	return json.Marshal(Event{Action: ActionMessage, Data: EventData{Type: TypeUserJoin, User: user}})
}

// UserLeave encodes the event announcing a departed room member.
func UserLeave(user any) ([]byte, error) {
	return json.Marshal(Event{Action: ActionMessage, Data: EventData{Type: TypeUserLeave, User: user}})
}

// ValidRoom reports whether name is a room the relay serves.
func ValidRoom(name string) bool {
	return roomPattern.MatchString(name)
}

func lookup(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func lookupString(m map[string]json.RawMessage, keys ...string) (string, bool) {
	v, ok := lookup(m, keys...)
	if !ok {
		return "", false
	}
	return decodeString(v)
}

// decodeString accepts JSON strings and numbers; client window ids are
// sometimes sent as integers.
func decodeString(v json.RawMessage) (string, bool) {
	if len(v) == 0 || isNull(v) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
