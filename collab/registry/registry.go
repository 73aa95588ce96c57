// Package registry tracks which sessions are members of which room.
//
// A room exists exactly as long as it has at least one member: it is created
// by the first Add and deleted by the Remove that empties it. The registry is
// owned by the relay's event loop and is not safe for concurrent use.
package registry

import (
	"sort"

	"github.com/wricardo/collab-relay/collab/session"
)

// Registry maps room ids to their member sessions.
type Registry struct {
	rooms map[string]*room
	seq   uint64
}

type room struct {
	members map[*session.Session]uint64
}

// RoomInfo summarises one room.
type RoomInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Ensure creates an empty member set for id if the room does not exist. The
// room is only kept if a member is added before the next Remove or Prune.
func (r *Registry) Ensure(id string) {
	if _, ok := r.rooms[id]; !ok {
		r.rooms[id] = &room{members: make(map[*session.Session]uint64)}
	}
}

// Add puts s in room id, creating the room if needed. It reports false when s
// was already a member.
func (r *Registry) Add(id string, s *session.Session) bool {
	r.Ensure(id)
	rm := r.rooms[id]
	if _, ok := rm.members[s]; ok {
		return false
	}
	r.seq++
	rm.members[s] = r.seq
	return true
}

// Remove takes s out of room id and deletes the room once it is empty. It
// reports whether s was a member.
func (r *Registry) Remove(id string, s *session.Session) bool {
	rm, ok := r.rooms[id]
	if !ok {
		return false
	}
	_, member := rm.members[s]
	delete(rm.members, s)
	if len(rm.members) == 0 {
		delete(r.rooms, id)
	}
	return member
}

// Contains reports whether s is a member of room id.
func (r *Registry) Contains(id string, s *session.Session) bool {
	rm, ok := r.rooms[id]
	if !ok {
		return false
	}
	_, member := rm.members[s]
	return member
}

// Members returns the sessions in room id in join order.
func (r *Registry) Members(id string) []*session.Session {
	rm, ok := r.rooms[id]
	if !ok {
		return nil
	}
	out := make([]*session.Session, 0, len(rm.members))
	for s := range rm.members {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return rm.members[out[i]] < rm.members[out[j]]
	})
	return out
}

// MemberCount returns the number of members in room id.
func (r *Registry) MemberCount(id string) int {
	if rm, ok := r.rooms[id]; ok {
		return len(rm.members)
	}
	return 0
}

// Exists reports whether room id is present.
func (r *Registry) Exists(id string) bool {
	_, ok := r.rooms[id]
	return ok
}

// Rooms lists every room, sorted by id.
func (r *Registry) Rooms() []RoomInfo {
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, rm := range r.rooms {
		out = append(out, RoomInfo{ID: id, Members: len(rm.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of rooms.
func (r *Registry) Len() int {
	return len(r.rooms)
}

// Prune deletes rooms left empty by Ensure and returns how many were removed.
func (r *Registry) Prune() int {
	removed := 0
	for id, rm := range r.rooms {
		if len(rm.members) == 0 {
			delete(r.rooms, id)
			removed++
		}
	}
	return removed
}
