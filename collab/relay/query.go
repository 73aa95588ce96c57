package relay

import (
	"context"

	"github.com/wricardo/collab-relay/collab/registry"
	"github.com/wricardo/collab-relay/collab/session"
)

// Stats summarises the relay state.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Members     int `json:"members"`
	PendingAuth int `json:"pending_auth"`
}

// RoomDetail lists the members of one room in join order.
type RoomDetail struct {
	ID      string           `json:"id"`
	Members []session.Client `json:"members"`
}

// query runs fn on the event loop and waits for it to finish.
func (r *Relay) query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	ev := event{kind: eventQuery, query: func() {
		fn()
		close(done)
	}}
	if err := r.enqueue(ctx, ev); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// Rooms lists every room with its member count.
func (r *Relay) Rooms(ctx context.Context) ([]registry.RoomInfo, error) {
	var rooms []registry.RoomInfo
	err := r.query(ctx, func() {
		rooms = r.registry.Rooms()
	})
	return rooms, err
}

// Room returns the members of room id.
func (r *Relay) Room(ctx context.Context, id string) (*RoomDetail, error) {
	var detail *RoomDetail
	err := r.query(ctx, func() {
		if !r.registry.Exists(id) {
			return
		}
		detail = &RoomDetail{ID: id, Members: r.roster(id, nil)}
	})
	if err != nil {
		return nil, err
	}
	if detail == nil {
		return nil, ErrRoomNotFound
	}
	return detail, nil
}

// Stats returns connection and room counters.
func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := r.query(ctx, func() {
		stats.Connections = len(r.sessions)
		for _, info := range r.registry.Rooms() {
			stats.Rooms++
			stats.Members += info.Members
		}
		for _, sess := range r.sessions {
			if sess.State() == session.AuthPending {
				stats.PendingAuth++
			}
		}
	})
	return stats, err
}

// roster returns the Client view of every member of room id except skip.
func (r *Relay) roster(id string, skip *session.Session) []session.Client {
	members := r.registry.Members(id)
	out := make([]session.Client, 0, len(members))
	for _, m := range members {
		if m == skip {
			continue
		}
		if client, ok := m.Client(); ok {
			out = append(out, client)
		}
	}
	return out
}
