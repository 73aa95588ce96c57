package relay

import (
	"github.com/wricardo/collab-relay/collab/protocol"
	"github.com/wricardo/collab-relay/collab/session"
)

const closeGoingAway = 1001

// unsubscribe handles an explicit unsub frame. It has the same effect on the
// room as a disconnect, but the connection stays open and may subscribe again.
func (r *Relay) unsubscribe(sess *session.Session) {
	if sess.CancelAuth() {
		r.log.WithFields(sessionFields(sess)).Info("Subscription cancelled before authentication completed")
		return
	}
	r.leave(sess)
}

// disconnect tears down the session of a closed connection.
func (r *Relay) disconnect(conn session.Conn) {
	sess, ok := r.sessions[conn.ID()]
	if !ok {
		r.log.WithField("conn", conn.ID()).Debug("Disconnect for unknown connection")
		return
	}
	r.closeSession(sess)
}

// closeSession moves sess to Closed, leaving its room first if it has one.
func (r *Relay) closeSession(sess *session.Session) {
	if sess.State() == session.Closed {
		return
	}
	if sess.CancelAuth() {
		r.log.WithFields(sessionFields(sess)).Debug("Connection closed while authenticating")
	}
	if sess.State() == session.Subscribed {
		r.leave(sess)
	} else {
		r.log.WithFields(sessionFields(sess)).Debug("Connection closed without a room")
	}

	sess.MarkClosed()
	if r.sessions[sess.ID()] == sess {
		delete(r.sessions, sess.ID())
	}
	r.updateGauges()
}

// leave removes a subscribed session from its room, deletes the room when it
// empties and tells the remaining members.
func (r *Relay) leave(sess *session.Session) {
	client, ok := sess.Client()
	if !ok {
		r.log.WithFields(sessionFields(sess)).Error("A user is leaving without a room")
		return
	}
	entry := r.log.WithFields(sessionFields(sess))

	removed := r.registry.Remove(client.Room, sess)
	if _, err := sess.Leave(); err != nil {
		entry.WithError(err).Error("Failed to leave room")
	}
	r.updateGauges()

	if !removed {
		entry.Error("The user already left the room")
		return
	}
	entry.WithField("remaining", r.registry.MemberCount(client.Room)).Info("User left room")

	payload, err := protocol.UserLeave(client)
	if err != nil {
		entry.WithError(err).Error("Failed to encode userleave event")
		return
	}
	r.broadcast(client.Room, payload, protocol.TypeUserLeave)
}
