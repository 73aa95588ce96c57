package relay

import (
	"errors"

	"github.com/wricardo/collab-relay/collab/metrics"
	"github.com/wricardo/collab-relay/collab/protocol"
	"github.com/wricardo/collab-relay/collab/session"
)

// message applies a lock or release to the sender's locked elements and
// relays the untouched frame to the whole room, sender included.
func (r *Relay) message(sess *session.Session, frame *protocol.Frame) {
	if sess.State() != session.Subscribed {
		r.drop(sess, metrics.ReasonNotSubscribed, nil, "Unsubscribed user is trying to send a message")
		return
	}

	ev, err := frame.Element()
	if err != nil {
		r.drop(sess, metrics.ReasonInvalidMsg, err, "Invalid element message")
		return
	}

	entry := r.log.WithFields(sessionFields(sess)).WithField("el_key", ev.ElKey)

	switch ev.Type {
	case protocol.TypeLockElement:
		if err := sess.Lock(ev.ElKey); err != nil {
			if errors.Is(err, session.ErrAlreadyLocked) {
				r.metrics.Dropped.WithLabelValues(metrics.ReasonLockConflict).Inc()
				entry.WithError(err).Warn("Element locked twice")
				return
			}
			r.drop(sess, metrics.ReasonNotSubscribed, err, "Failed to lock element")
			return
		}
		entry.Debug("Element locked")

	case protocol.TypeReleaseElement:
		if err := sess.Release(ev.ElKey); err != nil {
			if errors.Is(err, session.ErrNotLocked) {
				r.metrics.Dropped.WithLabelValues(metrics.ReasonNotLocked).Inc()
				entry.WithError(err).Warn("Release of an element that is not locked")
				return
			}
			r.drop(sess, metrics.ReasonNotSubscribed, err, "Failed to release element")
			return
		}
		entry.Debug("Element released")

	default:
		r.drop(sess, metrics.ReasonUnknownType, nil, "Unknown message type "+ev.Type)
		return
	}

	r.broadcast(sess.Room(), frame.Raw, ev.Type)
}
