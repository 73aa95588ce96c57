package relay

import (
	"context"

	"github.com/wricardo/collab-relay/collab/metrics"
	"github.com/wricardo/collab-relay/collab/protocol"
	"github.com/wricardo/collab-relay/collab/session"
)

// dispatch parses a frame and routes it by action. Bad frames are logged and
// dropped; the connection stays open and nothing is sent back.
func (r *Relay) dispatch(ctx context.Context, conn session.Conn, raw []byte) {
	sess, ok := r.sessions[conn.ID()]
	if !ok {
		r.log.WithField("conn", conn.ID()).Warn("Frame from unknown connection")
		return
	}
	if sess.State() == session.Closed {
		return
	}
	sess.Touch()

	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		r.drop(sess, metrics.ReasonMalformed, err, "Received a bad frame")
		return
	}
	r.metrics.Frames.WithLabelValues(frame.Action).Inc()

	switch frame.Action {
	case protocol.ActionSubscribe:
		r.subscribe(ctx, sess, frame)
	case protocol.ActionUnsubscribe:
		r.unsubscribe(sess)
	case protocol.ActionMessage:
		r.message(sess, frame)
	default:
		r.log.WithFields(sessionFields(sess)).WithField("action", frame.Action).Warn("Frame with unknown action")
		r.metrics.Dropped.WithLabelValues(metrics.ReasonUnknownAction).Inc()
	}
}

func (r *Relay) drop(sess *session.Session, reason string, err error, msg string) {
	r.metrics.Dropped.WithLabelValues(reason).Inc()
	entry := r.log.WithFields(sessionFields(sess)).WithField("reason", reason)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}
