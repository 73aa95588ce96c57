package relay

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wricardo/collab-relay/collab/metrics"
	"github.com/wricardo/collab-relay/collab/protocol"
	"github.com/wricardo/collab-relay/collab/session"
)

// subscribe validates a sub frame and starts the token check. The session is
// only added to the room once the gate answers, in resolveAuth.
func (r *Relay) subscribe(ctx context.Context, sess *session.Session, frame *protocol.Frame) {
	req, err := frame.Subscribe()
	if errors.Is(err, protocol.ErrInvalidRoom) {
		r.metrics.Dropped.WithLabelValues(metrics.ReasonRoomIgnored).Inc()
		r.log.WithFields(sessionFields(sess)).WithError(err).Debug("Ignoring subscription to a room we do not serve")
		return
	}
	if err != nil {
		r.drop(sess, metrics.ReasonInvalidSub, err, "Invalid subscription message")
		return
	}

	pending, err := sess.BeginAuth(req, frame)
	if err != nil {
		r.drop(sess, metrics.ReasonDoubleSub, err, "User is trying to subscribe more than once")
		return
	}

	r.log.WithFields(sessionFields(sess)).WithFields(logrus.Fields{
		"room":    req.Room,
		"user":    req.User.Username,
		"attempt": pending.Attempt,
	}).Debug("Verifying token")

	r.authWG.Add(1)
	go r.authenticate(ctx, sess, pending.Attempt, req.AuthToken)
}

// authenticate runs outside the event loop. It must not touch sess beyond
// handing it back in the result.
func (r *Relay) authenticate(ctx context.Context, sess *session.Session, attempt uint64, token string) {
	defer r.authWG.Done()

	authCtx, cancel := context.WithTimeout(ctx, r.authTimeout)
	defer cancel()

	start := time.Now()
	validated, err := r.gate.Verify(authCtx, token)
	res := authResult{
		session:   sess,
		attempt:   attempt,
		validated: validated,
		err:       err,
		elapsed:   time.Since(start),
	}

	select {
	case r.results <- res:
	case <-ctx.Done():
	}
}

// resolveAuth resumes a subscribe once the gate has answered.
func (r *Relay) resolveAuth(res authResult) {
	sess := res.session
	r.metrics.AuthLatency.Observe(res.elapsed.Seconds())

	pending, ok := sess.Pending(res.attempt)
	if !ok {
		r.metrics.AuthResults.WithLabelValues(metrics.AuthStale).Inc()
		r.log.WithFields(sessionFields(sess)).WithField("attempt", res.attempt).Debug("Discarding authentication result for a session that moved on")
		return
	}

	req := pending.Request
	entry := r.log.WithFields(sessionFields(sess)).WithFields(logrus.Fields{
		"room":    req.Room,
		"user":    req.User.Username,
		"elapsed": res.elapsed,
	})

	if res.err != nil {
		r.metrics.AuthResults.WithLabelValues(metrics.AuthError).Inc()
		entry.WithError(res.err).Error("Authentication request failed")
		r.refuse(sess, res.attempt, protocol.CloseServerError, "server error")
		return
	}
	if !res.validated {
		r.metrics.AuthResults.WithLabelValues(metrics.AuthRejected).Inc()
		entry.Warn("Invalid authentication token")
		r.refuse(sess, res.attempt, protocol.CloseInvalidToken, "invalid token")
		return
	}

	if r.registry.Contains(req.Room, sess) {
		r.metrics.Dropped.WithLabelValues(metrics.ReasonDoubleSub).Inc()
		entry.Error("User is already a member of the room")
		sess.CancelAuth()
		return
	}

	roster := r.roster(req.Room, sess)
	client, err := sess.Admit(res.attempt)
	if err != nil {
		entry.WithError(err).Error("Failed to admit session")
		return
	}
	r.registry.Add(req.Room, sess)
	r.metrics.AuthResults.WithLabelValues(metrics.AuthAccepted).Inc()
	r.updateGauges()

	entry.WithField("members", r.registry.MemberCount(req.Room)).Info("User joined room")

	ack, err := pending.Frame.Acknowledge(roster)
	if err != nil {
		entry.WithError(err).Error("Failed to encode subscription acknowledgement")
	} else if err := sess.Conn().Send(ack); err != nil {
		r.metrics.SendFailures.Inc()
		entry.WithError(err).Warn("Failed to send subscription acknowledgement")
	}

	join, err := protocol.UserJoin(client)
	if err != nil {
		entry.WithError(err).Error("Failed to encode userjoin event")
		return
	}
	r.broadcast(req.Room, join, protocol.TypeUserJoin)
}

// refuse ends a failed subscribe attempt and closes the connection with code.
func (r *Relay) refuse(sess *session.Session, attempt uint64, code int, reason string) {
	if err := sess.Reject(attempt); err != nil {
		r.log.WithFields(sessionFields(sess)).WithError(err).Debug("Authentication attempt already resolved")
		return
	}
	if err := sess.Conn().Close(code, reason); err != nil {
		r.log.WithFields(sessionFields(sess)).WithError(err).Warn("Failed to close connection")
	}
}
