package relay

import (
	"github.com/wricardo/collab-relay/collab/session"
)

// reap closes sessions whose transport is already gone but whose disconnect
// was never processed. It is a backstop; Disconnect is the normal path.
func (r *Relay) reap() {
	var stale []*session.Session
	for _, info := range r.registry.Rooms() {
		for _, sess := range r.registry.Members(info.ID) {
			if sess.State() != session.Closed && sess.Conn().Closed() {
				stale = append(stale, sess)
			}
		}
	}
	for _, sess := range r.sessions {
		if st := sess.State(); st != session.Subscribed && st != session.Closed && sess.Conn().Closed() {
			stale = append(stale, sess)
		}
	}

	for _, sess := range stale {
		r.log.WithFields(sessionFields(sess)).Info("Reaping stale connection")
		r.closeSession(sess)
		r.metrics.Reaped.Inc()
	}
	if pruned := r.registry.Prune(); pruned > 0 {
		r.log.WithField("rooms", pruned).Warn("Pruned empty rooms")
	}
	if len(stale) > 0 {
		r.updateGauges()
	}
}
