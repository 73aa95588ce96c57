package relay

import (
	"github.com/wricardo/collab-relay/collab/session"
)

// broadcast queues payload for every current member of room. A member that
// cannot take the frame is logged and skipped; delivery to the others goes on.
func (r *Relay) broadcast(room string, payload []byte, kind string) {
	members := r.registry.Members(room)
	r.deliver(members, payload)
	r.metrics.Broadcasts.WithLabelValues(kind).Inc()
}

func (r *Relay) deliver(members []*session.Session, payload []byte) {
	for _, m := range members {
		if err := m.Conn().Send(payload); err != nil {
			r.metrics.SendFailures.Inc()
			r.log.WithFields(sessionFields(m)).WithError(err).Warn("Failed to deliver frame")
		}
	}
}
