package call

import (
	"time"

	"github.com/goopkit/huddle/internal/store"
)

// Outcome labels written to chat history when a call ends.
const (
	LabelOutgoing  = "Outgoing call"
	LabelIncoming  = "Incoming call"
	LabelCancelled = "Cancelled call"
	LabelMissed    = "Missed call"
	LabelDeclined  = "Declined call"
)

// outcomeLabels computes the per-recipient history label for every party on
// the call roster.
//
// A call that connected (duration > 0) reads as "Outgoing call" for the
// initiator and "Incoming call" for everyone else, regardless of who hung up.
// A call that never connected depends on who gave up: the initiator walking
// away is a "Cancelled call" on their side and a "Missed call" for the
// others, while a callee rejecting it is a "Declined call" for everyone.
func outcomeLabels(rec *store.CallRecord, endedBy string, duration time.Duration) map[string]string {
	labels := make(map[string]string, len(rec.ParticipantDetails))
	for uid := range rec.ParticipantDetails {
		labels[uid] = outcomeLabel(uid, rec.InitiatorUID, endedBy, duration)
	}
	// The roster is seeded from chat membership at call creation, but make
	// sure the two principals are always labelled even on a sparse record.
	if _, ok := labels[rec.InitiatorUID]; !ok {
		labels[rec.InitiatorUID] = outcomeLabel(rec.InitiatorUID, rec.InitiatorUID, endedBy, duration)
	}
	if endedBy != "" {
		if _, ok := labels[endedBy]; !ok {
			labels[endedBy] = outcomeLabel(endedBy, rec.InitiatorUID, endedBy, duration)
		}
	}
	return labels
}

func outcomeLabel(uid, initiator, endedBy string, duration time.Duration) string {
	if duration > 0 {
		if uid == initiator {
			return LabelOutgoing
		}
		return LabelIncoming
	}
	if endedBy == initiator {
		if uid == initiator {
			return LabelCancelled
		}
		return LabelMissed
	}
	return LabelDeclined
}
