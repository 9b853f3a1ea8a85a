package lobby

import (
	"github.com/lloydreamr/co-sleep-app-sub000/internal/metrics"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/signaling"
)

// Relay forwards an offer/answer/ice-candidate from one paired participant
// to the other. The message is passed through verbatim, retagged with the
// sender's id; SDP and candidate contents are never interpreted here.
//
// Invalid messages are dropped, not surfaced to the sender: by the time a
// candidate arrives the target may have legitimately hung up, and that is
// normal churn. Every drop is counted by reason.
func (l *Lobby) Relay(from ParticipantID, msg signaling.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Dissolution removes both map entries, so a message for an ended
	// pairing drops here as not_paired.
	p := l.pairings[from]
	if p == nil {
		l.dropLocked(from, msg, metrics.DropReasonNotPaired)
		return false
	}

	target := ParticipantID(msg.Target)
	if target != p.Other(from) {
		l.dropLocked(from, msg, metrics.DropReasonNotPaired)
		return false
	}

	peer, ok := l.peers[target]
	if !ok {
		l.dropLocked(from, msg, metrics.DropReasonTargetNotLive)
		return false
	}

	if p.status == StatusMatched && (msg.Type == signaling.TypeOffer || msg.Type == signaling.TypeAnswer) {
		p.status = StatusNegotiating
	}

	if !peer.Send(msg.Forwarded(string(from))) {
		l.dropLocked(from, msg, metrics.DropReasonSendBufferFull)
		return false
	}
	return true
}

func (l *Lobby) dropLocked(from ParticipantID, msg signaling.Message, reason string) {
	l.metrics.IncRelayDrop(reason)
	l.log.Debug("dropping signaling message",
		"type", msg.Type,
		"from", from,
		"target", msg.Target,
		"reason", reason,
	)
}
