package lobby

import (
	"time"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/signaling"
)

type PairingStatus int

const (
	StatusMatched PairingStatus = iota
	StatusNegotiating
	StatusConnected
	StatusEnding
)

func (s PairingStatus) String() string {
	switch s {
	case StatusMatched:
		return "matched"
	case StatusNegotiating:
		return "negotiating"
	case StatusConnected:
		return "connected"
	case StatusEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Pairing is the matched relationship between exactly two participants.
// Exactly one side is the initiator; the queue matcher assigns the role
// deterministically (FIFO order, never randomly). Status is guarded by the
// lobby mutex.
type Pairing struct {
	Initiator ParticipantID
	Responder ParticipantID
	CreatedAt time.Time

	status PairingStatus
}

func (p *Pairing) Has(id ParticipantID) bool {
	return p.Initiator == id || p.Responder == id
}

// Other returns the partner of id. Callers must know id is a member.
func (p *Pairing) Other(id ParticipantID) ParticipantID {
	if id == p.Initiator {
		return p.Responder
	}
	return p.Initiator
}

// createPairingLocked pairs a and b atomically, with a as initiator. Both
// sides receive match-found carrying the partner id and their own role.
func (l *Lobby) createPairingLocked(a, b ParticipantID) {
	p := &Pairing{
		Initiator: a,
		Responder: b,
		CreatedAt: l.now(),
		status:    StatusMatched,
	}
	l.pairings[a] = p
	l.pairings[b] = p
	l.metrics.IncMatches()

	if peer, ok := l.peers[a]; ok {
		peer.Send(signaling.MatchFound(string(b), true))
	}
	if peer, ok := l.peers[b]; ok {
		peer.Send(signaling.MatchFound(string(a), false))
	}

	l.log.Info("pairing created",
		"initiator", a,
		"responder", b,
	)
}

// dissolveLocked marks the pairing ending and removes both sides. Once a
// pairing is ending no further signaling message for it is relayed.
func (l *Lobby) dissolveLocked(p *Pairing) {
	p.status = StatusEnding
	delete(l.pairings, p.Initiator)
	delete(l.pairings, p.Responder)
}

// Skip dissolves the caller's pairing. The partner is notified
// (partner-skipped, then return-to-queue) and re-enqueued at the front; the
// skipper is re-enqueued at the back and told to return to the queue. A skip
// without an active pairing is a no-op.
func (l *Lobby) Skip(id ParticipantID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.pairings[id]
	if p == nil {
		return
	}
	partner := p.Other(id)
	l.dissolveLocked(p)

	if peer, ok := l.peers[partner]; ok {
		peer.Send(signaling.Message{Type: signaling.TypePartnerSkipped})
		peer.Send(signaling.Message{Type: signaling.TypeReturnToQueue})
		l.enqueueFrontLocked(partner)
	}
	if peer, ok := l.peers[id]; ok {
		peer.Send(signaling.Message{Type: signaling.TypeReturnToQueue})
		l.enqueueBackLocked(id)
	}

	l.tryMatchLocked()
	l.updateGaugesLocked()

	l.log.Info("pairing skipped", "by", id, "partner", partner)
}

// EndCall dissolves the caller's pairing without requeueing either side.
// Both participants receive call-ended; rejoining the queue is an explicit
// client decision afterwards.
func (l *Lobby) EndCall(id ParticipantID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.pairings[id]
	if p == nil {
		return
	}
	partner := p.Other(id)
	l.dissolveLocked(p)

	if peer, ok := l.peers[partner]; ok {
		peer.Send(signaling.Message{Type: signaling.TypeCallEnded})
	}
	if peer, ok := l.peers[id]; ok {
		peer.Send(signaling.Message{Type: signaling.TypeCallEnded})
	}

	l.updateGaugesLocked()

	l.log.Info("call ended", "by", id, "partner", partner)
}
