// Package lobby implements the server-side pairing core: the session
// registry of live participants, the FIFO matchmaking queue, and the
// signaling relay between paired participants.
//
// A single mutex guards the peer map, the waiting list, and the pairing map.
// Every mutation is a critical section, which is what preserves the "at most
// one active pairing per participant" invariant under concurrent
// connect/disconnect events. Nothing here blocks on I/O: outbound delivery
// goes through each peer's non-blocking send buffer.
package lobby

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/metrics"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/signaling"
)

// ParticipantID and Peer are owned by the signaling package so the WebSocket
// server can depend on them without importing the lobby.
type (
	ParticipantID = signaling.ParticipantID
	Peer          = signaling.Peer
)

type Lobby struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	peers    map[ParticipantID]Peer
	waiting  []ParticipantID
	queued   map[ParticipantID]bool
	pairings map[ParticipantID]*Pairing
}

func New(logger *slog.Logger, m *metrics.Metrics) *Lobby {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lobby{
		log:      logger,
		metrics:  m,
		now:      time.Now,
		peers:    make(map[ParticipantID]Peer),
		queued:   make(map[ParticipantID]bool),
		pairings: make(map[ParticipantID]*Pairing),
	}
}

// Register adds a live participant and broadcasts the new online count.
func (l *Lobby) Register(p Peer) {
	l.mu.Lock()
	l.peers[p.ID()] = p
	l.updateGaugesLocked()
	l.broadcastOnlineCountLocked()
	l.mu.Unlock()

	l.log.Info("participant connected", "participant_id", p.ID())
}

// Unregister removes a participant. Any pairing it holds is dissolved: the
// partner is notified (partner-disconnected, then return-to-queue) and
// re-enqueued at the front of the waiting list. Unknown ids are a no-op.
func (l *Lobby) Unregister(id ParticipantID) {
	l.mu.Lock()
	if _, ok := l.peers[id]; !ok {
		l.mu.Unlock()
		return
	}
	delete(l.peers, id)
	l.removeFromQueueLocked(id)

	if p := l.pairings[id]; p != nil {
		partner := p.Other(id)
		l.dissolveLocked(p)
		if peer, ok := l.peers[partner]; ok {
			peer.Send(signaling.Message{Type: signaling.TypePartnerDisconnected})
			peer.Send(signaling.Message{Type: signaling.TypeReturnToQueue})
			l.enqueueFrontLocked(partner)
		}
	}

	l.tryMatchLocked()
	l.updateGaugesLocked()
	l.broadcastOnlineCountLocked()
	l.mu.Unlock()

	l.log.Info("participant disconnected", "participant_id", id)
}

func (l *Lobby) IsLive(id ParticipantID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.peers[id]
	return ok
}

// PairingOf returns the active pairing for id, if any.
func (l *Lobby) PairingOf(id ParticipantID) (*Pairing, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pairings[id]
	return p, ok
}

type Stats struct {
	Online         int `json:"online"`
	QueueLength    int `json:"queueLength"`
	ActivePairings int `json:"activePairings"`
}

func (l *Lobby) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Online:         len(l.peers),
		QueueLength:    len(l.waiting),
		ActivePairings: len(l.pairings) / 2,
	}
}

func (l *Lobby) broadcastOnlineCountLocked() {
	msg := signaling.OnlineCount(len(l.peers))
	for _, peer := range l.peers {
		peer.Send(msg)
	}
}

func (l *Lobby) updateGaugesLocked() {
	l.metrics.SetOnlineParticipants(len(l.peers))
	l.metrics.SetQueueLength(len(l.waiting))
	l.metrics.SetActivePairings(len(l.pairings) / 2)
}
