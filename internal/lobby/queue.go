package lobby

// Enqueue adds a participant to the back of the waiting list and runs the
// matcher. Enqueueing is idempotent; a participant that is not live, already
// waiting, or already paired is left alone.
func (l *Lobby) Enqueue(id ParticipantID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, live := l.peers[id]; !live {
		return
	}
	if l.queued[id] || l.pairings[id] != nil {
		return
	}

	l.enqueueBackLocked(id)
	l.tryMatchLocked()
	l.updateGaugesLocked()
}

// Dequeue removes a participant from the waiting list (explicit leave).
// Leaving before a match is a plain removal; leaving after a match does not
// touch the queue, only Skip/EndCall/Unregister affect the pairing.
func (l *Lobby) Dequeue(id ParticipantID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removeFromQueueLocked(id)
	l.updateGaugesLocked()
}

func (l *Lobby) enqueueBackLocked(id ParticipantID) {
	if l.queued[id] {
		return
	}
	l.waiting = append(l.waiting, id)
	l.queued[id] = true
}

// enqueueFrontLocked is priority re-insertion: a participant whose match went
// stale (or whose partner vanished) goes to the front so it is matched again
// with minimal delay.
func (l *Lobby) enqueueFrontLocked(id ParticipantID) {
	if l.queued[id] {
		return
	}
	l.waiting = append([]ParticipantID{id}, l.waiting...)
	l.queued[id] = true
}

func (l *Lobby) removeFromQueueLocked(id ParticipantID) {
	if !l.queued[id] {
		return
	}
	delete(l.queued, id)
	for i, w := range l.waiting {
		if w == id {
			l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
			return
		}
	}
}

// tryMatchLocked pairs the two oldest live entries while at least two remain.
// The entry popped first becomes the initiator (FIFO order decides the role).
// If one popped side went stale between enqueue and match, the still-live
// side is re-inserted at the front and matching repeats.
func (l *Lobby) tryMatchLocked() {
	for len(l.waiting) >= 2 {
		a := l.waiting[0]
		b := l.waiting[1]
		l.waiting = l.waiting[2:]
		delete(l.queued, a)
		delete(l.queued, b)

		_, aLive := l.peers[a]
		_, bLive := l.peers[b]
		switch {
		case aLive && bLive:
			l.createPairingLocked(a, b)
		case aLive:
			l.enqueueFrontLocked(a)
		case bLive:
			l.enqueueFrontLocked(b)
		}
	}
}
