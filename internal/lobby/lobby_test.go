package lobby

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/metrics"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/signaling"
)

type fakePeer struct {
	id   ParticipantID
	full bool

	mu   sync.Mutex
	msgs []signaling.Message
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: ParticipantID(id)}
}

func (p *fakePeer) ID() ParticipantID { return p.id }

func (p *fakePeer) Send(msg signaling.Message) bool {
	if p.full {
		return false
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return true
}

func (p *fakePeer) received(t signaling.MessageType) []signaling.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []signaling.Message
	for _, m := range p.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePeer) types() []signaling.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]signaling.MessageType, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Type)
	}
	return out
}

func newTestLobby() *Lobby {
	return New(slog.Default(), metrics.New())
}

func registerPeers(l *Lobby, ids ...string) []*fakePeer {
	peers := make([]*fakePeer, 0, len(ids))
	for _, id := range ids {
		p := newFakePeer(id)
		l.Register(p)
		peers = append(peers, p)
	}
	return peers
}

func TestMatchingIsFIFO(t *testing.T) {
	l := newTestLobby()
	peers := registerPeers(l, "a", "b", "c")
	a, b, c := peers[0], peers[1], peers[2]

	l.Enqueue(a.id)
	l.Enqueue(b.id)
	l.Enqueue(c.id)

	aMatch := a.received(signaling.TypeMatchFound)
	bMatch := b.received(signaling.TypeMatchFound)
	if len(aMatch) != 1 || len(bMatch) != 1 {
		t.Fatalf("match-found: a=%d b=%d, want 1 each", len(aMatch), len(bMatch))
	}
	if got := c.received(signaling.TypeMatchFound); len(got) != 0 {
		t.Fatalf("c received match-found, want none")
	}

	if aMatch[0].PartnerID != "b" || bMatch[0].PartnerID != "a" {
		t.Fatalf("partner ids: a->%q b->%q", aMatch[0].PartnerID, bMatch[0].PartnerID)
	}
	if aMatch[0].IsInitiator == nil || !*aMatch[0].IsInitiator {
		t.Fatalf("a (enqueued first) must be initiator")
	}
	if bMatch[0].IsInitiator == nil || *bMatch[0].IsInitiator {
		t.Fatalf("b must not be initiator")
	}
}

func TestExactlyOnePairingPerParticipant(t *testing.T) {
	l := newTestLobby()
	peers := registerPeers(l, "a", "b", "c")
	a, b, c := peers[0], peers[1], peers[2]

	l.Enqueue(a.id)
	l.Enqueue(b.id)

	// Paired participants cannot re-enter the queue.
	l.Enqueue(a.id)
	l.Enqueue(c.id)

	if got := l.Stats().QueueLength; got != 1 {
		t.Fatalf("queue length=%d, want 1 (only c)", got)
	}
	pa, ok := l.PairingOf(a.id)
	if !ok {
		t.Fatalf("a has no pairing")
	}
	pb, _ := l.PairingOf(b.id)
	if pa != pb {
		t.Fatalf("a and b not in the same pairing")
	}
	if _, ok := l.PairingOf(c.id); ok {
		t.Fatalf("c must not be paired")
	}
}

func TestEnqueueIgnoresUnknownParticipants(t *testing.T) {
	l := newTestLobby()
	l.Enqueue("ghost")
	if got := l.Stats().QueueLength; got != 0 {
		t.Fatalf("queue length=%d, want 0", got)
	}
}

func TestDequeueBeforeMatchIsPlainRemoval(t *testing.T) {
	l := newTestLobby()
	peers := registerPeers(l, "a", "b", "c")
	a, b, c := peers[0], peers[1], peers[2]

	l.Enqueue(a.id)
	l.Dequeue(a.id)
	l.Enqueue(b.id)
	l.Enqueue(c.id)

	if got := a.received(signaling.TypeMatchFound); len(got) != 0 {
		t.Fatalf("a left the queue but was matched")
	}
	bMatch := b.received(signaling.TypeMatchFound)
	if len(bMatch) != 1 || bMatch[0].PartnerID != "c" {
		t.Fatalf("pairing should be {b,c}, b got %+v", bMatch)
	}
}

func TestStaleEntryRequeuesLivePartnerAtFront(t *testing.T) {
	l := newTestLobby()
	peers := registerPeers(l, "a", "c")
	a, c := peers[0], peers[1]

	// Simulate the dequeue/confirmation race: b is still in the waiting list
	// but its connection is already gone.
	l.mu.Lock()
	l.waiting = []ParticipantID{"a", "b", "c"}
	l.queued = map[ParticipantID]bool{"a": true, "b": true, "c": true}
	l.tryMatchLocked()
	l.mu.Unlock()

	// a must be re-inserted at the front and matched with c, not dropped
	// behind later arrivals.
	aMatch := a.received(signaling.TypeMatchFound)
	if len(aMatch) != 1 || aMatch[0].PartnerID != "c" {
		t.Fatalf("a should be matched with c, got %+v", aMatch)
	}
	if aMatch[0].IsInitiator == nil || !*aMatch[0].IsInitiator {
		t.Fatalf("a was popped first and must stay initiator")
	}
	if got := c.received(signaling.TypeMatchFound); len(got) != 1 || got[0].PartnerID != "a" {
		t.Fatalf("c should be matched with a, got %+v", got)
	}
}

func TestDisconnectDissolvesPairingAndRequeuesPartner(t *testing.T) {
	l := newTestLobby()
	peers := registerPeers(l, "a", "b", "c")
	a, b, c := peers[0], peers[1], peers[2]

	l.Enqueue(a.id)
	l.Enqueue(b.id)
	l.Enqueue(c.id)

	l.Unregister(a.id)

	if got := b.types(); !containsSequence(got, signaling.TypePartnerDisconnected, signaling.TypeReturnToQueue) {
		t.Fatalf("b should see partner-disconnected then return-to-queue, got %v", got)
	}
	if _, ok := l.PairingOf(b.id); !ok {
		t.Fatalf("b should be re-matched immediately with waiting c")
	}
	bMatch := b.received(signaling.TypeMatchFound)
	if len(bMatch) != 2 || bMatch[1].PartnerID != "c" {
		t.Fatalf("b's second match should be c, got %+v", bMatch)
	}
	if l.IsLive(a.id) {
		t.Fatalf("a should be removed from the registry")
	}
	if got := c.received(signaling.TypeMatchFound); len(got) != 1 || got[0].PartnerID != "b" {
		t.Fatalf("c should be matched with requeued b, got %+v", got)
	}
}

func TestRequeuedPartnerBeatsLaterArrivals(t *testing.T) {
	l := newTestLobby()
	peers := registerPeers(l, "a", "b", "c", "d")
	a, b, c, d := peers[0], peers[1], peers[2], peers[3]

	l.Enqueue(a.id)
	l.Enqueue(b.id) // {a,b} paired
	l.Enqueue(c.id)
	l.Unregister(a.id) // b goes to the FRONT, ahead of c

	bMatch := b.received(signaling.TypeMatchFound)
	if len(bMatch) != 2 || bMatch[1].PartnerID != "c" {
		t.Fatalf("b should be matched with c before anyone newer, got %+v", bMatch)
	}
	if got := d.received(signaling.TypeMatchFound); len(got) != 0 {
		t.Fatalf("d never enqueued and must not be matched")
	}
}

func TestSkipNotifiesAndRequeuesBothSides(t *testing.T) {
	l := newTestLobby()
	peers := registerPeers(l, "a", "b")
	a, b := peers[0], peers[1]

	l.Enqueue(a.id)
	l.Enqueue(b.id)

	l.Skip(a.id)

	if got := b.types(); !containsSequence(got, signaling.TypePartnerSkipped, signaling.TypeReturnToQueue) {
		t.Fatalf("b should see partner-skipped then return-to-queue, got %v", got)
	}
	if got := a.received(signaling.TypeReturnToQueue); len(got) != 1 {
		t.Fatalf("skipper should be returned to the queue too")
	}

	// Both are back in the waiting list; with only two online they may pair
	// again through the ordinary queue, never via a shortcut.
	st := l.Stats()
	if st.QueueLength+2*st.ActivePairings != 2 {
		t.Fatalf("both participants should be queued or re-matched, stats=%+v", st)
	}

	// Skip with no pairing is a no-op.
	l.Skip("nobody")
}

func TestEndCallDoesNotRequeue(t *testing.T) {
	l := newTestLobby()
	peers := registerPeers(l, "a", "b")
	a, b := peers[0], peers[1]

	l.Enqueue(a.id)
	l.Enqueue(b.id)
	l.EndCall(b.id)

	if got := a.received(signaling.TypeCallEnded); len(got) != 1 {
		t.Fatalf("a should see call-ended, got %v", a.types())
	}
	if got := b.received(signaling.TypeCallEnded); len(got) != 1 {
		t.Fatalf("b should see call-ended, got %v", b.types())
	}
	st := l.Stats()
	if st.QueueLength != 0 || st.ActivePairings != 0 {
		t.Fatalf("end-call must not requeue, stats=%+v", st)
	}
}

func TestOnlineCountBroadcast(t *testing.T) {
	l := newTestLobby()
	peers := registerPeers(l, "a", "b")
	a := peers[0]

	counts := a.received(signaling.TypeOnlineCount)
	if len(counts) != 2 {
		t.Fatalf("a should see 2 online-count broadcasts, got %d", len(counts))
	}
	if *counts[0].Count != 1 || *counts[1].Count != 2 {
		t.Fatalf("counts=%d,%d want 1,2", *counts[0].Count, *counts[1].Count)
	}

	l.Unregister("b")
	counts = a.received(signaling.TypeOnlineCount)
	if got := *counts[len(counts)-1].Count; got != 1 {
		t.Fatalf("after disconnect count=%d, want 1", got)
	}
}

func containsSequence(got []signaling.MessageType, want ...signaling.MessageType) bool {
	i := 0
	for _, t := range got {
		if i < len(want) && t == want[i] {
			i++
		}
	}
	return i == len(want)
}
