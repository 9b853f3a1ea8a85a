package negotiation

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/signaling"
)

// Transport is the narrow slice of a peer connection the negotiator drives.
// Implemented by PionTransport; faked in tests.
type Transport interface {
	CreateOffer() (signaling.SDP, error)
	CreateAnswer() (signaling.SDP, error)
	SetLocalDescription(sdp signaling.SDP) error
	SetRemoteDescription(sdp signaling.SDP) error
	AddICECandidate(cand signaling.Candidate) error
	Close() error
}

// Signaler carries local negotiation artifacts to the partner. Satisfied by
// *signaling.Client.
type Signaler interface {
	SendOffer(target string, sdp signaling.SDP) error
	SendAnswer(target string, sdp signaling.SDP) error
	SendIceCandidate(target string, cand signaling.Candidate) error
}

// Negotiator runs one negotiation attempt against one partner. A mutex
// serializes every handler, so events racing in from the signaling read loop
// and the transport's callbacks are applied one at a time.
//
// Remote ICE candidates that arrive before the remote description is set are
// buffered and applied in arrival order right after it is, which is the only
// ordering trickle ICE guarantees to survive.
type Negotiator struct {
	log       *slog.Logger
	partnerID string
	initiator bool

	mu        sync.Mutex
	state     State
	transport Transport
	signaler  Signaler
	remoteSet bool
	pending   []signaling.Candidate
	onState   func(State)
}

type NegotiatorConfig struct {
	PartnerID string
	Initiator bool
	Transport Transport
	Signaler  Signaler
	Logger    *slog.Logger

	// OnState is invoked synchronously on every state transition, while the
	// negotiator's lock is held. It must not call back into the Negotiator;
	// observers typically just forward the state to a buffered channel.
	OnState func(State)
}

func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		log:       logger.With("partner_id", cfg.PartnerID, "initiator", cfg.Initiator),
		partnerID: cfg.PartnerID,
		initiator: cfg.Initiator,
		state:     StateIdle,
		transport: cfg.Transport,
		signaler:  cfg.Signaler,
		onState:   cfg.OnState,
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Start kicks off the attempt. The initiator creates and sends the offer;
// the responder stays idle until HandleOffer.
func (n *Negotiator) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateIdle {
		return fmt.Errorf("start in state %s", n.state)
	}
	if !n.initiator {
		return nil
	}

	n.setStateLocked(StateCreatingOffer)
	offer, err := n.transport.CreateOffer()
	if err != nil {
		return n.failLocked(fmt.Errorf("create offer: %w", err))
	}
	if err := n.transport.SetLocalDescription(offer); err != nil {
		return n.failLocked(fmt.Errorf("set local offer: %w", err))
	}
	if err := n.signaler.SendOffer(n.partnerID, offer); err != nil {
		return n.failLocked(fmt.Errorf("send offer: %w", err))
	}
	n.setStateLocked(StateAwaitingAnswer)
	return nil
}

// HandleOffer applies the partner's offer and replies with an answer.
// Only the responder accepts offers; an offer on the initiator side means
// both peers believe they should start (the server prevents this, so it is
// rejected rather than negotiated around).
func (n *Negotiator) HandleOffer(sdp signaling.SDP) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.initiator {
		return fmt.Errorf("unexpected offer on initiator side")
	}
	if n.state != StateIdle {
		return fmt.Errorf("offer in state %s", n.state)
	}

	n.setStateLocked(StateHandlingOffer)
	if err := n.transport.SetRemoteDescription(sdp); err != nil {
		return n.failLocked(fmt.Errorf("set remote offer: %w", err))
	}
	n.flushPendingLocked()

	answer, err := n.transport.CreateAnswer()
	if err != nil {
		return n.failLocked(fmt.Errorf("create answer: %w", err))
	}
	if err := n.transport.SetLocalDescription(answer); err != nil {
		return n.failLocked(fmt.Errorf("set local answer: %w", err))
	}
	if err := n.signaler.SendAnswer(n.partnerID, answer); err != nil {
		return n.failLocked(fmt.Errorf("send answer: %w", err))
	}
	n.setStateLocked(StateIceChecking)
	return nil
}

// HandleAnswer applies the partner's answer on the initiator side.
func (n *Negotiator) HandleAnswer(sdp signaling.SDP) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initiator {
		return fmt.Errorf("unexpected answer on responder side")
	}
	if n.state != StateAwaitingAnswer {
		return fmt.Errorf("answer in state %s", n.state)
	}

	if err := n.transport.SetRemoteDescription(sdp); err != nil {
		return n.failLocked(fmt.Errorf("set remote answer: %w", err))
	}
	n.flushPendingLocked()
	n.setStateLocked(StateIceChecking)
	return nil
}

// HandleRemoteCandidate applies a partner candidate, or buffers it when the
// remote description is not set yet. Candidates arriving after a terminal
// state are dropped.
func (n *Negotiator) HandleRemoteCandidate(cand signaling.Candidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state.terminal() {
		return nil
	}
	if !n.remoteSet {
		n.pending = append(n.pending, cand)
		return nil
	}
	if err := n.transport.AddICECandidate(cand); err != nil {
		// A single bad candidate is not fatal; the rest of the pool may
		// still connect.
		n.log.Warn("failed to add remote candidate", "err", err)
	}
	return nil
}

// HandleLocalCandidate forwards a locally gathered candidate to the partner.
// Wired to the transport's trickle ICE callback.
func (n *Negotiator) HandleLocalCandidate(cand signaling.Candidate) {
	n.mu.Lock()
	terminal := n.state.terminal()
	n.mu.Unlock()
	if terminal {
		return
	}
	if err := n.signaler.SendIceCandidate(n.partnerID, cand); err != nil {
		n.log.Warn("failed to send local candidate", "err", err)
	}
}

// HandleConnected marks the attempt successful. Wired to the transport's
// connection state callback.
func (n *Negotiator) HandleConnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.terminal() {
		return
	}
	n.setStateLocked(StateConnected)
}

// HandleTransportFailure marks the attempt failed (ICE failure, transport
// teardown). The supervisor decides whether to retry.
func (n *Negotiator) HandleTransportFailure() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.terminal() {
		return
	}
	_ = n.failLocked(fmt.Errorf("transport failed"))
}

// Close tears the attempt down. Idempotent.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateClosed {
		return nil
	}
	n.setStateLocked(StateClosed)
	return n.transport.Close()
}

func (n *Negotiator) flushPendingLocked() {
	n.remoteSet = true
	for _, cand := range n.pending {
		if err := n.transport.AddICECandidate(cand); err != nil {
			n.log.Warn("failed to add buffered candidate", "err", err)
		}
	}
	n.pending = nil
}

func (n *Negotiator) failLocked(err error) error {
	n.log.Warn("negotiation attempt failed", "err", err, "state", n.state)
	n.setStateLocked(StateFailed)
	return err
}

func (n *Negotiator) setStateLocked(s State) {
	if n.state == s {
		return
	}
	n.log.Debug("negotiation state", "from", n.state, "to", s)
	n.state = s
	if n.onState != nil {
		n.onState(s)
	}
}
