// Package negotiation drives the client side of a pairing: the WebRTC
// offer/answer state machine, ICE candidate buffering, and the retry
// supervisor that re-runs failed attempts under a backoff policy and a hard
// deadline.
package negotiation

// State is the connection state machine for one negotiation attempt.
type State int

const (
	// StateIdle means no negotiation is in flight. The responder sits here
	// until the initiator's offer arrives.
	StateIdle State = iota
	StateCreatingOffer
	StateAwaitingAnswer
	StateHandlingOffer
	StateIceChecking
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreatingOffer:
		return "creating-offer"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateHandlingOffer:
		return "handling-offer"
	case StateIceChecking:
		return "ice-checking"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions can happen in this attempt.
func (s State) terminal() bool {
	return s == StateConnected || s == StateFailed || s == StateClosed
}
