package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/metrics"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/ratelimit"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/signaling"
)

// ErrNegotiationFailed is returned by Run when the retry budget or the hard
// deadline is exhausted without reaching a connection.
var ErrNegotiationFailed = errors.New("negotiation failed")

// TransportFactory builds a fresh transport for one attempt, with its event
// callbacks already wired.
type TransportFactory func(cb PionCallbacks) (Transport, error)

type SupervisorConfig struct {
	PartnerID string
	Initiator bool

	// Deadline bounds the whole pairing attempt, across retries, measured
	// from Run. MaxAttempts bounds how many attempts are made; backoff
	// between attempt k and k+1 is BackoffBase*2^k capped at BackoffMax.
	Deadline    time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Signaler     Signaler
	NewTransport TransportFactory
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Clock        ratelimit.Clock
}

// Supervisor re-runs failed negotiation attempts under the retry policy.
// The initiator restarts with a fresh transport and a fresh offer; the
// responder re-arms and waits for the partner's next offer. Signaling events
// always route to the current attempt.
type Supervisor struct {
	cfg   SupervisorConfig
	log   *slog.Logger
	clock ratelimit.Clock

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	current *Negotiator
	cancel  context.CancelFunc
	closed  bool
}

func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.PartnerID == "" {
		return nil, fmt.Errorf("partner id is required")
	}
	if cfg.Signaler == nil || cfg.NewTransport == nil {
		return nil, fmt.Errorf("signaler and transport factory are required")
	}
	if cfg.MaxAttempts <= 0 || cfg.Deadline <= 0 || cfg.BackoffBase <= 0 || cfg.BackoffMax < cfg.BackoffBase {
		return nil, fmt.Errorf("invalid retry policy: attempts=%d deadline=%s base=%s max=%s",
			cfg.MaxAttempts, cfg.Deadline, cfg.BackoffBase, cfg.BackoffMax)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Supervisor{
		cfg:   cfg,
		log:   logger.With("partner_id", cfg.PartnerID, "initiator", cfg.Initiator),
		clock: clock,
		sleep: realSleep,
	}, nil
}

// Run drives attempts until one connects (nil), the policy is exhausted
// (ErrNegotiationFailed), ctx is cancelled, or Close is called. Close
// cancels Run synchronously: backoff sleeps and attempt waits unblock and
// no further attempt is started. The winning attempt's transport is left
// open for the caller; Close tears it down.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return context.Canceled
	}
	s.cancel = cancel
	s.mu.Unlock()

	deadline := s.clock.Now().Add(s.cfg.Deadline)
	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := s.backoff(attempt - 1)
			s.log.Info("retrying negotiation", "attempt", attempt+1, "backoff", backoff)
			s.cfg.Metrics.IncRetry()
			if !s.sleep(ctx, backoff) {
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			break
		}

		states := make(chan State, 8)
		n, err := s.startAttempt(states)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		state, err := waitTerminal(ctx, states, remaining)
		if err != nil {
			_ = n.Close()
			s.clearAttempt()
			if errors.Is(err, errAttemptDeadline) {
				break
			}
			return err
		}

		if state == StateConnected {
			s.log.Info("negotiation connected", "attempt", attempt+1)
			return nil
		}
		lastErr = fmt.Errorf("attempt %d ended in state %s", attempt+1, state)
		_ = n.Close()
		s.clearAttempt()
	}

	s.cfg.Metrics.IncNegotiationFailure()
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, lastErr)
	}
	return ErrNegotiationFailed
}

// HandleOffer routes the partner's offer to the current attempt. Offers
// arriving between attempts are dropped; the initiator will retry.
func (s *Supervisor) HandleOffer(sdp signaling.SDP) {
	if n := s.attempt(); n != nil {
		if err := n.HandleOffer(sdp); err != nil {
			s.log.Warn("offer rejected", "err", err)
		}
	}
}

func (s *Supervisor) HandleAnswer(sdp signaling.SDP) {
	if n := s.attempt(); n != nil {
		if err := n.HandleAnswer(sdp); err != nil {
			s.log.Warn("answer rejected", "err", err)
		}
	}
}

func (s *Supervisor) HandleIceCandidate(cand signaling.Candidate) {
	if n := s.attempt(); n != nil {
		_ = n.HandleRemoteCandidate(cand)
	}
}

// Close tears down whatever attempt is live and stops Run, including any
// backoff sleep or deadline wait in progress. Used both on normal call end
// and when the pairing dissolves under us. Idempotent.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	n := s.current
	s.current = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if n != nil {
		_ = n.Close()
	}
}

func (s *Supervisor) startAttempt(states chan State) (*Negotiator, error) {
	transport, err := s.cfg.NewTransport(PionCallbacks{
		OnLocalCandidate: func(cand signaling.Candidate) {
			if n := s.attempt(); n != nil {
				n.HandleLocalCandidate(cand)
			}
		},
		OnConnected: func() {
			if n := s.attempt(); n != nil {
				n.HandleConnected()
			}
		},
		OnFailed: func() {
			if n := s.attempt(); n != nil {
				n.HandleTransportFailure()
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	n := NewNegotiator(NegotiatorConfig{
		PartnerID: s.cfg.PartnerID,
		Initiator: s.cfg.Initiator,
		Transport: transport,
		Signaler:  s.cfg.Signaler,
		Logger:    s.log,
		OnState: func(st State) {
			select {
			case states <- st:
			default:
			}
		},
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = n.Close()
		return nil, context.Canceled
	}
	s.current = n
	s.mu.Unlock()

	if err := n.Start(); err != nil {
		_ = n.Close()
		s.clearAttempt()
		return nil, err
	}
	return n, nil
}

func (s *Supervisor) attempt() *Negotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Supervisor) clearAttempt() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

func (s *Supervisor) backoff(retry int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < retry && d < s.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	return d
}

var errAttemptDeadline = errors.New("attempt deadline")

// waitTerminal blocks until the attempt reaches a terminal state, the
// remaining deadline passes, or ctx is cancelled. The timer is stopped on
// every exit path.
func waitTerminal(ctx context.Context, states <-chan State, remaining time.Duration) (State, error) {
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	for {
		select {
		case st := <-states:
			if st == StateConnected || st == StateFailed {
				return st, nil
			}
			if st == StateClosed {
				// The attempt was torn down under us (supervisor Close).
				return st, context.Canceled
			}
		case <-timer.C:
			return StateFailed, errAttemptDeadline
		case <-ctx.Done():
			return StateFailed, ctx.Err()
		}
	}
}

func realSleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
