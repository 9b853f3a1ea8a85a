package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/metrics"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/signaling"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type attemptHandle struct {
	transport *fakeTransport
	cb        PionCallbacks
}

type supervisorHarness struct {
	sup      *Supervisor
	sig      *fakeSignaler
	metrics  *metrics.Metrics
	clock    *fakeClock
	attempts chan attemptHandle
	sleeps   []time.Duration
	errCh    chan error
}

func newHarness(t *testing.T, initiator bool, maxAttempts int) *supervisorHarness {
	t.Helper()
	h := &supervisorHarness{
		sig:      &fakeSignaler{},
		metrics:  metrics.New(),
		clock:    &fakeClock{now: time.Unix(0, 0)},
		attempts: make(chan attemptHandle, 8),
		errCh:    make(chan error, 1),
	}

	sup, err := NewSupervisor(SupervisorConfig{
		PartnerID:   "partner",
		Initiator:   initiator,
		Deadline:    45 * time.Second,
		MaxAttempts: maxAttempts,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  400 * time.Millisecond,
		Signaler:    h.sig,
		Metrics:     h.metrics,
		Clock:       h.clock,
		NewTransport: func(cb PionCallbacks) (Transport, error) {
			tr := &fakeTransport{}
			h.attempts <- attemptHandle{tr, cb}
			return tr, nil
		},
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	sup.sleep = func(ctx context.Context, d time.Duration) bool {
		h.sleeps = append(h.sleeps, d)
		return true
	}
	h.sup = sup
	return h
}

func (h *supervisorHarness) run(ctx context.Context) {
	go func() { h.errCh <- h.sup.Run(ctx) }()
}

// nextAttempt waits for the factory to produce a transport AND for the
// supervisor to install the attempt, so callbacks route correctly.
func (h *supervisorHarness) nextAttempt(t *testing.T) attemptHandle {
	t.Helper()
	select {
	case a := <-h.attempts:
		deadline := time.Now().Add(2 * time.Second)
		for h.sup.attempt() == nil {
			if time.Now().After(deadline) {
				t.Fatalf("attempt never installed")
			}
			time.Sleep(time.Millisecond)
		}
		return a
	case <-time.After(2 * time.Second):
		t.Fatalf("no attempt started")
		panic("unreachable")
	}
}

func (h *supervisorHarness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not finish")
		panic("unreachable")
	}
}

func TestSupervisorConnectsFirstAttempt(t *testing.T) {
	h := newHarness(t, true, 3)
	h.run(context.Background())

	a := h.nextAttempt(t)
	a.cb.OnConnected()

	if err := h.result(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.sleeps) != 0 {
		t.Fatalf("no backoff on first-attempt success, slept %v", h.sleeps)
	}
	if got := h.metrics.Get(metrics.RetriesTotal); got != 0 {
		t.Fatalf("retries=%d, want 0", got)
	}
}

func TestSupervisorRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, true, 3)
	h.run(context.Background())

	first := h.nextAttempt(t)
	first.cb.OnFailed()

	second := h.nextAttempt(t)
	if !first.transport.closed {
		t.Fatalf("failed attempt's transport must be closed before the retry")
	}
	second.cb.OnConnected()

	if err := h.result(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 100*time.Millisecond {
		t.Fatalf("sleeps=%v, want [100ms]", h.sleeps)
	}
	if got := h.metrics.Get(metrics.RetriesTotal); got != 1 {
		t.Fatalf("retries=%d, want 1", got)
	}
}

func TestSupervisorExhaustsAttempts(t *testing.T) {
	h := newHarness(t, true, 3)
	h.run(context.Background())

	for i := 0; i < 3; i++ {
		a := h.nextAttempt(t)
		a.cb.OnFailed()
	}

	err := h.result(t)
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("err=%v, want ErrNegotiationFailed", err)
	}
	// Backoff doubles per retry: 100ms then 200ms.
	if len(h.sleeps) != 2 || h.sleeps[0] != 100*time.Millisecond || h.sleeps[1] != 200*time.Millisecond {
		t.Fatalf("sleeps=%v, want [100ms 200ms]", h.sleeps)
	}
	if got := h.metrics.Get(metrics.NegotiationFailuresTotal); got != 1 {
		t.Fatalf("failures=%d, want 1", got)
	}
}

func TestSupervisorBackoffCapped(t *testing.T) {
	h := newHarness(t, true, 5)
	h.run(context.Background())

	for i := 0; i < 5; i++ {
		a := h.nextAttempt(t)
		a.cb.OnFailed()
	}

	if err := h.result(t); !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("err=%v, want ErrNegotiationFailed", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 400 * time.Millisecond}
	if len(h.sleeps) != len(want) {
		t.Fatalf("sleeps=%v, want %v", h.sleeps, want)
	}
	for i := range want {
		if h.sleeps[i] != want[i] {
			t.Fatalf("sleeps=%v, want %v", h.sleeps, want)
		}
	}
}

func TestSupervisorStopsAtDeadline(t *testing.T) {
	h := newHarness(t, true, 10)
	// Each backoff sleep pushes the fake clock past the 45s deadline.
	h.sup.sleep = func(ctx context.Context, d time.Duration) bool {
		h.clock.Advance(time.Minute)
		return true
	}
	h.run(context.Background())

	a := h.nextAttempt(t)
	a.cb.OnFailed()

	err := h.result(t)
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("err=%v, want ErrNegotiationFailed", err)
	}
	if got := h.metrics.Get(metrics.NegotiationFailuresTotal); got != 1 {
		t.Fatalf("failures=%d, want 1", got)
	}
}

func TestSupervisorCancelled(t *testing.T) {
	h := newHarness(t, true, 3)
	ctx, cancel := context.WithCancel(context.Background())
	h.run(ctx)

	a := h.nextAttempt(t)
	cancel()

	if err := h.result(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if !a.transport.closed {
		t.Fatalf("cancellation must close the live transport")
	}
}

func TestSupervisorCloseDuringBackoffStopsRetry(t *testing.T) {
	h := newHarness(t, true, 3)
	// Skip/end-call lands while Run is sleeping between attempts.
	h.sup.sleep = func(ctx context.Context, d time.Duration) bool {
		h.sup.Close()
		return ctx.Err() == nil
	}
	h.run(context.Background())

	first := h.nextAttempt(t)
	first.cb.OnFailed()

	if err := h.result(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	select {
	case <-h.attempts:
		t.Fatalf("no new attempt may start after Close")
	default:
	}
	if !first.transport.closed {
		t.Fatalf("failed attempt's transport must be closed")
	}
	if got := h.metrics.Get(metrics.NegotiationFailuresTotal); got != 0 {
		t.Fatalf("failures=%d, want 0 after a deliberate close", got)
	}
}

func TestSupervisorCloseUnblocksRun(t *testing.T) {
	h := newHarness(t, true, 3)
	h.run(context.Background())

	a := h.nextAttempt(t)
	h.sup.Close()

	if err := h.result(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if !a.transport.closed {
		t.Fatalf("Close must tear down the live transport")
	}
	if got := h.metrics.Get(metrics.NegotiationFailuresTotal); got != 0 {
		t.Fatalf("failures=%d, want 0 after a deliberate close", got)
	}
}

func TestSupervisorRunAfterClose(t *testing.T) {
	h := newHarness(t, true, 3)
	h.sup.Close()
	h.run(context.Background())

	if err := h.result(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	select {
	case <-h.attempts:
		t.Fatalf("no attempt may start on a closed supervisor")
	default:
	}
}

func TestResponderReArmsForFreshOffer(t *testing.T) {
	h := newHarness(t, false, 3)
	h.run(context.Background())

	first := h.nextAttempt(t)
	h.sup.HandleOffer(signaling.SDP{Type: "offer", SDP: "v=0 first"})
	first.cb.OnFailed()

	second := h.nextAttempt(t)
	h.sup.HandleOffer(signaling.SDP{Type: "offer", SDP: "v=0 second"})
	second.cb.OnConnected()

	if err := h.result(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(second.transport.remotes) != 1 || second.transport.remotes[0].SDP != "v=0 second" {
		t.Fatalf("second attempt must negotiate from the fresh offer, got %+v", second.transport.remotes)
	}

	// Both offers produced answers, one per attempt.
	var answers int
	for _, m := range h.sig.messages() {
		if m.answer != nil {
			answers++
		}
	}
	if answers != 2 {
		t.Fatalf("answers=%d, want 2", answers)
	}
}
