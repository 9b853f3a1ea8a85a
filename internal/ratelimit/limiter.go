// Package ratelimit bounds per-connection signaling message throughput and
// provides the Clock abstraction used wherever timing must be deterministic
// in tests (message limiting here, retry/backoff scheduling in the
// negotiation supervisor).
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so limiters and timers can be driven deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// MessageLimiter is a token bucket sized for signaling traffic: capacity and
// refill rate are both messagesPerSecond, so a connection may burst one
// second's worth of messages and then settles at the steady rate.
type MessageLimiter struct {
	mu sync.Mutex

	clock    Clock
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func NewMessageLimiter(clock Clock, messagesPerSecond int) *MessageLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	rate := float64(messagesPerSecond)
	if rate < 0 {
		rate = 0
	}
	return &MessageLimiter{
		clock:    clock,
		rate:     rate,
		capacity: rate,
		tokens:   rate,
		last:     clock.Now(),
	}
}

// Allow consumes one token if available.
func (l *MessageLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.last) {
		l.tokens += now.Sub(l.last).Seconds() * l.rate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
	}
	l.last = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
