package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/passage/model"
)

// ErrBreakerOpen is returned instead of delivering while the breaker is open.
var ErrBreakerOpen = errors.New("notify: circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed delivers every notification and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen drops notifications until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets trial calls through to test the sink.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive delivery failures and stays open
// for a cooldown. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	now              func() time.Time
}

// NewBreaker returns a closed breaker. Non-positive arguments fall back to
// 5 failures, 1 trial success and a 30s cooldown.
func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Allow reports whether a delivery may be attempted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stateLocked() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Record feeds the outcome of an attempted delivery back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case BreakerClosed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		if err != nil {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// stateLocked moves an expired open breaker to half-open. Must be called
// with the lock held.
func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

// GuardedSink wraps a sink with a Breaker so an unreachable broker costs one
// failed call per cooldown instead of one per workflow transition.
type GuardedSink struct {
	next    model.EventSink
	breaker *Breaker
	logger  *zap.Logger
}

// NewGuardedSink wraps next with breaker.
func NewGuardedSink(next model.EventSink, breaker *Breaker, logger *zap.Logger) *GuardedSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardedSink{next: next, breaker: breaker, logger: logger}
}

// OnStepAssigned implements model.EventSink.
func (g *GuardedSink) OnStepAssigned(ctx context.Context, exec model.StepExecution) error {
	return g.deliver(func() error { return g.next.OnStepAssigned(ctx, exec) })
}

// OnInstanceCompleted implements model.EventSink.
func (g *GuardedSink) OnInstanceCompleted(ctx context.Context, inst model.WorkflowInstance) error {
	return g.deliver(func() error { return g.next.OnInstanceCompleted(ctx, inst) })
}

func (g *GuardedSink) deliver(send func() error) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}
	before := g.breaker.State()
	err := send()
	g.breaker.Record(err)
	if after := g.breaker.State(); after != before {
		g.logger.Warn("notification breaker changed state",
			zap.Stringer("from", before),
			zap.Stringer("to", after),
		)
	}
	return err
}
