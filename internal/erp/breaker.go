package erp

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// StateClosed: requests flow normally
	StateClosed BreakerState = iota
	// StateOpen: requests fail fast
	StateOpen
	// StateHalfOpen: one probe request is allowed through
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests while circuit is half-open")
)

// Breaker opens after maxFailures consecutive failures and lets a single
// probe through once timeout has elapsed.
type Breaker struct {
	mu sync.Mutex

	maxFailures uint32
	timeout     time.Duration
	maxHalfOpen uint32
	now         func() time.Time
	log         *zap.Logger
	onChange    func(BreakerState)

	state            BreakerState
	failures         uint32
	lastFailureTime  time.Time
	halfOpenRequests uint32
}

func NewBreaker(maxFailures uint32, timeout time.Duration, log *zap.Logger) *Breaker {
	if maxFailures == 0 {
		maxFailures = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		maxHalfOpen: 1,
		now:         time.Now,
		log:         log,
		state:       StateClosed,
	}
}

// OnStateChange registers fn to observe transitions. Not safe to call
// concurrently with Execute.
func (b *Breaker) OnStateChange(fn func(BreakerState)) { b.onChange = fn }

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(fn func() error) error {
	return b.ExecuteContext(context.Background(), fn)
}

// ExecuteContext is Execute for calls made on behalf of ctx. When ctx is done
// the outcome is not counted: a caller that gave up says nothing about the
// health of the backend.
func (b *Breaker) ExecuteContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) <= b.timeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.halfOpenRequests = 1
		b.log.Info("circuit_breaker_half_open", zap.Duration("timeout", b.timeout))
	case StateHalfOpen:
		if b.halfOpenRequests >= b.maxHalfOpen {
			b.mu.Unlock()
			return ErrTooManyRequests
		}
		b.halfOpenRequests++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case ctx.Err() != nil:
		b.onAbandoned()
		if err == nil {
			err = ctx.Err()
		}
		return err
	case err != nil:
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// onAbandoned frees the half-open probe slot without deciding the state.
func (b *Breaker) onAbandoned() {
	if b.state == StateHalfOpen && b.halfOpenRequests > 0 {
		b.halfOpenRequests--
	}
}

func (b *Breaker) onSuccess() {
	b.failures = 0
	if b.state == StateHalfOpen {
		b.halfOpenRequests = 0
		b.setState(StateClosed)
		b.log.Info("circuit_breaker_closed", zap.String("reason", "recovery_successful"))
	}
}

func (b *Breaker) onFailure() {
	b.failures++
	b.lastFailureTime = b.now()

	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		if b.state != StateOpen {
			b.halfOpenRequests = 0
			b.setState(StateOpen)
			b.log.Warn("circuit_breaker_opened",
				zap.Uint32("failures", b.failures),
				zap.Uint32("max_failures", b.maxFailures),
				zap.Duration("timeout", b.timeout))
		}
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.halfOpenRequests = 0
	b.setState(StateClosed)
}
