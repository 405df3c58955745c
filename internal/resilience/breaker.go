package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"catalog-assist/internal/apperror"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// ErrCircuitOpen is the cause carried by every rejection from an open breaker.
var ErrCircuitOpen = errors.New("circuit open")

type Phase int

const (
	PhaseClosed Phase = iota
	PhaseOpen
	PhaseHalfOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func phaseOf(s gobreaker.State) Phase {
	switch s {
	case gobreaker.StateOpen:
		return PhaseOpen
	case gobreaker.StateHalfOpen:
		return PhaseHalfOpen
	default:
		return PhaseClosed
	}
}

type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	// OnStateChange runs after the call that caused the transition returns,
	// outside any breaker lock.
	OnStateChange func(name string, from, to Phase)
}

// BreakerState is a point-in-time snapshot of a Breaker.
type BreakerState struct {
	Phase               Phase
	ConsecutiveFailures int
	ReopenAt            time.Time
}

type transition struct {
	from, to Phase
}

// Breaker stops calling a dependency after FailureThreshold consecutive
// retryable failures, then lets a single probe through once Cooldown has
// elapsed. One Breaker guards one operation family.
type Breaker struct {
	name string
	cfg  BreakerConfig
	cb   *gobreaker.CircuitBreaker[any]

	// mu guards the fields below. It is taken inside gobreaker's own lock
	// and never held while calling into gobreaker.
	mu       sync.Mutex
	reopenAt time.Time
	pending  []transition
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	b := &Breaker{name: name, cfg: cfg}
	threshold := uint32(cfg.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// only failures worth retrying say anything about the dependency
		IsSuccessful: func(err error) bool {
			return err == nil || !apperror.IsRetryable(err)
		},
		IsExcluded: func(err error) bool {
			kind := apperror.KindOf(err)
			return kind == apperror.KindCancelled || kind == apperror.KindCircuitOpen
		},
		OnStateChange: b.record,
	})
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() BreakerState {
	phase := phaseOf(b.cb.State())
	counts := b.cb.Counts()
	b.notify()

	st := BreakerState{Phase: phase, ConsecutiveFailures: int(counts.ConsecutiveFailures)}
	if phase == PhaseOpen {
		b.mu.Lock()
		st.ReopenAt = b.reopenAt
		b.mu.Unlock()
	}
	return st
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := Guard(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Guard runs op through b and records its outcome.
func Guard[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	defer b.notify()

	v, err := b.cb.Execute(func() (any, error) {
		return op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, b.openError()
	}
	t, _ := v.(T)
	return t, err
}

// record is gobreaker's state hook and runs under its lock, so it only queues.
func (b *Breaker) record(_ string, from, to gobreaker.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if to == gobreaker.StateOpen {
		b.reopenAt = time.Now().Add(b.cfg.Cooldown)
	}
	b.pending = append(b.pending, transition{from: phaseOf(from), to: phaseOf(to)})
}

func (b *Breaker) notify() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if b.cfg.OnStateChange == nil {
		return
	}
	for _, tr := range pending {
		b.cfg.OnStateChange(b.name, tr.from, tr.to)
	}
}

func (b *Breaker) openError() *apperror.Error {
	return apperror.New(apperror.KindCircuitOpen, "breaker "+b.name, ErrCircuitOpen)
}
