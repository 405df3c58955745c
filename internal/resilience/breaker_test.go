package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"catalog-assist/internal/apperror"
)

const cooldown = 40 * time.Millisecond

func waitCooldown() { time.Sleep(cooldown + 10*time.Millisecond) }

var errUpstream = &statusErr{code: 503}

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errUpstream
	}
}

func succeeding(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return nil
	}
}

func TestBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	var changes []string
	b := NewBreaker("rag", BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         cooldown,
		OnStateChange: func(_ string, from, to Phase) {
			changes = append(changes, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	calls := 0
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Execute(ctx, failing(&calls)), errUpstream)
	}
	require.Equal(t, 5, calls)
	require.Equal(t, PhaseOpen, b.State().Phase)

	err := b.Execute(ctx, succeeding(&calls))
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, apperror.KindCircuitOpen, apperror.KindOf(err))
	require.Equal(t, 5, calls, "open breaker must not invoke the operation")

	require.ErrorIs(t, b.Execute(ctx, succeeding(&calls)), ErrCircuitOpen)

	waitCooldown()
	require.NoError(t, b.Execute(ctx, succeeding(&calls)))
	require.Equal(t, 6, calls)
	require.Equal(t, PhaseClosed, b.State().Phase)
	require.Zero(t, b.State().ConsecutiveFailures)
	require.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, changes)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("search", BreakerConfig{FailureThreshold: 2, Cooldown: cooldown})
	ctx := context.Background()
	calls := 0

	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	require.Equal(t, PhaseOpen, b.State().Phase)

	waitCooldown()
	before := time.Now()
	require.ErrorIs(t, b.Execute(ctx, failing(&calls)), errUpstream)
	st := b.State()
	require.Equal(t, PhaseOpen, st.Phase)
	require.WithinDuration(t, before.Add(cooldown), st.ReopenAt, 20*time.Millisecond)

	require.ErrorIs(t, b.Execute(ctx, succeeding(&calls)), ErrCircuitOpen)
	require.Equal(t, 3, calls)
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := NewBreaker("rag", BreakerConfig{FailureThreshold: 3})
	ctx := context.Background()
	calls := 0
	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	require.NoError(t, b.Execute(ctx, succeeding(&calls)))
	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	require.Equal(t, PhaseClosed, b.State().Phase)
	require.Equal(t, 2, b.State().ConsecutiveFailures)
}

func TestBreaker_NonRetryableFailuresDoNotTrip(t *testing.T) {
	b := NewBreaker("rag", BreakerConfig{FailureThreshold: 2})
	bad := &statusErr{code: 400}
	for i := 0; i < 5; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return bad })
		require.ErrorIs(t, err, bad)
	}
	require.Equal(t, PhaseClosed, b.State().Phase)
}

func TestBreaker_CancelledProbeReleasesSlot(t *testing.T) {
	b := NewBreaker("rag", BreakerConfig{FailureThreshold: 1, Cooldown: cooldown})
	ctx := context.Background()
	calls := 0
	_ = b.Execute(ctx, failing(&calls))
	waitCooldown()

	err := b.Execute(ctx, func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, PhaseHalfOpen, b.State().Phase)

	require.NoError(t, b.Execute(ctx, succeeding(&calls)))
	require.Equal(t, PhaseClosed, b.State().Phase)
}

func TestBreaker_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	b := NewBreaker("rag", BreakerConfig{FailureThreshold: 1, Cooldown: cooldown})
	ctx := context.Background()
	calls := 0
	_ = b.Execute(ctx, failing(&calls))
	waitCooldown()

	release := make(chan struct{})
	entered := make(chan struct{})
	var probes atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			probes.Add(1)
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(ctx, func(context.Context) error {
				probes.Add(1)
				return nil
			})
			if errors.Is(err, ErrCircuitOpen) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)
	require.NoError(t, <-done)

	require.Equal(t, int32(1), probes.Load())
	require.Equal(t, int32(10), rejected.Load())
	require.Equal(t, PhaseClosed, b.State().Phase)
}

func TestBreaker_StaleOutcomeIgnoredAfterTrip(t *testing.T) {
	b := NewBreaker("rag", BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	calls := 0
	_ = b.Execute(ctx, failing(&calls))
	require.Equal(t, PhaseOpen, b.State().Phase)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, PhaseOpen, b.State().Phase, "a call admitted before the trip must not close the breaker")
}

func TestGuard_ReturnsValue(t *testing.T) {
	b := NewBreaker("search", BreakerConfig{})
	v, err := Guard(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, "search", b.Name())
}

func TestBreaker_StateChangeHookMayInspectBreaker(t *testing.T) {
	var b *Breaker
	var seen []Phase
	b = NewBreaker("rag", BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		OnStateChange: func(string, Phase, Phase) {
			seen = append(seen, b.State().Phase)
			_ = b.Execute(context.Background(), func(context.Context) error { return nil })
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		calls := 0
		_ = b.Execute(context.Background(), failing(&calls))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("state change hook deadlocked")
	}
	require.Equal(t, []Phase{PhaseOpen}, seen)
}
