package cache

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"catalog-assist/internal/domain"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func answer(text string) domain.Answer {
	return domain.Answer{Text: text}
}

func TestKey_NormalizesQuery(t *testing.T) {
	a := Key("FP-1002", "What is the minimum ceiling height?", "")
	b := Key("FP-1002", "  what IS the   minimum ceiling height?\n", "")
	c := Key("FP-1002", "what is the minimum ceiling height?", InitialToken)
	require.Equal(t, a, b)
	require.Equal(t, a, c)
	require.True(t, strings.HasPrefix(a, "FP-1002:"))
}

func TestKey_SeparatesTokensAndProducts(t *testing.T) {
	q := "what is the minimum ceiling height?"
	require.NotEqual(t, Key("FP-1002", q, ""), Key("FP-1002", q, "tok-1"))
	require.NotEqual(t, Key("FP-1002", q, "tok-1"), Key("FP-1002", q, "tok-2"))
	require.NotEqual(t, Key("FP-1002", q, ""), Key("FP-1003", q, ""))
}

func TestCache_HitWithinTTLMissAfter(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now))
	key := Key("FP-1002", "q", "")

	_, ok := c.Get(key)
	require.False(t, ok)

	c.Put(key, answer("a1"))
	clk.Advance(4 * time.Minute)
	got, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, "a1", got.Text)

	got2, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, got, got2)

	clk.Advance(time.Minute + time.Second)
	_, ok = c.Get(key)
	require.False(t, ok)
	require.Zero(t, c.Len(), "expired entry must be deleted on lookup")

	st := c.Stats()
	require.Equal(t, 2, st.Hits)
	require.Equal(t, 2, st.Misses)
	require.Equal(t, 1, st.Expired)
}

func TestCache_EvictsEarliestInsertion(t *testing.T) {
	c := New(WithCapacity(20))
	for i := 0; i <= 20; i++ {
		c.Put(fmt.Sprintf("p:%d", i), answer(fmt.Sprint(i)))
		if i == 0 {
			// reads do not protect an entry from FIFO eviction
			_, _ = c.Get("p:0")
		}
	}
	require.Equal(t, 20, c.Len())
	_, ok := c.Get("p:0")
	require.False(t, ok)
	for i := 1; i <= 20; i++ {
		_, ok := c.Get(fmt.Sprintf("p:%d", i))
		require.True(t, ok, i)
	}
	require.Equal(t, 1, c.Stats().Evictions)
}

func TestCache_PutExistingKeyDoesNotEvict(t *testing.T) {
	c := New(WithCapacity(2))
	c.Put("a", answer("1"))
	c.Put("b", answer("2"))
	c.Put("a", answer("3"))
	require.Equal(t, 2, c.Len())
	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "3", got.Text)

	c.Put("c", answer("4"))
	_, ok = c.Get("b")
	require.False(t, ok, "b is now the earliest insertion")
}

func TestCache_TokenOnlyForOwningSession(t *testing.T) {
	c := New()
	key := Key("FP-1", "q", "")
	c.PutFor(key, "tab-a", domain.Answer{Text: "a", ContinuationToken: "tok-a", Raw: []byte(`{"x":1}`)})

	own, ok := c.GetFor(key, "tab-a")
	require.True(t, ok)
	require.Equal(t, "tok-a", own.ContinuationToken)

	for _, session := range []string{"tab-b", ""} {
		other, ok := c.GetFor(key, session)
		require.True(t, ok)
		require.Equal(t, "a", other.Text)
		require.JSONEq(t, `{"x":1}`, string(other.Raw))
		require.Empty(t, other.ContinuationToken, "session %q", session)
	}

	stored, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, "tok-a", stored.ContinuationToken, "stored entry is unchanged")
}

func TestCache_InvalidateProduct(t *testing.T) {
	c := New()
	c.Put(Key("FP-10", "q1", ""), answer("x"))
	c.Put(Key("FP-1002", "q1", ""), answer("y"))
	c.Put(Key("FP-1002", "q2", "t"), answer("z"))

	require.Equal(t, 2, c.InvalidateProduct("FP-1002"))
	require.Equal(t, 1, c.Len())
	_, ok := c.Get(Key("FP-10", "q1", ""))
	require.True(t, ok, "prefix match must not bleed into other product ids")

	require.Zero(t, c.InvalidateProduct(""))
	require.Equal(t, 1, c.Invalidate(""))
	require.Zero(t, c.Len())
}

func TestCache_ConcurrentPutsRespectBound(t *testing.T) {
	c := New(WithCapacity(20))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("p:%d:%d", g, i)
				c.Put(key, answer(key))
				_, _ = c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, 20, c.Len())
	require.Equal(t, 800-20, c.Stats().Evictions)
}
