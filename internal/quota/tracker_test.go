package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type trackerFactory func(t *testing.T, policies map[string]Policy, now func() time.Time) Tracker

// runTrackerContract exercises behaviour every backend must share.
func runTrackerContract(t *testing.T, newTracker trackerFactory) {
	t.Run("budget never exceeded", func(t *testing.T) {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
		tr := newTracker(t, map[string]Policy{"av": {Budget: 3}}, clk.Now)

		for i, sym := range []string{"A", "B", "C"} {
			d, err := tr.RecordCall(ctx, "av", "quote:"+sym)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, i+1, d.Used)
		}

		d, err := tr.CanCall(ctx, "av", "quote:D")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonBudgetExhausted, d.Reason)

		d, err = tr.RecordCall(ctx, "av", "quote:D")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		st, err := tr.State(ctx, "av")
		require.NoError(t, err)
		assert.Equal(t, 3, st.CallCount)
		assert.Equal(t, 0, st.Remaining())
	})

	t.Run("dedupe same key same day", func(t *testing.T) {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
		tr := newTracker(t, map[string]Policy{"fmp": {Budget: 10, Dedupe: true}}, clk.Now)

		d, err := tr.RecordCall(ctx, "fmp", "dividends:KO:5y")
		require.NoError(t, err)
		require.True(t, d.Allowed)

		d, err = tr.CanCall(ctx, "fmp", "dividends:KO:5y")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonAlreadyFetchedToday, d.Reason)

		d, err = tr.RecordCall(ctx, "fmp", "dividends:KO:5y")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 1, d.Used, "denied record must not count")

		d, err = tr.CanCall(ctx, "fmp", "dividends:PEP:5y")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("no dedupe allows repeat keys", func(t *testing.T) {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
		tr := newTracker(t, map[string]Policy{"p": {Budget: 5}}, clk.Now)

		for i := 0; i < 2; i++ {
			d, err := tr.RecordCall(ctx, "p", "quote:A")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}
		st, err := tr.State(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 2, st.CallCount)
		assert.Equal(t, 1, st.SeenKeys)
	})

	t.Run("lazy rollover at UTC midnight", func(t *testing.T) {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)}
		tr := newTracker(t, map[string]Policy{"av": {Budget: 1, Dedupe: true}}, clk.Now)

		d, err := tr.RecordCall(ctx, "av", "quote:A")
		require.NoError(t, err)
		require.True(t, d.Allowed)

		d, err = tr.CanCall(ctx, "av", "quote:B")
		require.NoError(t, err)
		require.False(t, d.Allowed)

		clk.Set(time.Date(2024, 5, 2, 0, 0, 1, 0, time.UTC))

		d, err = tr.CanCall(ctx, "av", "quote:A")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "new day resets budget and seen keys")

		st, err := tr.State(ctx, "av")
		require.NoError(t, err)
		assert.Equal(t, "2024-05-02", st.Date)
		assert.Equal(t, 0, st.CallCount)
	})

	t.Run("providers are independent", func(t *testing.T) {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
		tr := newTracker(t, map[string]Policy{"a": {Budget: 1}, "b": {Budget: 1}}, clk.Now)

		_, err := tr.RecordCall(ctx, "a", "quote:X")
		require.NoError(t, err)

		d, err := tr.CanCall(ctx, "b", "quote:X")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("unlimited budget", func(t *testing.T) {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
		tr := newTracker(t, map[string]Policy{}, clk.Now)

		for i := 0; i < 20; i++ {
			d, err := tr.RecordCall(ctx, "yahoo", "quote:A")
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}
		st, err := tr.State(ctx, "yahoo")
		require.NoError(t, err)
		assert.Equal(t, -1, st.Remaining())
	})

	t.Run("release refunds the call and the key", func(t *testing.T) {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
		tr := newTracker(t, map[string]Policy{"fmp": {Budget: 1, Dedupe: true}}, clk.Now)

		d, err := tr.RecordCall(ctx, "fmp", "quote:KO")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, "2024-05-01", d.Date)

		require.NoError(t, tr.Release(ctx, ReservationFor("fmp", "quote:KO", d), true))

		st, err := tr.State(ctx, "fmp")
		require.NoError(t, err)
		assert.Equal(t, 0, st.CallCount)
		assert.Equal(t, 0, st.SeenKeys)

		d, err = tr.RecordCall(ctx, "fmp", "quote:KO")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "released key and unit are usable again")
	})

	t.Run("release without refund keeps the call counted", func(t *testing.T) {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
		tr := newTracker(t, map[string]Policy{"av": {Budget: 5, Dedupe: true}}, clk.Now)

		d, err := tr.RecordCall(ctx, "av", "dividends:KO:5y")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.NoError(t, tr.Release(ctx, ReservationFor("av", "dividends:KO:5y", d), false))

		st, err := tr.State(ctx, "av")
		require.NoError(t, err)
		assert.Equal(t, 1, st.CallCount)

		d, err = tr.CanCall(ctx, "av", "dividends:KO:5y")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "a failed call does not block the key for the day")
	})

	t.Run("release never goes below zero", func(t *testing.T) {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
		tr := newTracker(t, map[string]Policy{"p": {Budget: 2}}, clk.Now)

		d, err := tr.RecordCall(ctx, "p", "quote:A")
		require.NoError(t, err)
		res := ReservationFor("p", "quote:A", d)
		require.NoError(t, tr.Release(ctx, res, true))
		require.NoError(t, tr.Release(ctx, res, true))

		st, err := tr.State(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 0, st.CallCount)
	})

	t.Run("release from an earlier day is ignored", func(t *testing.T) {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)}
		tr := newTracker(t, map[string]Policy{"p": {Budget: 2}}, clk.Now)

		d, err := tr.RecordCall(ctx, "p", "quote:A")
		require.NoError(t, err)

		clk.Set(time.Date(2024, 5, 2, 0, 0, 1, 0, time.UTC))
		_, err = tr.RecordCall(ctx, "p", "quote:B")
		require.NoError(t, err)
		require.NoError(t, tr.Release(ctx, ReservationFor("p", "quote:A", d), true))

		st, err := tr.State(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 1, st.CallCount)
	})

	t.Run("concurrent record is atomic", func(t *testing.T) {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
		tr := newTracker(t, map[string]Policy{"av": {Budget: 7}}, clk.Now)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				d, err := tr.RecordCall(ctx, "av", "quote:S"+string(rune('A'+i%26)))
				if err != nil {
					t.Error(err)
					return
				}
				if d.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 7, allowed)
		st, err := tr.State(ctx, "av")
		require.NoError(t, err)
		assert.Equal(t, 7, st.CallCount)
	})
}

func TestMemoryTracker(t *testing.T) {
	runTrackerContract(t, func(t *testing.T, policies map[string]Policy, now func() time.Time) Tracker {
		return NewMemory(policies, WithClock(now))
	})
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		used   int
		seen   bool
		want   Reason
	}{
		{"under budget", Policy{Budget: 2}, 1, false, ReasonOK},
		{"at budget", Policy{Budget: 2}, 2, false, ReasonBudgetExhausted},
		{"seen with dedupe", Policy{Budget: 2, Dedupe: true}, 0, true, ReasonAlreadyFetchedToday},
		{"seen without dedupe", Policy{Budget: 2}, 0, true, ReasonOK},
		{"dedupe wins over budget", Policy{Budget: 1, Dedupe: true}, 1, true, ReasonAlreadyFetchedToday},
		{"unlimited", Policy{}, 1000, false, ReasonOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(tt.policy, tt.used, tt.seen)
			assert.Equal(t, tt.want, d.Reason)
			assert.Equal(t, tt.want == ReasonOK, d.Allowed)
		})
	}
}
