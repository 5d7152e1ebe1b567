package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/newthinker/quotegate/internal/cache"
	"github.com/newthinker/quotegate/internal/core"
	"github.com/newthinker/quotegate/internal/provider"
	"github.com/newthinker/quotegate/internal/provider/providertest"
	"github.com/newthinker/quotegate/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
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

type fixture struct {
	clock    *fakeClock
	cache    *cache.Store
	quota    quota.Tracker
	registry *provider.Registry
}

func newFixture(t *testing.T, policies map[string]quota.Policy) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 5, 2, 15, 0, 0, 0, time.UTC)}
	return &fixture{
		clock:    clk,
		cache:    cache.New(100, cache.WithClock(clk.Now)),
		quota:    quota.NewMemory(policies, quota.WithClock(clk.Now)),
		registry: provider.NewRegistry(),
	}
}

func (f *fixture) resolver(opts ...Option) *Resolver {
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	return New(f.cache, f.quota, f.registry, opts...)
}

func (f *fixture) mock(t *testing.T, ctrl *gomock.Controller, name string, settings provider.Settings) *providertest.MockProvider {
	t.Helper()
	p := providertest.NewMockProvider(ctrl)
	p.EXPECT().Name().Return(name).AnyTimes()
	require.NoError(t, f.registry.Register(p, settings))
	return p
}

func key(t *testing.T, kind core.Kind, symbol string) core.ResourceKey {
	t.Helper()
	k, err := core.NewResourceKey(kind, symbol, "")
	require.NoError(t, err)
	return k
}

func priced(k core.ResourceKey, price float64) *core.Record {
	rec := core.EmptyRecord(k)
	rec.Price = core.Float(price)
	return &rec
}

func TestResolve_FreshCacheSkipsProviders(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, nil)
	f.mock(t, ctrl, "a", provider.Settings{}) // no Supports or Fetch expected

	k := key(t, core.KindQuote, "AAPL")
	f.cache.Set(k.String(), *priced(k, 190), time.Minute)

	res, err := f.resolver().Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, SourceCacheFresh, res.Source)
	assert.Equal(t, 190.0, *res.Record.Price)

	st, err := f.quota.State(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, st.CallCount)
}

func TestResolve_ProviderSuccessIsCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, nil)
	a := f.mock(t, ctrl, "a", provider.Settings{TTL: map[core.Kind]time.Duration{core.KindQuote: 10 * time.Minute}})

	k := key(t, core.KindQuote, "MSFT")
	a.EXPECT().Supports(core.KindQuote).Return(true)
	a.EXPECT().Fetch(gomock.Any(), k).Return(priced(k, 410), nil).Times(1)

	r := f.resolver()
	res, err := r.Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, ProviderSource("a"), res.Source)
	assert.Equal(t, "a", res.Source.Provider())
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, OutcomeOK, res.Attempts[0].Outcome)

	e, ok := f.cache.Get(k.String())
	require.True(t, ok)
	assert.Equal(t, "a", e.Source)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), e.ExpiresAt)

	res, err = r.Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, SourceCacheFresh, res.Source)
}

func TestResolve_StaleBeatsEmpty(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, nil)
	a := f.mock(t, ctrl, "a", provider.Settings{})
	b := f.mock(t, ctrl, "b", provider.Settings{})

	k := key(t, core.KindQuote, "KO")
	f.cache.Set(k.String(), *priced(k, 60), time.Minute, cache.WithSource("a"))
	fetchedAt := f.clock.Now()
	f.clock.Advance(time.Hour)

	a.EXPECT().Supports(core.KindQuote).Return(true)
	a.EXPECT().Fetch(gomock.Any(), k).Return(nil, provider.Errorf("a", provider.Transient, "timeout"))
	b.EXPECT().Supports(core.KindQuote).Return(true)
	b.EXPECT().Fetch(gomock.Any(), k).Return(nil, provider.Errorf("b", provider.RateLimited, "429"))

	res, err := f.resolver().Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, SourceCacheStale, res.Source)
	assert.Equal(t, 60.0, *res.Record.Price)
	assert.Equal(t, fetchedAt, res.FetchedAt)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, "transient", res.Attempts[0].Outcome)
	assert.Equal(t, "rate_limited", res.Attempts[1].Outcome)
}

func TestResolve_EmptyWhenNothingKnown(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, nil)
	a := f.mock(t, ctrl, "a", provider.Settings{})

	k := key(t, core.KindDividends, "BRK-B")
	a.EXPECT().Supports(core.KindDividends).Return(true)
	a.EXPECT().Fetch(gomock.Any(), k).Return(nil, provider.Errorf("a", provider.NoData, "no dividends"))

	res, err := f.resolver().Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, SourceEmpty, res.Source)
	assert.True(t, res.Record.IsEmpty())
	assert.Equal(t, "BRK-B", res.Record.Symbol)
	assert.Zero(t, f.cache.Len())
}

func TestResolve_BudgetExhaustedFallsToNextProvider(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, map[string]quota.Policy{"a": {Budget: 1}})
	a := f.mock(t, ctrl, "a", provider.Settings{})
	b := f.mock(t, ctrl, "b", provider.Settings{})

	x, y := key(t, core.KindQuote, "X"), key(t, core.KindQuote, "Y")
	a.EXPECT().Supports(core.KindQuote).Return(true).Times(2)
	a.EXPECT().Fetch(gomock.Any(), x).Return(priced(x, 1), nil).Times(1)
	b.EXPECT().Supports(core.KindQuote).Return(true).Times(1)
	b.EXPECT().Fetch(gomock.Any(), y).Return(priced(y, 2), nil).Times(1)

	r := f.resolver()
	res, err := r.Resolve(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, ProviderSource("a"), res.Source)

	res, err = r.Resolve(context.Background(), y)
	require.NoError(t, err)
	assert.Equal(t, ProviderSource("b"), res.Source)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, OutcomeQuotaDenied, res.Attempts[0].Outcome)
	assert.Equal(t, string(quota.ReasonBudgetExhausted), res.Attempts[0].Reason)

	st, err := f.quota.State(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, st.CallCount)
}

func TestResolve_FailedCallDoesNotBurnBudget(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, map[string]quota.Policy{"a": {Budget: 1}})
	a := f.mock(t, ctrl, "a", provider.Settings{})

	k := key(t, core.KindQuote, "IBM")
	a.EXPECT().Supports(core.KindQuote).Return(true)
	a.EXPECT().Fetch(gomock.Any(), k).Return(nil, provider.Errorf("a", provider.NotFound, "404"))

	_, err := f.resolver().Resolve(context.Background(), k)
	require.NoError(t, err)

	st, err := f.quota.State(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, st.CallCount)
}

func TestResolve_ChargedProviderPaysBeforeDispatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, map[string]quota.Policy{"av": {Budget: 1}})
	av := f.mock(t, ctrl, "av", provider.Settings{ChargeFailedCalls: true})

	ibm, ko := key(t, core.KindQuote, "IBM"), key(t, core.KindQuote, "KO")
	av.EXPECT().Supports(core.KindQuote).Return(true).Times(2)
	av.EXPECT().Fetch(gomock.Any(), ibm).Return(nil, provider.Errorf("av", provider.Transient, "timeout")).Times(1)

	r := f.resolver()
	res, err := r.Resolve(context.Background(), ibm)
	require.NoError(t, err)
	assert.Equal(t, SourceEmpty, res.Source)

	st, err := f.quota.State(context.Background(), "av")
	require.NoError(t, err)
	assert.Equal(t, 1, st.CallCount, "the failed call still counts")

	res, err = r.Resolve(context.Background(), ko)
	require.NoError(t, err)
	assert.Equal(t, SourceEmpty, res.Source)
	assert.Equal(t, OutcomeQuotaDenied, res.Attempts[0].Outcome)
}

func TestResolve_DedupeSkipsRepeatFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, map[string]quota.Policy{"a": {Budget: 10, Dedupe: true}})
	a := f.mock(t, ctrl, "a", provider.Settings{TTL: map[core.Kind]time.Duration{core.KindQuote: time.Minute}})
	b := f.mock(t, ctrl, "b", provider.Settings{})

	k := key(t, core.KindQuote, "T")
	a.EXPECT().Supports(core.KindQuote).Return(true).Times(2)
	a.EXPECT().Fetch(gomock.Any(), k).Return(priced(k, 17), nil).Times(1)
	b.EXPECT().Supports(core.KindQuote).Return(true).Times(1)
	b.EXPECT().Fetch(gomock.Any(), k).Return(priced(k, 18), nil).Times(1)

	r := f.resolver()
	_, err := r.Resolve(context.Background(), k)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	res, err := r.Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, ProviderSource("b"), res.Source)
	assert.Equal(t, string(quota.ReasonAlreadyFetchedToday), res.Attempts[0].Reason)
}

func TestResolve_ForbiddenStartsCooldown(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, nil)
	a := f.mock(t, ctrl, "a", provider.Settings{})
	b := f.mock(t, ctrl, "b", provider.Settings{})

	x, y, z := key(t, core.KindQuote, "X"), key(t, core.KindQuote, "Y"), key(t, core.KindQuote, "Z")
	a.EXPECT().Supports(core.KindQuote).Return(true).Times(3)
	a.EXPECT().Fetch(gomock.Any(), x).Return(nil, provider.Errorf("a", provider.Forbidden, "plan tier"))
	a.EXPECT().Fetch(gomock.Any(), z).Return(priced(z, 3), nil)
	b.EXPECT().Supports(core.KindQuote).Return(true).Times(2)
	b.EXPECT().Fetch(gomock.Any(), x).Return(priced(x, 1), nil)
	b.EXPECT().Fetch(gomock.Any(), y).Return(priced(y, 2), nil)

	r := f.resolver(WithForbiddenCooldown(15 * time.Minute))

	res, err := r.Resolve(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, ProviderSource("b"), res.Source)
	assert.Contains(t, r.Cooldowns(), "a")

	res, err = r.Resolve(context.Background(), y)
	require.NoError(t, err)
	assert.Equal(t, ProviderSource("b"), res.Source)
	assert.Equal(t, OutcomeCooldown, res.Attempts[0].Outcome)

	f.clock.Advance(16 * time.Minute)
	assert.Empty(t, r.Cooldowns())
	res, err = r.Resolve(context.Background(), z)
	require.NoError(t, err)
	assert.Equal(t, ProviderSource("a"), res.Source)
}

func TestResolve_UnsupportedKindSkipsWithoutQuota(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, map[string]quota.Policy{"a": {Budget: 1}})
	a := f.mock(t, ctrl, "a", provider.Settings{})
	b := f.mock(t, ctrl, "b", provider.Settings{})

	k := key(t, core.KindHistory, "SPY")
	a.EXPECT().Supports(core.KindHistory).Return(false)
	b.EXPECT().Supports(core.KindHistory).Return(true)
	b.EXPECT().Fetch(gomock.Any(), k).Return(priced(k, 500), nil)

	res, err := f.resolver().Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, ProviderSource("b"), res.Source)
	assert.Equal(t, OutcomeUnsupported, res.Attempts[0].Outcome)

	st, err := f.quota.State(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, st.SeenKeys)
}

func TestResolve_CancelledResultIsNotCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, nil)
	a := f.mock(t, ctrl, "a", provider.Settings{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k := key(t, core.KindQuote, "NVDA")
	a.EXPECT().Supports(core.KindQuote).Return(true)
	a.EXPECT().Fetch(gomock.Any(), k).DoAndReturn(func(ctx context.Context, k core.ResourceKey) (*core.Record, error) {
		cancel()
		return priced(k, 900), nil
	})

	_, err := f.resolver(WithSingleFlight(false)).Resolve(ctx, k)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.cache.Len())
}

func TestResolve_ConcurrentMissesNeverOverspend(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, map[string]quota.Policy{"a": {Budget: 1}})
	a := f.mock(t, ctrl, "a", provider.Settings{})

	var upstream atomic.Int32
	a.EXPECT().Supports(core.KindQuote).Return(true).AnyTimes()
	a.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, k core.ResourceKey) (*core.Record, error) {
		upstream.Add(1)
		time.Sleep(20 * time.Millisecond)
		return priced(k, 10), nil
	}).AnyTimes()

	r := f.resolver()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), key(t, core.KindQuote, fmt.Sprintf("S%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, upstream.Load(), int32(1))
	st, err := f.quota.State(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, st.CallCount)
}

func TestResolve_ChargedFailureDoesNotBlockKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, map[string]quota.Policy{"av": {Budget: 5, Dedupe: true}})
	av := f.mock(t, ctrl, "av", provider.Settings{ChargeFailedCalls: true})

	k := key(t, core.KindDividends, "KO")
	av.EXPECT().Supports(core.KindDividends).Return(true).Times(2)
	gomock.InOrder(
		av.EXPECT().Fetch(gomock.Any(), k).Return(nil, provider.Errorf("av", provider.Transient, "timeout")),
		av.EXPECT().Fetch(gomock.Any(), k).Return(priced(k, 1), nil),
	)

	r := f.resolver()
	res, err := r.Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, SourceEmpty, res.Source)

	res, err = r.Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, ProviderSource("av"), res.Source, "the same symbol is retried after a failure")

	st, err := f.quota.State(context.Background(), "av")
	require.NoError(t, err)
	assert.Equal(t, 2, st.CallCount, "both calls were billed")
}

// blockUntilDone answers only when the walk gives up.
func blockUntilDone(ctx context.Context, k core.ResourceKey) (*core.Record, error) {
	<-ctx.Done()
	return nil, provider.Errorf("a", provider.Transient, "%v", ctx.Err())
}

func TestResolve_WalkTimeoutServesStale(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, map[string]quota.Policy{"a": {Budget: 3}})
	a := f.mock(t, ctrl, "a", provider.Settings{})

	k := key(t, core.KindQuote, "AAPL")
	f.cache.Set(k.String(), *priced(k, 190), time.Minute, cache.WithSource("earlier"))
	f.clock.Advance(2 * time.Minute)

	a.EXPECT().Supports(core.KindQuote).Return(true)
	a.EXPECT().Fetch(gomock.Any(), k).DoAndReturn(blockUntilDone)

	res, err := f.resolver(WithWalkTimeout(50*time.Millisecond)).Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, SourceCacheStale, res.Source)
	assert.Equal(t, 190.0, *res.Record.Price)

	e, freshness := f.cache.GetAllowingStale(k.String())
	assert.Equal(t, cache.Stale, freshness, "nothing is cached on timeout")
	assert.Equal(t, "earlier", e.Source)

	st, err := f.quota.State(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, st.CallCount, "the abandoned call is refunded")
}

func TestResolve_CallerDeadlineDegrades(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, nil)
	a := f.mock(t, ctrl, "a", provider.Settings{})

	k := key(t, core.KindQuote, "TSLA")
	a.EXPECT().Supports(core.KindQuote).Return(true)
	a.EXPECT().Fetch(gomock.Any(), k).DoAndReturn(blockUntilDone)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := f.resolver().Resolve(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, SourceEmpty, res.Source)
	assert.Zero(t, f.cache.Len())
}

func TestResolve_SingleFlightCollapsesMisses(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, nil)
	a := f.mock(t, ctrl, "a", provider.Settings{TTL: map[core.Kind]time.Duration{core.KindQuote: time.Minute}})

	k := key(t, core.KindQuote, "AMZN")
	release := make(chan struct{})
	a.EXPECT().Supports(core.KindQuote).Return(true).Times(1)
	a.EXPECT().Fetch(gomock.Any(), k).DoAndReturn(func(ctx context.Context, k core.ResourceKey) (*core.Record, error) {
		<-release
		return priced(k, 180), nil
	}).Times(1)

	r := f.resolver(WithSingleFlight(true))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), k)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res.Record.Price)
		assert.Equal(t, 180.0, *res.Record.Price)
	}
}

type brokenTracker struct{ quota.Tracker }

func (brokenTracker) RecordCall(context.Context, string, string) (quota.Decision, error) {
	return quota.Decision{}, errors.New("connection refused")
}

func TestResolve_QuotaBackendDownSkipsProvider(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, nil)
	f.quota = brokenTracker{}
	a := f.mock(t, ctrl, "a", provider.Settings{})

	k := key(t, core.KindQuote, "GE")
	a.EXPECT().Supports(core.KindQuote).Return(true)

	res, err := f.resolver().Resolve(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, SourceEmpty, res.Source)
	assert.Equal(t, OutcomeQuotaError, res.Attempts[0].Outcome)
}

func TestSource(t *testing.T) {
	assert.True(t, ProviderSource("yahoo").IsProvider())
	assert.Equal(t, "yahoo", ProviderSource("yahoo").Provider())
	assert.False(t, SourceCacheStale.IsProvider())
	assert.Empty(t, SourceCacheStale.Provider())
	assert.Equal(t, "provider:yahoo", metricSource(ProviderSource("yahoo")))
}
