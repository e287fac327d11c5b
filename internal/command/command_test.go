package command

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grainmesh/internal/analysis"
	"grainmesh/internal/dispatch"
	"grainmesh/internal/feed"
	"grainmesh/internal/grain"
	"grainmesh/internal/market"
	"grainmesh/internal/obs"
	"grainmesh/internal/stream"
)

type fakeMarket struct {
	mu      sync.Mutex
	pairs   map[market.PairType][]market.TradingPair
	queried []market.PairType
}

func (m *fakeMarket) GetTradingPairs(_ context.Context, t market.PairType) []market.TradingPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queried = append(m.queried, t)
	return m.pairs[t]
}

func (m *fakeMarket) GetMarketData(context.Context, string, market.PairType) *market.MarketData {
	return nil
}

type acceptingFeed struct{}

func (acceptingFeed) EnsureConnected(context.Context) error { return nil }

func (acceptingFeed) Subscribe(context.Context, string, market.PairType, feed.TickHandler, feed.LostHandler) bool {
	return true
}

func (acceptingFeed) Unsubscribe(context.Context, string, market.PairType) bool { return true }

type env struct {
	rt       *grain.Runtime
	producer *stream.Producer
	market   *fakeMarket
	metrics  *obs.Metrics
}

func newEnv(t *testing.T, withAnalysis bool) *env {
	t.Helper()
	m, err := obs.NewMetrics(nil)
	require.NoError(t, err)

	e := &env{
		rt:      grain.NewRuntime(grain.Config{}),
		market:  &fakeMarket{pairs: make(map[market.PairType][]market.TradingPair)},
		metrics: m,
	}
	provider := stream.NewProvider(64)
	e.producer = stream.NewProducer(provider, e.rt)
	in := dispatch.New(m, obs.NewTraceGenerator("command"))

	if withAnalysis {
		e.rt.Register(analysis.Kind, analysis.NewFactory(analysis.Deps{
			Producer:        e.producer,
			Feed:            acceptingFeed{},
			Market:          e.market,
			Instrumentation: in,
			Metrics:         m,
		}))
	}
	e.rt.Register(Kind, NewFactory(Deps{Producer: e.producer, Market: e.market}))
	e.rt.Use(in.Interceptor(append(slices.Clone(analysis.InstrumentedMethods), InstrumentedMethods...)...))

	t.Cleanup(func() {
		_ = e.rt.Shutdown(context.Background())
		provider.Close()
	})
	return e
}

func pair(symbol string, t market.PairType, active bool) market.TradingPair {
	base, quote := market.SplitSymbol(symbol)
	return market.TradingPair{Symbol: symbol, BaseAsset: base, QuoteAsset: quote, Type: t, IsActive: active}
}

func symbols(pairs []market.TradingPair) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, market.PairKey(p.Symbol, p.Type))
	}
	return out
}

func TestGetTradingPairs(t *testing.T) {
	e := newEnv(t, false)
	e.market.pairs[market.Spot] = []market.TradingPair{
		pair("ETHUSDT", market.Spot, true),
		pair("BTCUSDT", market.Spot, true),
		pair("BTCUSDC", market.Spot, false),
	}
	e.market.pairs[market.LinearFutures] = []market.TradingPair{pair("BTCUSDT", market.LinearFutures, true)}
	e.market.pairs[market.InverseFutures] = []market.TradingPair{pair("BTCUSD", market.InverseFutures, true)}
	c := Get(e.producer)

	cases := []struct {
		name   string
		filter PairFilter
		want   []string
	}{
		{
			name: "default types sorted by type then symbol",
			want: []string{"BTCUSDC:Spot", "BTCUSDT:Spot", "ETHUSDT:Spot", "BTCUSDT:LinearFutures"},
		},
		{
			name:   "active only",
			filter: PairFilter{ActiveOnly: true},
			want:   []string{"BTCUSDT:Spot", "ETHUSDT:Spot", "BTCUSDT:LinearFutures"},
		},
		{
			name:   "assets match case-insensitively",
			filter: PairFilter{BaseAsset: "btc", QuoteAsset: "Usdt"},
			want:   []string{"BTCUSDT:Spot", "BTCUSDT:LinearFutures"},
		},
		{
			name:   "explicit type",
			filter: PairFilter{Types: []market.PairType{market.InverseFutures}},
			want:   []string{"BTCUSD:InverseFutures"},
		},
		{
			name:   "no match",
			filter: PairFilter{BaseAsset: "DOGE"},
			want:   []string{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.GetTradingPairs(t.Context(), tc.filter)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tc.want, symbols(got))
		})
	}

	e.market.mu.Lock()
	defer e.market.mu.Unlock()
	assert.ElementsMatch(t, []market.PairType{market.Spot, market.LinearFutures, market.Option}, e.market.queried[:3])
}

func TestStartListStop(t *testing.T) {
	e := newEnv(t, true)
	c := Get(e.producer)

	ok, err := c.StartAnalysis(t.Context(), "BTCUSDT", market.Spot, uuid.Nil)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.StartAnalysis(t.Context(), "ETHUSDT", market.LinearFutures, uuid.Nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		running, err := c.GetRunningAnalysis(context.Background())
		if err != nil || len(running) != 2 {
			return false
		}
		return running[0].Status == analysis.StatusRunning && running[1].Status == analysis.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	running, err := c.GetRunningAnalysis(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT:Spot", running[0].PairKey)
	assert.Equal(t, "ETHUSDT:LinearFutures", running[1].PairKey)

	ok, err = c.StopAnalysis(t.Context(), "BTCUSDT:Spot", uuid.Nil)
	require.NoError(t, err)
	require.True(t, ok)

	running, err = c.GetRunningAnalysis(t.Context())
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "ETHUSDT:LinearFutures", running[0].PairKey)
	assert.Equal(t, uint64(1), e.metrics.Snapshot().Count(MethodStopAnalysis, obs.ResultSuccess))
}

func TestRunningListPrunesStoppedActors(t *testing.T) {
	e := newEnv(t, true)
	c := Get(e.producer)

	ok, err := c.StartAnalysis(t.Context(), "BTCUSDT", market.Spot, uuid.Nil)
	require.NoError(t, err)
	require.True(t, ok)

	pa := analysis.Get(e.producer, "BTCUSDT:Spot")
	require.Eventually(t, func() bool {
		running, err := pa.IsAnalysisRunning(context.Background())
		return err == nil && running
	}, 2*time.Second, 5*time.Millisecond)

	_, err = pa.StopAnalysis(t.Context(), uuid.Nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		running, err := c.GetRunningAnalysis(context.Background())
		return err == nil && len(running) == 0
	}, 2*time.Second, 5*time.Millisecond)

	cmd := e.rt.Ref(Kind, Key)
	size, err := grain.Invoke(t.Context(), cmd, "inspect", nil, func(_ context.Context, a *Actor) (int, error) {
		return len(a.active), nil
	})
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestPendingStartIsKept(t *testing.T) {
	cached := analysis.Info{Status: analysis.StatusRunning, StartedAt: time.Now().UTC()}

	assert.True(t, startPending(cached, analysis.Info{Status: analysis.StatusStopped}))
	assert.False(t, startPending(cached, analysis.Info{Status: analysis.StatusStopped, StartedAt: cached.StartedAt.Add(time.Millisecond)}))

	stale := analysis.Info{StartedAt: time.Now().Add(-time.Minute)}
	assert.False(t, startPending(stale, analysis.Info{Status: analysis.StatusStopped}))
}

func TestFailuresDegrade(t *testing.T) {
	e := newEnv(t, false)
	c := Get(e.producer)

	ok, err := c.StartAnalysis(t.Context(), "BTCUSDT", market.Spot, uuid.Nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.StopAnalysis(t.Context(), "BTCUSDT:Spot", uuid.Nil)
	require.NoError(t, err)
	assert.False(t, ok)

	from, to := time.Now().Add(-time.Hour).UTC(), time.Now().UTC()
	d, err := c.GetAnalysisDetails(t.Context(), "BTCUSDT:Spot", from, to)
	require.NoError(t, err)
	assert.Equal(t, analysis.EmptyDetails("BTCUSDT:Spot", from, to), d)

	running, err := c.GetRunningAnalysis(t.Context())
	require.NoError(t, err)
	assert.Empty(t, running)
}
