package command

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"grainmesh/internal/analysis"
	"grainmesh/internal/grain"
	"grainmesh/internal/market"
	"grainmesh/internal/stream"
)

const (
	Kind = "command"
	Key  = "command"

	// startGrace bounds how long a cached start may wait for the analysis actor to pick it up.
	startGrace = 10 * time.Second
)

const (
	MethodGetTradingPairs    = "GetTradingPairs"
	MethodStartAnalysis      = "StartAnalysis"
	MethodStopAnalysis       = "StopAnalysis"
	MethodGetRunningAnalysis = "GetRunningAnalysis"
	MethodGetAnalysisDetails = "GetAnalysisDetails"
)

var InstrumentedMethods = []string{
	MethodGetTradingPairs,
	MethodStartAnalysis,
	MethodStopAnalysis,
	MethodGetRunningAnalysis,
	MethodGetAnalysisDetails,
}

// PairFilter selects trading pairs. Empty fields match everything.
type PairFilter struct {
	Types      []market.PairType `json:"types,omitempty"`
	ActiveOnly bool              `json:"activeOnly"`
	BaseAsset  string            `json:"baseAsset,omitempty"`
	QuoteAsset string            `json:"quoteAsset,omitempty"`
}

func (f PairFilter) match(p market.TradingPair) bool {
	if f.ActiveOnly && !p.IsActive {
		return false
	}
	if f.BaseAsset != "" && !strings.EqualFold(p.BaseAsset, f.BaseAsset) {
		return false
	}
	if f.QuoteAsset != "" && !strings.EqualFold(p.QuoteAsset, f.QuoteAsset) {
		return false
	}
	return true
}

type Deps struct {
	Producer *stream.Producer
	Market   market.Source
}

// Actor is the single entry point for user commands. It keeps the set of analyses it
// has started; the set is refreshed from the analysis actors on every listing.
type Actor struct {
	deps   Deps
	active map[string]analysis.Info
}

func NewFactory(deps Deps) grain.Factory {
	return func(grain.Identity, grain.Ref) (any, error) {
		return &Actor{deps: deps, active: make(map[string]analysis.Info)}, nil
	}
}

func (a *Actor) OnActivate(context.Context) error {
	logs.Info("command actor activated")
	return nil
}

func (a *Actor) GetTradingPairs(ctx context.Context, filter PairFilter) ([]market.TradingPair, error) {
	types := filter.Types
	if len(types) == 0 {
		types = market.DefaultPairTypes
	}

	results := make([][]market.TradingPair, len(types))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, t := range types {
		eg.Go(func() error {
			results[i] = a.deps.Market.GetTradingPairs(egCtx, t)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make([]market.TradingPair, 0)
	for _, pairs := range results {
		for _, p := range pairs {
			if filter.match(p) {
				out = append(out, p)
			}
		}
	}
	slices.SortFunc(out, func(x, y market.TradingPair) int {
		if x.Type != y.Type {
			return int(x.Type) - int(y.Type)
		}
		return strings.Compare(x.Symbol, y.Symbol)
	})

	logs.Infof("trading pairs listed, types: %v, found: %d", types, len(out))
	return out, nil
}

// StartAnalysis initializes the analysis of the pair and enqueues its start. The result is
// the enqueue outcome; the start itself completes asynchronously.
func (a *Actor) StartAnalysis(ctx context.Context, symbol string, t market.PairType, requester uuid.UUID) bool {
	pairKey := market.PairKey(symbol, t)
	c := analysis.Get(a.deps.Producer, pairKey)

	if err := c.Initialize(ctx, symbol, t); err != nil {
		logs.Errorf("initialize analysis, pair: %s, err: %+v", pairKey, err)
		return false
	}
	ok, err := c.StartAnalysis(ctx, requester)
	if err != nil {
		logs.Errorf("start analysis, pair: %s, err: %+v", pairKey, err)
		return false
	}
	if !ok {
		return false
	}

	a.active[pairKey] = analysis.Info{
		PairKey:   pairKey,
		Symbol:    strings.ToUpper(symbol),
		Type:      t,
		Status:    analysis.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	logs.Infof("analysis added to active list, pair: %s", pairKey)
	return true
}

func (a *Actor) StopAnalysis(ctx context.Context, pairKey string, requester uuid.UUID) bool {
	ok, err := analysis.Get(a.deps.Producer, pairKey).StopAnalysis(ctx, requester)
	if err != nil {
		logs.Errorf("stop analysis, pair: %s, err: %+v", pairKey, err)
		return false
	}
	if !ok {
		return false
	}

	if _, found := a.active[pairKey]; found {
		delete(a.active, pairKey)
		logs.Infof("analysis removed from active list, pair: %s", pairKey)
	}
	return true
}

// GetRunningAnalysis re-reads every cached analysis and prunes those that stopped or
// could not be read.
func (a *Actor) GetRunningAnalysis(ctx context.Context) []analysis.Info {
	out := make([]analysis.Info, 0, len(a.active))
	for key := range a.active {
		info, err := analysis.Get(a.deps.Producer, key).GetAnalysisInfo(ctx)
		if err != nil {
			logs.Warnf("read analysis info failed, removing from active list, pair: %s, err: %+v", key, err)
			delete(a.active, key)
			continue
		}
		if info.Status == analysis.StatusStopped {
			if cached := a.active[key]; startPending(cached, info) {
				out = append(out, cached)
				continue
			}
			logs.Infof("stopped analysis removed from active list, pair: %s", key)
			delete(a.active, key)
			continue
		}
		a.active[key] = info
		out = append(out, info)
	}

	slices.SortFunc(out, func(x, y analysis.Info) int {
		return strings.Compare(x.PairKey, y.PairKey)
	})
	return out
}

// startPending reports whether the actor has not yet handled the start that was cached.
func startPending(cached, current analysis.Info) bool {
	return current.StartedAt.Before(cached.StartedAt) && time.Since(cached.StartedAt) < startGrace
}

func (a *Actor) GetAnalysisDetails(ctx context.Context, pairKey string, from, to time.Time) analysis.Details {
	d, err := analysis.Get(a.deps.Producer, pairKey).GetAnalysisDetails(ctx, from, to)
	if err != nil {
		logs.Errorf("read analysis details, pair: %s, err: %+v", pairKey, err)
		return analysis.EmptyDetails(pairKey, from, to)
	}
	return d
}
