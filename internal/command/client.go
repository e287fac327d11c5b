package command

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grainmesh/internal/analysis"
	"grainmesh/internal/grain"
	"grainmesh/internal/market"
	"grainmesh/internal/stream"
)

// Client is a typed handle to the command actor.
type Client struct {
	ref grain.Ref
}

func Get(p *stream.Producer) Client {
	return Client{ref: p.GetGrain(Kind, Key)}
}

func (c Client) GetTradingPairs(ctx context.Context, filter PairFilter) ([]market.TradingPair, error) {
	return grain.Invoke(ctx, c.ref, MethodGetTradingPairs, filter, func(ctx context.Context, a *Actor) ([]market.TradingPair, error) {
		return a.GetTradingPairs(ctx, filter)
	})
}

func (c Client) StartAnalysis(ctx context.Context, symbol string, t market.PairType, requester uuid.UUID) (bool, error) {
	return grain.Invoke(ctx, c.ref, MethodStartAnalysis, market.PairKey(symbol, t), func(ctx context.Context, a *Actor) (bool, error) {
		return a.StartAnalysis(ctx, symbol, t, requester), nil
	})
}

func (c Client) StopAnalysis(ctx context.Context, pairKey string, requester uuid.UUID) (bool, error) {
	return grain.Invoke(ctx, c.ref, MethodStopAnalysis, pairKey, func(ctx context.Context, a *Actor) (bool, error) {
		return a.StopAnalysis(ctx, pairKey, requester), nil
	})
}

func (c Client) GetRunningAnalysis(ctx context.Context) ([]analysis.Info, error) {
	return grain.Invoke(ctx, c.ref, MethodGetRunningAnalysis, nil, func(ctx context.Context, a *Actor) ([]analysis.Info, error) {
		return a.GetRunningAnalysis(ctx), nil
	})
}

func (c Client) GetAnalysisDetails(ctx context.Context, pairKey string, from, to time.Time) (analysis.Details, error) {
	return grain.Invoke(ctx, c.ref, MethodGetAnalysisDetails, pairKey, func(ctx context.Context, a *Actor) (analysis.Details, error) {
		return a.GetAnalysisDetails(ctx, pairKey, from, to), nil
	})
}
