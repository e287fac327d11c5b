package analysis

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grainmesh/internal/grain"
	"grainmesh/internal/market"
	"grainmesh/internal/stream"
)

// Client is a typed handle to the analysis actor of one pair.
type Client struct {
	ref grain.Ref
}

// Get returns the handle of the analysis actor at pairKey.
func Get(p *stream.Producer, pairKey string) Client {
	return Client{ref: p.GetGrain(Kind, pairKey)}
}

func (c Client) Ref() grain.Ref {
	return c.ref
}

func (c Client) Initialize(ctx context.Context, symbol string, t market.PairType) error {
	_, err := grain.Invoke(ctx, c.ref, MethodInitialize, market.PairKey(symbol, t), func(ctx context.Context, a *Actor) (struct{}, error) {
		return struct{}{}, a.Initialize(symbol, t)
	})
	return err
}

func (c Client) StartAnalysis(ctx context.Context, requester uuid.UUID) (bool, error) {
	return grain.Invoke(ctx, c.ref, MethodStartAnalysis, requester, func(ctx context.Context, a *Actor) (bool, error) {
		return a.StartAnalysis(requester), nil
	})
}

func (c Client) StopAnalysis(ctx context.Context, requester uuid.UUID) (bool, error) {
	return grain.Invoke(ctx, c.ref, MethodStopAnalysis, requester, func(ctx context.Context, a *Actor) (bool, error) {
		return a.StopAnalysis(requester), nil
	})
}

func (c Client) GetAnalysisInfo(ctx context.Context) (Info, error) {
	return grain.Invoke(ctx, c.ref, MethodGetAnalysisInfo, nil, func(ctx context.Context, a *Actor) (Info, error) {
		return a.GetAnalysisInfo(), nil
	})
}

func (c Client) GetAnalysisDetails(ctx context.Context, from, to time.Time) (Details, error) {
	return grain.Invoke(ctx, c.ref, MethodGetAnalysisDetails, [2]time.Time{from, to}, func(ctx context.Context, a *Actor) (Details, error) {
		return a.GetAnalysisDetails(from, to), nil
	})
}

func (c Client) GetMarketData(ctx context.Context) (market.MarketData, error) {
	return grain.Invoke(ctx, c.ref, MethodGetMarketData, nil, func(ctx context.Context, a *Actor) (market.MarketData, error) {
		return a.GetMarketData(ctx), nil
	})
}

func (c Client) IsAnalysisRunning(ctx context.Context) (bool, error) {
	return grain.Invoke(ctx, c.ref, MethodIsAnalysisRunning, nil, func(ctx context.Context, a *Actor) (bool, error) {
		return a.IsAnalysisRunning(), nil
	})
}

// GetLastUpdateTime returns the zero time when market data was never read.
func (c Client) GetLastUpdateTime(ctx context.Context) (time.Time, error) {
	return grain.Invoke(ctx, c.ref, MethodGetLastUpdateTime, nil, func(ctx context.Context, a *Actor) (time.Time, error) {
		at, _ := a.GetLastUpdateTime()
		return at, nil
	})
}
