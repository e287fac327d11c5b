package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"grainmesh/internal/dispatch"
	"grainmesh/internal/feed"
	"grainmesh/internal/grain"
	"grainmesh/internal/market"
	"grainmesh/internal/obs"
	"grainmesh/internal/stream"
)

const (
	Kind             = "analysis"
	CommandNamespace = "analysis-commands"

	publishTimeout = time.Second
)

// Grain methods, used as interceptor filters and in logs.
const (
	MethodInitialize         = "Initialize"
	MethodStartAnalysis      = "StartAnalysis"
	MethodStopAnalysis       = "StopAnalysis"
	MethodGetAnalysisInfo    = "GetAnalysisInfo"
	MethodGetAnalysisDetails = "GetAnalysisDetails"
	MethodGetMarketData      = "GetMarketData"
	MethodIsAnalysisRunning  = "IsAnalysisRunning"
	MethodGetLastUpdateTime  = "GetLastUpdateTime"
	MethodHandleCommand      = "HandleCommand"
	MethodOnTick             = "OnTick"
)

// InstrumentedMethods are the calls wrapped by the dispatch interceptor. Commands are
// instrumented by their stream handler instead.
var InstrumentedMethods = []string{
	MethodInitialize,
	MethodStartAnalysis,
	MethodStopAnalysis,
	MethodGetAnalysisInfo,
	MethodGetAnalysisDetails,
	MethodGetMarketData,
	MethodIsAnalysisRunning,
	MethodGetLastUpdateTime,
}

var (
	ErrKeyMismatch    = errors.New("analysis: pair does not match actor key")
	ErrUnknownCommand = errors.New("analysis: unknown command")
)

// Feed is the real-time ticker connection shared by every analysis.
type Feed interface {
	EnsureConnected(ctx context.Context) error
	Subscribe(ctx context.Context, symbol string, t market.PairType, onTick feed.TickHandler, onLost feed.LostHandler) bool
	Unsubscribe(ctx context.Context, symbol string, t market.PairType) bool
}

type Deps struct {
	Producer        *stream.Producer
	Feed            Feed
	Market          market.Source
	Instrumentation *dispatch.Instrumentation
	Metrics         *obs.Metrics
	HistorySize     int
}

// Info is the read-only projection of an analysis.
type Info struct {
	PairKey             string           `json:"pairKey"`
	Symbol              string           `json:"symbol"`
	Type                market.PairType  `json:"type"`
	Status              Status           `json:"status"`
	StartedAt           time.Time        `json:"startedAt"`
	LastUpdateAt        *time.Time       `json:"lastUpdateAt,omitempty"`
	DataPointsCollected int              `json:"dataPointsCollected"`
	CurrentPrice        *decimal.Decimal `json:"currentPrice,omitempty"`
	PriceChangePercent  *decimal.Decimal `json:"priceChangePercent,omitempty"`
	ErrorMessage        string           `json:"errorMessage,omitempty"`
}

// Details summarises the ticks collected over a time range.
type Details struct {
	PairKey      string             `json:"pairKey"`
	From         time.Time          `json:"from"`
	To           time.Time          `json:"to"`
	Ticks        []market.PriceTick `json:"ticks"`
	TickCount    int                `json:"tickCount"`
	MinPrice     decimal.Decimal    `json:"minPrice"`
	MaxPrice     decimal.Decimal    `json:"maxPrice"`
	AveragePrice decimal.Decimal    `json:"averagePrice"`
	TotalVolume  decimal.Decimal    `json:"totalVolume"`
}

// EmptyDetails is returned when the details of a pair cannot be read.
func EmptyDetails(pairKey string, from, to time.Time) Details {
	return Details{PairKey: pairKey, From: from, To: to, Ticks: []market.PriceTick{}}
}

// Actor analyses one trading pair. Its state is only touched inside grain turns.
type Actor struct {
	id   grain.Identity
	self grain.Ref
	deps Deps

	symbol      string
	typ         market.PairType
	initialized bool

	status    Status
	startedAt time.Time
	errMsg    string
	history   *History

	cachedMarket *market.MarketData
	lastUpdate   time.Time

	commands   *stream.Subscription
	onCommands stream.Handler
}

// NewFactory builds analysis actors keyed by "{symbol}:{type}".
func NewFactory(deps Deps) grain.Factory {
	return func(id grain.Identity, self grain.Ref) (any, error) {
		a := &Actor{
			id:      id,
			self:    self,
			deps:    deps,
			history: NewHistory(deps.HistorySize),
		}
		if symbol, t, err := market.ParsePairKey(id.Key); err == nil {
			a.symbol, a.typ, a.initialized = symbol, t, true
		}
		a.onCommands = dispatch.StreamHandler(deps.Instrumentation, id.Key, a.handleCommand)
		return a, nil
	}
}

func commandStream(pairKey string) stream.StreamID {
	return stream.StreamID{Namespace: CommandNamespace, Key: pairKey}
}

func (a *Actor) OnActivate(ctx context.Context) error {
	self := a.self
	sub, err := a.deps.Producer.Provider().Subscribe(commandStream(a.id.Key), func(ctx context.Context, item any) error {
		_, err := self.Call(ctx, MethodHandleCommand, item, func(ctx context.Context, g any) (any, error) {
			return nil, g.(*Actor).onCommands(ctx, item)
		})
		return err
	})
	if err != nil {
		return errors.Wrap(err, "subscribe command stream").With("pair", a.id.Key)
	}
	a.commands = sub
	logs.Infof("analysis activated, pair: %s", a.id.Key)
	return nil
}

func (a *Actor) OnDeactivate(ctx context.Context, reason grain.Reason) error {
	if a.status != StatusStopped {
		a.stop(ctx)
	}
	a.commands.Unsubscribe()
	a.commands = nil
	logs.Infof("analysis deactivated, pair: %s, reason: %s, status: %s", a.id.Key, reason, a.status)
	return nil
}

// Initialize binds the actor to a pair. The pair must match the actor key.
func (a *Actor) Initialize(symbol string, t market.PairType) error {
	if market.PairKey(symbol, t) != a.id.Key {
		return errors.Wrap(ErrKeyMismatch, "initialize").With("pair", market.PairKey(symbol, t)).With("key", a.id.Key)
	}
	a.symbol, a.typ, a.initialized = strings.ToUpper(symbol), t, true
	logs.Infof("analysis initialized, symbol: %s, type: %s", a.symbol, t)
	return nil
}

// StartAnalysis enqueues a start command. The result is the enqueue outcome only.
func (a *Actor) StartAnalysis(requester uuid.UUID) bool {
	if !a.initialized {
		logs.Warnf("cannot start analysis, pair not initialized, key: %s", a.id.Key)
		return false
	}
	return a.post(requester, NewStartAnalysis(a.symbol, a.typ))
}

// StopAnalysis enqueues a stop command. The result is the enqueue outcome only.
func (a *Actor) StopAnalysis(requester uuid.UUID) bool {
	return a.post(requester, NewStopAnalysis(a.id.Key))
}

func (a *Actor) post(requester uuid.UUID, cmd Command) bool {
	return postCommand(a.deps.Producer, a.id.Key, requester, cmd)
}

// postCommand never blocks: the command stream is drained by turns of the actor.
func postCommand(producer *stream.Producer, pairKey string, requester uuid.UUID, cmd Command) bool {
	env := stream.NewEnvelope(requester, cmd.CommandID().String(), cmd)
	if err := producer.Provider().TryPublish(commandStream(pairKey), env); err != nil {
		logs.Errorf("post command, pair: %s, kind: %s, err: %+v", pairKey, cmd.Kind(), err)
		return false
	}
	logs.Infof("command posted, pair: %s, kind: %s, id: %s", pairKey, cmd.Kind(), cmd.CommandID())
	return true
}

func (a *Actor) handleCommand(ctx context.Context, env stream.Envelope[Command]) error {
	var err error
	switch cmd := env.Message.(type) {
	case StartAnalysis:
		err = a.start(ctx, cmd)
	case StopAnalysis:
		a.stop(ctx)
	case FeedLost:
		a.feedLost(ctx, cmd)
	default:
		err = errors.Wrap(ErrUnknownCommand, "handle command").With("type", fmt.Sprintf("%T", env.Message))
	}

	if env.OwnerID != uuid.Nil && env.Message != nil {
		a.notifyRequester(ctx, env, err)
	}
	return err
}

func (a *Actor) start(ctx context.Context, cmd StartAnalysis) error {
	switch a.status {
	case StatusRunning:
		logs.Infof("analysis already running, pair: %s", a.id.Key)
		return nil
	case StatusError:
		logs.Warnf("analysis in error, stop it before starting again, pair: %s, error: %s", a.id.Key, a.errMsg)
		return nil
	}

	if !a.initialized {
		a.symbol, a.typ, a.initialized = cmd.Symbol, cmd.Type, true
	}

	a.transition(ctx, StatusStarting, "")
	a.startedAt = time.Now().UTC()
	a.history.Reset()

	if err := a.deps.Feed.EnsureConnected(ctx); err != nil {
		a.transition(ctx, StatusError, "feed connect failed: "+err.Error())
		return errors.Wrap(err, "start analysis").With("pair", a.id.Key)
	}

	self, metrics, producer, pairKey := a.self, a.deps.Metrics, a.deps.Producer, a.id.Key
	onTick := func(tick market.PriceTick) {
		postTick(self, metrics, tick)
	}
	onLost := func(reason string) {
		postCommand(producer, pairKey, uuid.Nil, NewFeedLost(pairKey, reason))
	}
	if !a.deps.Feed.Subscribe(ctx, a.symbol, a.typ, onTick, onLost) {
		a.transition(ctx, StatusError, "feed subscription rejected")
		return nil
	}

	a.transition(ctx, StatusRunning, "")
	return nil
}

func (a *Actor) stop(ctx context.Context) {
	if a.status == StatusStopped {
		logs.Infof("analysis not running, pair: %s", a.id.Key)
		return
	}

	a.transition(ctx, StatusStopping, "")
	if a.initialized && !a.deps.Feed.Unsubscribe(ctx, a.symbol, a.typ) {
		logs.Warnf("feed unsubscribe not confirmed, pair: %s", a.id.Key)
	}
	a.transition(ctx, StatusStopped, "")
}

// feedLost fails the analysis it was raised for. A loss reported before the current run
// started belongs to an earlier subscription and is ignored.
func (a *Actor) feedLost(ctx context.Context, cmd FeedLost) {
	if a.status != StatusRunning || cmd.CreatedAt().Before(a.startedAt) {
		logs.Infof("stale feed loss ignored, pair: %s, status: %s, reason: %s", a.id.Key, a.status, cmd.Reason)
		return
	}
	a.transition(ctx, StatusError, "feed subscription lost: "+cmd.Reason)
}

func postTick(self grain.Ref, metrics *obs.Metrics, tick market.PriceTick) {
	err := self.TryTell(MethodOnTick, tick, func(ctx context.Context, g any) error {
		g.(*Actor).acceptTick(tick)
		return nil
	})
	if err != nil {
		metrics.IncQueueDrop()
		logs.Debugf("tick dropped, grain: %s, err: %+v", self.Identity(), err)
	}
}

func (a *Actor) acceptTick(tick market.PriceTick) {
	if a.status != StatusRunning {
		return
	}
	if last, ok := a.history.Last(); ok && tick.Timestamp.Before(last.Timestamp) {
		logs.Debugf("stale tick dropped, pair: %s, ts: %s, last: %s", a.id.Key, tick.Timestamp, last.Timestamp)
		return
	}
	a.history.Append(tick)
}

func (a *Actor) transition(ctx context.Context, to Status, msg string) {
	from := a.status
	if !CanTransition(from, to) {
		err := errors.Wrap(ErrInvalidTransition, "transition").With("from", from.String()).With("to", to.String())
		logs.Errorf("change analysis status, pair: %s, err: %+v", a.id.Key, err)
		return
	}

	a.status = to
	switch to {
	case StatusError:
		a.errMsg = msg
		logs.Errorf("analysis failed, pair: %s, from: %s, error: %s", a.id.Key, from, msg)
	case StatusStarting, StatusStopped:
		a.errMsg = ""
	}
	logs.Infof("analysis status changed, pair: %s, from: %s, to: %s", a.id.Key, from, to)

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := stream.SendBroadcast(ctx, a.deps.Producer, StatusChanged{
		PairKey: a.id.Key,
		Symbol:  a.symbol,
		Type:    a.typ,
		From:    from,
		To:      to,
		Error:   a.errMsg,
		At:      time.Now().UTC(),
	}, ""); err != nil {
		logs.Errorf("broadcast status change, pair: %s, err: %+v", a.id.Key, err)
	}
}

func (a *Actor) notifyRequester(ctx context.Context, env stream.Envelope[Command], cause error) {
	done := CommandCompleted{
		CommandID: env.Message.CommandID(),
		Kind:      env.Message.Kind(),
		PairKey:   a.id.Key,
		Status:    a.status,
		At:        time.Now().UTC(),
	}
	switch {
	case cause != nil:
		done.Error = cause.Error()
	case env.Message.Kind() == KindStartAnalysis:
		done.Success = a.status == StatusRunning
		done.Error = a.errMsg
	default:
		done.Success = a.status == StatusStopped
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := stream.Send(ctx, a.deps.Producer, env.OwnerID, done, env.MessageID); err != nil {
		logs.Errorf("notify requester, pair: %s, requester: %s, err: %+v", a.id.Key, env.OwnerID, err)
	}
}

func (a *Actor) Status() Status {
	return a.status
}

func (a *Actor) GetAnalysisInfo() Info {
	info := Info{
		PairKey:             a.id.Key,
		Symbol:              a.symbol,
		Type:                a.typ,
		Status:              a.status,
		StartedAt:           a.startedAt,
		DataPointsCollected: a.history.Len(),
		ErrorMessage:        a.errMsg,
	}
	if last, ok := a.history.Last(); ok {
		ts, price, pct := last.Timestamp, last.Price, last.PriceChangePercent24h
		info.LastUpdateAt = &ts
		info.CurrentPrice = &price
		info.PriceChangePercent = &pct
	}
	return info
}

// GetAnalysisDetails summarises the ticks with from <= timestamp <= to.
func (a *Actor) GetAnalysisDetails(from, to time.Time) Details {
	d := EmptyDetails(a.id.Key, from, to)
	ticks := a.history.Range(from, to)
	if len(ticks) == 0 {
		return d
	}

	d.Ticks = ticks
	d.TickCount = len(ticks)
	d.MinPrice, d.MaxPrice = ticks[0].Price, ticks[0].Price
	sum := decimal.Zero
	for _, t := range ticks {
		if t.Price.LessThan(d.MinPrice) {
			d.MinPrice = t.Price
		}
		if t.Price.GreaterThan(d.MaxPrice) {
			d.MaxPrice = t.Price
		}
		sum = sum.Add(t.Price)
		d.TotalVolume = d.TotalVolume.Add(t.Volume)
	}
	d.AveragePrice = sum.Div(decimal.NewFromInt(int64(len(ticks))))
	return d
}

// GetMarketData reads the live ticker, falling back to the last good read and then
// to an empty record.
func (a *Actor) GetMarketData(ctx context.Context) market.MarketData {
	if !a.initialized {
		logs.Warnf("market data requested before initialize, key: %s", a.id.Key)
		return a.emptyMarketData()
	}

	if a.deps.Market != nil {
		if d := a.deps.Market.GetMarketData(ctx, a.symbol, a.typ); d != nil {
			a.cachedMarket = d
			a.lastUpdate = time.Now().UTC()
			return *d
		}
		logs.Warnf("market data unavailable, pair: %s, cached: %t", a.id.Key, a.cachedMarket != nil)
	}

	if a.cachedMarket != nil {
		return *a.cachedMarket
	}
	return a.emptyMarketData()
}

func (a *Actor) emptyMarketData() market.MarketData {
	base, quote := market.SplitSymbol(a.symbol)
	return market.MarketData{
		Symbol:         a.symbol,
		Type:           a.typ,
		BaseAsset:      base,
		QuoteAsset:     quote,
		IsActive:       a.initialized,
		LastUpdateTime: a.lastUpdate,
	}
}

func (a *Actor) IsAnalysisRunning() bool {
	return a.status == StatusRunning
}

// GetLastUpdateTime returns when market data was last read successfully.
func (a *Actor) GetLastUpdateTime() (time.Time, bool) {
	return a.lastUpdate, !a.lastUpdate.IsZero()
}
