package feed

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"grainmesh/internal/market"
	"grainmesh/internal/obs"
)

const (
	DefaultHealthInterval = 30 * time.Second
	DefaultPingInterval   = 20 * time.Second
	defaultMaxAttempts    = 5
)

// Source is the connection the manager keeps alive.
type Source interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Ping(ctx context.Context) error
	Subscribe(ctx context.Context, symbol string, t market.PairType, onTick TickHandler, onLost LostHandler) bool
	Unsubscribe(ctx context.Context, symbol string, t market.PairType) bool
	Close()
}

type ManagerConfig struct {
	HealthInterval time.Duration
	PingInterval   time.Duration
	MaxAttempts    int
	Backoff        Backoff
}

// Manager owns the process-wide feed: it connects at start, checks health on an
// interval, reconnects with backoff and closes the feed on shutdown.
type Manager struct {
	source  Source
	cfg     ManagerConfig
	metrics *obs.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	reconnects chan struct{}
}

func NewManager(source Source, cfg ManagerConfig, metrics *obs.Metrics) *Manager {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff.Max <= 0 || cfg.Backoff.Max > cfg.HealthInterval {
		cfg.Backoff.Max = cfg.HealthInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		source:     source,
		cfg:        cfg,
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
		reconnects: make(chan struct{}, 1),
	}
}

// Run blocks until ctx is done, then closes the feed.
func (m *Manager) Run(ctx context.Context) error {
	defer func() {
		m.cancel()
		m.source.Close()
		logs.Info("feed manager stopped")
	}()

	logs.Infof("feed manager started, health: %s, ping: %s", m.cfg.HealthInterval, m.cfg.PingInterval)
	m.reconnect(ctx, false)

	health := time.NewTicker(m.cfg.HealthInterval)
	defer health.Stop()
	ping := time.NewTicker(m.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sys.Shutdown():
			return nil
		case <-health.C:
			if !m.source.IsConnected() {
				logs.Warn("feed connection lost, reconnecting")
				m.reconnect(ctx, true)
			}
		case <-m.reconnects:
			if !m.source.IsConnected() {
				m.reconnect(ctx, true)
			}
		case <-ping.C:
			if !m.source.IsConnected() {
				continue
			}
			if err := m.source.Ping(ctx); err != nil {
				logs.Warnf("feed heartbeat failed, reconnecting, err: %+v", err)
				m.reconnect(ctx, true)
			}
		}
	}
}

// EnsureConnected connects the feed when it is down.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.source.IsConnected() {
		return nil
	}
	if m.ctx.Err() != nil {
		return errors.Wrap(ErrNotConnected, "feed manager stopped")
	}
	if err := m.source.Connect(m.ctx); err != nil {
		select {
		case m.reconnects <- struct{}{}:
		default:
		}
		return errors.Wrap(err, "ensure feed connected")
	}
	return nil
}

func (m *Manager) IsConnected() bool {
	return m.source.IsConnected()
}

func (m *Manager) Subscribe(ctx context.Context, symbol string, t market.PairType, onTick TickHandler, onLost LostHandler) bool {
	return m.source.Subscribe(ctx, symbol, t, onTick, onLost)
}

func (m *Manager) Unsubscribe(ctx context.Context, symbol string, t market.PairType) bool {
	return m.source.Unsubscribe(ctx, symbol, t)
}

func (m *Manager) reconnect(ctx context.Context, counted bool) bool {
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		err := m.source.Connect(m.ctx)
		if err == nil {
			if counted {
				m.metrics.IncFeedReconnect()
				logs.Infof("feed connection restored, attempt: %d", attempt)
			}
			return true
		}

		wait := m.cfg.Backoff.Next(attempt)
		logs.Errorf("connect feed, attempt: %d, retry in: %s, err: %+v", attempt, wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}

	logs.Errorf("feed still disconnected after %d attempts, waiting for next health check", m.cfg.MaxAttempts)
	return false
}
