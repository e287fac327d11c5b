package feed

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"grainmesh/internal/market"
	"grainmesh/pkg/exception"
)

const (
	DefaultBaseURL    = "wss://stream.bybit.com/v5/public"
	defaultAckTimeout = 10 * time.Second
)

var ErrNotConnected = exception.ErrNotConnected

// TickHandler receives ticks of one subscribed pair.
type TickHandler func(tick market.PriceTick)

// LostHandler is called once when the exchange stops confirming a subscription. The local
// subscription is already removed when it runs.
type LostHandler func(reason string)

type listener struct {
	onTick TickHandler
	onLost LostHandler
}

type Config struct {
	BaseURL    string
	Categories []market.PairType
	AckTimeout time.Duration
}

type topicKey struct {
	category string
	topic    string
}

type session struct {
	category string
	conn     Conn
	done     <-chan struct{}
}

// Client is the Bybit public ticker feed. It keeps one session per category and
// re-sends live subscriptions after every Connect.
type Client struct {
	baseURL    string
	categories []string
	ackTimeout time.Duration
	dial       Dialer
	seq        atomic.Uint64

	connMu sync.Mutex

	mu        sync.RWMutex
	sessions  map[string]*session
	handlers  map[topicKey]*listener
	snapshots map[topicKey]tickerData
	connected bool
}

func NewClient(cfg Config, dial Dialer) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = market.DefaultPairTypes
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if dial == nil {
		dial = DialWebSocket
	}

	seen := make(map[string]struct{}, len(cfg.Categories))
	categories := make([]string, 0, len(cfg.Categories))
	for _, t := range cfg.Categories {
		cat := t.Category()
		if _, ok := seen[cat]; ok {
			continue
		}
		seen[cat] = struct{}{}
		categories = append(categories, cat)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		categories: categories,
		ackTimeout: cfg.AckTimeout,
		dial:       dial,
		sessions:   make(map[string]*session),
		handlers:   make(map[topicKey]*listener),
		snapshots:  make(map[topicKey]tickerData),
	}
}

// Connect replaces every session with a fresh one and re-subscribes live topics.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.dropSessions()

	opened := make(map[string]*session, len(c.categories))
	for _, cat := range c.categories {
		url := c.baseURL + "/" + cat
		conn := c.dial(ctx, url)
		if err := conn.Start(ctx); err != nil {
			conn.Close()
			for _, s := range opened {
				s.conn.Close()
			}
			return errors.Wrap(err, "connect feed").With("url", url)
		}

		s := &session{category: cat, conn: conn}
		s.done = conn.Observe(ctx, func(f Frame) {
			c.onFrame(cat, f)
		})
		opened[cat] = s
	}

	c.mu.Lock()
	c.sessions = opened
	c.connected = true
	live := make(map[topicKey]*listener, len(c.handlers))
	for key, l := range c.handlers {
		live[key] = l
	}
	c.mu.Unlock()

	for _, s := range opened {
		go c.watch(s)
	}

	resubscribed := 0
	for key, l := range live {
		reason := "no session for category"
		if s := opened[key.category]; s != nil {
			ack, err := c.request(ctx, s, "subscribe", key.topic)
			if err == nil && ack.Acked() {
				resubscribed++
				continue
			}
			reason = "resubscribe rejected: " + ack.RetMsg
			if err != nil {
				reason = "resubscribe failed: " + err.Error()
			}
		}
		logs.Errorf("resubscribe ticker, topic: %s, category: %s, reason: %s", key.topic, key.category, reason)
		c.drop(key, l, reason)
	}

	logs.Infof("feed connected, categories: %v, resubscribed: %d, lost: %d", c.categories, resubscribed, len(live)-resubscribed)
	return nil
}

// drop removes l if it is still the listener of key and reports the loss to it.
func (c *Client) drop(key topicKey, l *listener, reason string) {
	c.mu.Lock()
	if c.handlers[key] != l {
		c.mu.Unlock()
		return
	}
	delete(c.handlers, key)
	delete(c.snapshots, key)
	c.mu.Unlock()

	if l.onLost != nil {
		l.onLost(reason)
	}
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && len(c.sessions) != 0
}

// Subscribe registers onTick for the pair and waits for the exchange ack. onLost may be nil.
func (c *Client) Subscribe(ctx context.Context, symbol string, t market.PairType, onTick TickHandler, onLost LostHandler) bool {
	key := topicKey{category: t.Category(), topic: tickerTopic(symbol)}

	c.mu.Lock()
	s := c.sessions[key.category]
	if !c.connected || s == nil {
		c.mu.Unlock()
		logs.Warnf("feed not connected, cannot subscribe, symbol: %s, type: %s", symbol, t)
		return false
	}
	c.handlers[key] = &listener{onTick: onTick, onLost: onLost}
	c.mu.Unlock()

	ack, err := c.request(ctx, s, "subscribe", key.topic)
	if err != nil || !ack.Acked() {
		c.mu.Lock()
		delete(c.handlers, key)
		c.mu.Unlock()
		logs.Errorf("subscribe ticker, symbol: %s, type: %s, ack: %s, err: %+v", symbol, t, ack.RetMsg, err)
		return false
	}

	logs.Infof("ticker subscribed, symbol: %s, type: %s, topic: %s", symbol, t, key.topic)
	return true
}

// Unsubscribe always drops the local handler. Without a connection it returns true
// and sends nothing.
func (c *Client) Unsubscribe(ctx context.Context, symbol string, t market.PairType) bool {
	key := topicKey{category: t.Category(), topic: tickerTopic(symbol)}

	c.mu.Lock()
	delete(c.handlers, key)
	delete(c.snapshots, key)
	s := c.sessions[key.category]
	connected := c.connected && s != nil
	c.mu.Unlock()

	if !connected {
		logs.Warnf("feed not connected, removed local subscription, symbol: %s, type: %s", symbol, t)
		return true
	}

	ack, err := c.request(ctx, s, "unsubscribe", key.topic)
	if err != nil {
		logs.Errorf("unsubscribe ticker, symbol: %s, type: %s, err: %+v", symbol, t, err)
		return false
	}
	if !ack.Acked() {
		logs.Warnf("unsubscribe ticker rejected, symbol: %s, type: %s, ack: %s", symbol, t, ack.RetMsg)
		return false
	}

	logs.Infof("ticker unsubscribed, symbol: %s, type: %s", symbol, t)
	return true
}

// Ping sends a heartbeat on every session.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	connected := c.connected
	c.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}
	for _, s := range sessions {
		ack, err := c.request(ctx, s, "ping")
		if err != nil {
			return errors.Wrap(err, "ping").With("category", s.category)
		}
		if !ack.Acked() {
			return errors.Wrap(exception.ErrInResponseError, "ping rejected").With("category", s.category).With("msg", ack.RetMsg)
		}
	}
	return nil
}

// Subscriptions returns the number of topics with a local handler.
func (c *Client) Subscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Close ends every session and forgets all subscriptions.
func (c *Client) Close() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.dropSessions()

	c.mu.Lock()
	c.handlers = make(map[topicKey]*listener)
	c.snapshots = make(map[topicKey]tickerData)
	c.mu.Unlock()

	logs.Info("feed closed")
}

func (c *Client) dropSessions() {
	c.mu.Lock()
	old := c.sessions
	c.sessions = make(map[string]*session)
	c.connected = false
	c.mu.Unlock()

	for _, s := range old {
		s.conn.Close()
	}
}

func (c *Client) watch(s *session) {
	<-s.done

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.category] != s {
		return
	}
	c.connected = false
	logs.Warnf("feed session closed, category: %s", s.category)
}

func (c *Client) request(ctx context.Context, s *session, op string, args ...string) (Frame, error) {
	select {
	case <-s.done:
		return Frame{}, errors.Wrap(exception.ErrConnectionClose, op).With("category", s.category)
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	req := Request{
		ReqID: strconv.FormatUint(c.seq.Add(1), 10),
		Op:    op,
		Args:  args,
	}
	return s.conn.Request(ctx, req)
}

func (c *Client) onFrame(category string, f Frame) {
	if f.Topic == "" || len(f.Data) == 0 {
		return
	}
	key := topicKey{category: category, topic: f.Topic}

	data, err := decodeTicker(f.Data)
	if err != nil {
		logs.Errorf("parse ticker, topic: %s, err: %+v", f.Topic, err)
		return
	}

	c.mu.Lock()
	l, ok := c.handlers[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	if f.Type == "delta" {
		data = c.snapshots[key].merge(data)
	}
	c.snapshots[key] = data
	c.mu.Unlock()

	l.onTick(data.tick(symbolFromTopic(f.Topic), f.Ts))
}
