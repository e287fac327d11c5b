package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"grainmesh/internal/bus"
	"grainmesh/pkg/exception"
)

const defaultBufferSize = 1024

var ErrProviderClosed = errors.New("stream: provider closed")

// Handler consumes one stream item. Items are envelopes published through this package.
type Handler func(ctx context.Context, item any) error

// Provider is an in-memory stream provider. Every stream owns one bounded queue and
// one delivery goroutine, so items reach subscribers in publish order. Handler errors
// are logged and the item is not redelivered. A stream is dropped, and its goroutine
// stopped, once it has no subscriber and nothing queued.
type Provider struct {
	ctx    context.Context
	cancel context.CancelFunc
	size   int

	mu      sync.Mutex
	streams map[StreamID]*channel
	closed  bool
	wg      sync.WaitGroup
}

type channel struct {
	id    StreamID
	p     *Provider
	queue *bus.Queue[any]

	mu   sync.RWMutex
	subs []*Subscription
}

// Subscription is a live handler attached to one stream.
type Subscription struct {
	ch      *channel
	handler Handler
	active  atomic.Bool
}

func NewProvider(bufferSize int) *Provider {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		ctx:     ctx,
		cancel:  cancel,
		size:    bufferSize,
		streams: make(map[StreamID]*channel),
	}
}

// Publish appends item to the stream, waiting for room until ctx is done.
func (p *Provider) Publish(ctx context.Context, id StreamID, item any) error {
	return p.publish(id, func(q *bus.Queue[any]) error {
		return q.Publish(ctx, item)
	})
}

// TryPublish appends item without blocking. bus.ErrQueueFull reports a full stream.
func (p *Provider) TryPublish(id StreamID, item any) error {
	return p.publish(id, func(q *bus.Queue[any]) error {
		return q.TryPublish(item)
	})
}

// publish retries on a fresh stream when the one it picked was reclaimed meanwhile.
// Once the provider is closed channel reports ErrProviderClosed.
func (p *Provider) publish(id StreamID, put func(q *bus.Queue[any]) error) error {
	for {
		ch, err := p.channel(id)
		if err != nil {
			return err
		}
		err = put(ch.queue)
		if !errors.Is(err, bus.ErrQueueClosed) {
			return err
		}
	}
}

// Subscribe attaches handler to the stream.
func (p *Provider) Subscribe(id StreamID, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "subscribe: nil handler").With("stream", id.String())
	}

	p.mu.Lock()
	ch, err := p.channelLocked(id)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	sub := &Subscription{ch: ch, handler: handler}
	sub.active.Store(true)

	ch.mu.Lock()
	ch.subs = append(ch.subs, sub)
	ch.mu.Unlock()
	p.mu.Unlock()

	logs.Debugf("stream subscribed, stream: %s", id)
	return sub, nil
}

// SubscribeBroadcast attaches handler to the broadcast topic.
func (p *Provider) SubscribeBroadcast(handler Handler) (*Subscription, error) {
	return p.Subscribe(BroadcastStreamID, handler)
}

// Subscribers returns the number of live subscriptions on the stream.
func (p *Provider) Subscribers(id StreamID) int {
	p.mu.Lock()
	ch, ok := p.streams[id]
	p.mu.Unlock()
	if !ok {
		return 0
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subs)
}

// Streams returns the number of streams currently held.
func (p *Provider) Streams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Close stops every delivery goroutine. Queued items are discarded.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	streams := make([]*channel, 0, len(p.streams))
	for _, ch := range p.streams {
		streams = append(streams, ch)
	}
	p.mu.Unlock()

	p.cancel()
	for _, ch := range streams {
		ch.queue.Close()
	}
	p.wg.Wait()
}

func (p *Provider) channel(id StreamID) (*channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelLocked(id)
}

func (p *Provider) channelLocked(id StreamID) (*channel, error) {
	if p.closed {
		return nil, ErrProviderClosed
	}
	if ch, ok := p.streams[id]; ok {
		return ch, nil
	}

	ch := &channel{id: id, p: p, queue: bus.NewQueue[any](p.size)}
	p.streams[id] = ch

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ch.queue.Run(p.ctx, func(item any) {
			ch.deliver(p.ctx, item)
			if ch.idle() {
				p.reclaim(ch)
			}
		})
		if p.ctx.Err() != nil {
			return
		}
		// items accepted while the stream was being reclaimed move to its successor
		ch.queue.Drain(func(item any) {
			if err := p.TryPublish(ch.id, item); err != nil {
				logs.Errorf("requeue stream item, stream: %s, err: %+v", ch.id, err)
			}
		})
	}()
	return ch, nil
}

// reclaim drops ch when it has no subscriber and nothing queued. Closing the queue
// ends its delivery goroutine.
func (p *Provider) reclaim(ch *channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.streams[ch.id] != ch || !ch.idle() {
		return
	}
	delete(p.streams, ch.id)
	ch.queue.Close()
	logs.Debugf("stream reclaimed, stream: %s", ch.id)
}

func (ch *channel) idle() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subs) == 0 && ch.queue.Len() == 0
}

func (ch *channel) deliver(ctx context.Context, item any) {
	ch.mu.RLock()
	subs := make([]*Subscription, len(ch.subs))
	copy(subs, ch.subs)
	ch.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if err := sub.handler(ctx, item); err != nil {
			logs.Errorf("deliver stream item, stream: %s, err: %+v", ch.id, err)
		}
	}
}

// Stream returns the stream the subscription is attached to.
func (s *Subscription) Stream() StreamID {
	return s.ch.id
}

// Unsubscribe detaches the handler. It reports false when it was already detached.
func (s *Subscription) Unsubscribe() bool {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return false
	}

	s.ch.mu.Lock()
	for i, sub := range s.ch.subs {
		if sub == s {
			s.ch.subs = append(s.ch.subs[:i], s.ch.subs[i+1:]...)
			break
		}
	}
	last := len(s.ch.subs) == 0
	s.ch.mu.Unlock()

	logs.Debugf("stream unsubscribed, stream: %s", s.ch.id)
	if last {
		s.ch.p.reclaim(s.ch)
	}
	return true
}
