package stream

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grainmesh/internal/grain"
)

type priceAlert struct {
	Symbol string
	Seq    int
}

type collector struct {
	mu    sync.Mutex
	items []any
	done  chan struct{}
	want  int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) handle(_ context.Context, item any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
	if len(c.items) == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []any {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for stream items")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.items...)
}

func newProducer(t *testing.T) *Producer {
	t.Helper()
	provider := NewProvider(64)
	t.Cleanup(provider.Close)
	return NewProducer(provider, grain.NewRuntime(grain.Config{}))
}

func TestNewEnvelope(t *testing.T) {
	owner := uuid.New()
	before := time.Now().UTC()
	env := NewEnvelope(owner, "m-1", priceAlert{Symbol: "BTCUSDT"})

	assert.Equal(t, owner, env.OwnerID)
	assert.Equal(t, "m-1", env.MessageID)
	assert.Equal(t, "BTCUSDT", env.Message.Symbol)
	assert.False(t, env.Timestamp.Before(before))
	assert.Equal(t, time.UTC, env.Timestamp.Location())
	assert.False(t, env.IsBroadcast())
	assert.True(t, NewEnvelope(uuid.Nil, "", 1).IsBroadcast())
}

func TestTypeNameAndChannelName(t *testing.T) {
	assert.Equal(t, "priceAlert", TypeName[priceAlert]())
	assert.Equal(t, "*stream.priceAlert", TypeName[*priceAlert]())

	id := StreamID{Namespace: TypeName[priceAlert](), Key: "k1"}
	assert.Equal(t, "priceAlertk1", id.ChannelName())
}

func TestSendKeepsOrderPerOwner(t *testing.T) {
	p := newProducer(t)
	owner := uuid.New()

	c := newCollector(100)
	_, err := p.Provider().Subscribe(StreamID{Namespace: TypeName[priceAlert](), Key: owner.String()}, c.handle)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, Send(t.Context(), p, owner, priceAlert{Symbol: "BTCUSDT", Seq: i}, ""))
	}

	items := c.wait(t)
	for i, item := range items {
		env, ok := item.(Envelope[priceAlert])
		require.True(t, ok)
		assert.Equal(t, i, env.Message.Seq)
		assert.Equal(t, owner, env.OwnerID)
	}
}

func TestSendIsolatesOwners(t *testing.T) {
	p := newProducer(t)
	a, b := uuid.New(), uuid.New()

	ca := newCollector(1)
	_, err := p.Provider().Subscribe(StreamID{Namespace: TypeName[priceAlert](), Key: a.String()}, ca.handle)
	require.NoError(t, err)

	require.NoError(t, Send(t.Context(), p, b, priceAlert{Seq: 99}, ""))
	require.NoError(t, Send(t.Context(), p, a, priceAlert{Seq: 1}, ""))

	items := ca.wait(t)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].(Envelope[priceAlert]).Message.Seq)
}

func TestSendBroadcastReachesEverySubscriber(t *testing.T) {
	p := newProducer(t)

	collectors := []*collector{newCollector(3), newCollector(3), newCollector(3)}
	for _, c := range collectors {
		_, err := p.Provider().SubscribeBroadcast(c.handle)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, SendBroadcast(t.Context(), p, priceAlert{Seq: i}, ""))
	}

	for _, c := range collectors {
		items := c.wait(t)
		require.Len(t, items, 3)
		for i, item := range items {
			env := item.(Envelope[priceAlert])
			assert.True(t, env.IsBroadcast())
			assert.Empty(t, env.MessageID)
			assert.Equal(t, i, env.Message.Seq)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	provider := NewProvider(8)
	defer provider.Close()
	id := StreamID{Namespace: "test", Key: "x"}

	gone := newCollector(1)
	sub, err := provider.Subscribe(id, gone.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.Subscribers(id))

	assert.True(t, sub.Unsubscribe())
	assert.False(t, sub.Unsubscribe())
	assert.Equal(t, 0, provider.Subscribers(id))

	kept := newCollector(1)
	_, err = provider.Subscribe(id, kept.handle)
	require.NoError(t, err)
	require.NoError(t, provider.Publish(t.Context(), id, "tick"))

	kept.wait(t)
	gone.mu.Lock()
	defer gone.mu.Unlock()
	assert.Empty(t, gone.items)
}

func TestIdleStreamsAreReclaimed(t *testing.T) {
	provider := NewProvider(8)
	defer provider.Close()
	before := runtime.NumGoroutine()

	for i := 0; i < 200; i++ {
		sub, err := provider.Subscribe(StreamID{Namespace: "session", Key: uuid.NewString()}, func(context.Context, any) error { return nil })
		require.NoError(t, err)
		require.True(t, sub.Unsubscribe())
	}

	assert.Equal(t, 0, provider.Streams())
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 10*time.Millisecond, "goroutines: %d, before: %d", runtime.NumGoroutine(), before)
}

func TestStreamWithoutSubscriberIsReclaimedAfterDelivery(t *testing.T) {
	provider := NewProvider(8)
	defer provider.Close()
	id := StreamID{Namespace: "test", Key: "orphan"}

	require.NoError(t, provider.Publish(t.Context(), id, "dropped"))
	assert.Eventually(t, func() bool {
		return provider.Streams() == 0
	}, 2*time.Second, 5*time.Millisecond)

	c := newCollector(1)
	_, err := provider.Subscribe(id, c.handle)
	require.NoError(t, err)
	require.NoError(t, provider.TryPublish(id, "kept"))
	assert.Equal(t, []any{"kept"}, c.wait(t))
	assert.Equal(t, 1, provider.Streams())
}

func TestStreamKeptWhileSubscribed(t *testing.T) {
	provider := NewProvider(8)
	defer provider.Close()
	id := StreamID{Namespace: "test", Key: "shared"}

	first, err := provider.Subscribe(id, func(context.Context, any) error { return nil })
	require.NoError(t, err)
	c := newCollector(1)
	_, err = provider.Subscribe(id, c.handle)
	require.NoError(t, err)

	require.True(t, first.Unsubscribe())
	assert.Equal(t, 1, provider.Streams())
	require.NoError(t, provider.Publish(t.Context(), id, 1))
	assert.Equal(t, []any{1}, c.wait(t))
}

func TestHandlerErrorDoesNotStopStream(t *testing.T) {
	provider := NewProvider(8)
	defer provider.Close()
	id := StreamID{Namespace: "test", Key: "err"}

	c := newCollector(2)
	_, err := provider.Subscribe(id, func(ctx context.Context, item any) error {
		_ = c.handle(ctx, item)
		return assert.AnError
	})
	require.NoError(t, err)

	require.NoError(t, provider.Publish(t.Context(), id, 1))
	require.NoError(t, provider.Publish(t.Context(), id, 2))
	assert.Equal(t, []any{1, 2}, c.wait(t))
}

func TestClosedProviderRejects(t *testing.T) {
	provider := NewProvider(8)
	provider.Close()
	provider.Close()

	err := provider.Publish(t.Context(), StreamID{Namespace: "x"}, 1)
	assert.ErrorIs(t, err, ErrProviderClosed)
	_, err = provider.Subscribe(StreamID{Namespace: "x"}, func(context.Context, any) error { return nil })
	assert.ErrorIs(t, err, ErrProviderClosed)
}

func TestGetGrainReturnsHandle(t *testing.T) {
	p := newProducer(t)
	ref := p.GetGrain("analysis", "BTCUSDT:Spot")
	assert.Equal(t, grain.Identity{Kind: "analysis", Key: "BTCUSDT:Spot"}, ref.Identity())
	assert.False(t, ref.IsZero())
}
