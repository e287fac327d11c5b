package grain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grainmesh/internal/directory"
	"grainmesh/internal/placement"
)

type counterGrain struct {
	id          Identity
	value       int
	busy        atomic.Int32
	overlap     *atomic.Int32
	activated   *atomic.Int32
	deactivated chan Reason
}

func (g *counterGrain) OnActivate(context.Context) error {
	g.activated.Add(1)
	return nil
}

func (g *counterGrain) OnDeactivate(_ context.Context, reason Reason) error {
	if g.deactivated != nil {
		g.deactivated <- reason
	}
	return nil
}

func (g *counterGrain) add(n int) int {
	if g.busy.Add(1) > 1 {
		g.overlap.Add(1)
	}
	time.Sleep(time.Millisecond)
	g.value += n
	g.busy.Add(-1)
	return g.value
}

type harness struct {
	rt          *Runtime
	activated   atomic.Int32
	overlap     atomic.Int32
	deactivated chan Reason
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{deactivated: make(chan Reason, 16)}
	h.rt = NewRuntime(cfg)
	h.rt.Register("counter", func(id Identity, _ Ref) (any, error) {
		return &counterGrain{
			id:          id,
			overlap:     &h.overlap,
			activated:   &h.activated,
			deactivated: h.deactivated,
		}, nil
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.rt.Shutdown(ctx)
	})
	return h
}

func add(ctx context.Context, ref Ref, n int) (int, error) {
	return Invoke(ctx, ref, "Add", n, func(_ context.Context, g *counterGrain) (int, error) {
		return g.add(n), nil
	})
}

func TestTurnsAreSerialized(t *testing.T) {
	h := newHarness(t, Config{})
	ref := h.rt.Ref("counter", "a")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := add(t.Context(), ref, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := add(t.Context(), ref, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, got)
	assert.Equal(t, int32(0), h.overlap.Load())
	assert.Equal(t, int32(1), h.activated.Load(), "concurrent first calls share one activation")
}

func TestDistinctGrainsRunIndependently(t *testing.T) {
	h := newHarness(t, Config{})

	a, err := add(t.Context(), h.rt.Ref("counter", "a"), 2)
	require.NoError(t, err)
	b, err := add(t.Context(), h.rt.Ref("counter", "b"), 5)
	require.NoError(t, err)

	assert.Equal(t, 2, a)
	assert.Equal(t, 5, b)
	assert.Len(t, h.rt.Activations(), 2)
}

func TestUnknownKind(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.rt.Ref("missing", "x").Call(t.Context(), "Any", nil, func(context.Context, any) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPlacementFailures(t *testing.T) {
	t.Run("no compatible node", func(t *testing.T) {
		h := newHarness(t, Config{
			Node:  placement.Node{ID: "n1", Kinds: []string{"other"}},
			Nodes: placement.StaticNodes{{ID: "n1", Kinds: []string{"other"}}},
		})
		_, err := add(t.Context(), h.rt.Ref("counter", "a"), 1)
		require.ErrorIs(t, err, placement.ErrNoNode)
		assert.True(t, placement.IsRetryable(err))
	})

	t.Run("remote node", func(t *testing.T) {
		h := newHarness(t, Config{
			Node:  placement.Node{ID: "n1"},
			Nodes: placement.StaticNodes{{ID: "n2"}},
		})
		_, err := add(t.Context(), h.rt.Ref("counter", "a"), 1)
		var remote *RemotePlacementError
		require.True(t, errors.As(err, &remote))
		assert.Equal(t, "n2", remote.Node)
	})

	t.Run("owned elsewhere", func(t *testing.T) {
		dir := directory.NewMemory()
		_, err := dir.Claim(t.Context(), "counter/a", "n9")
		require.NoError(t, err)

		h := newHarness(t, Config{Node: placement.Node{ID: "n1"}, Directory: dir})
		_, err = add(t.Context(), h.rt.Ref("counter", "a"), 1)
		var remote *RemotePlacementError
		require.True(t, errors.As(err, &remote))
		assert.Equal(t, "n9", remote.Node)
	})
}

func TestDeactivateRunsHookAndReactivates(t *testing.T) {
	dir := directory.NewMemory()
	h := newHarness(t, Config{Directory: dir})
	ref := h.rt.Ref("counter", "a")

	_, err := add(t.Context(), ref, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, dir.Len())

	require.NoError(t, h.rt.Deactivate(t.Context(), ref.Identity()))
	assert.Equal(t, ReasonExplicit, <-h.deactivated)
	assert.False(t, h.rt.IsActive(ref.Identity()))
	assert.Equal(t, 0, dir.Len())

	got, err := add(t.Context(), ref, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got, "fresh activation starts from new state")
	assert.Equal(t, int32(2), h.activated.Load())
}

func TestCollectIdle(t *testing.T) {
	h := newHarness(t, Config{CollectionAge: 10 * time.Millisecond})
	ref := h.rt.Ref("counter", "idle")

	_, err := add(t.Context(), ref, 1)
	require.NoError(t, err)

	assert.Equal(t, 0, h.rt.CollectIdle(t.Context()))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.rt.CollectIdle(t.Context()))
	assert.Equal(t, ReasonIdle, <-h.deactivated)
	assert.Empty(t, h.rt.Activations())
}

func TestShutdownDeactivatesAll(t *testing.T) {
	h := newHarness(t, Config{})
	for _, key := range []string{"a", "b", "c"} {
		_, err := add(t.Context(), h.rt.Ref("counter", key), 1)
		require.NoError(t, err)
	}

	require.NoError(t, h.rt.Shutdown(t.Context()))
	for i := 0; i < 3; i++ {
		assert.Equal(t, ReasonShutdown, <-h.deactivated)
	}

	_, err := add(t.Context(), h.rt.Ref("counter", "a"), 1)
	assert.ErrorIs(t, err, ErrRuntimeClosed)
}

func TestTryTellNeverActivates(t *testing.T) {
	h := newHarness(t, Config{})
	ref := h.rt.Ref("counter", "a")

	err := ref.TryTell("Add", 1, func(_ context.Context, g any) error {
		g.(*counterGrain).add(1)
		return nil
	})
	assert.ErrorIs(t, err, ErrNotActive)
	assert.False(t, h.rt.IsActive(ref.Identity()))

	_, err = add(t.Context(), ref, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, ref.TryTell("Add", 1, func(_ context.Context, g any) error {
		g.(*counterGrain).add(1)
		close(done)
		return nil
	}))
	<-done

	got, err := add(t.Context(), ref, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestInterceptorsWrapTurns(t *testing.T) {
	h := newHarness(t, Config{})

	var calls []string
	var mu sync.Mutex
	h.rt.Use(func(ctx context.Context, call CallInfo, next Invoker) (any, error) {
		mu.Lock()
		calls = append(calls, call.Identity.String()+"."+call.Method)
		mu.Unlock()
		return next(ctx)
	})

	_, err := add(t.Context(), h.rt.Ref("counter", "a"), 1)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"counter/a.Add"}, calls)
}

func TestPanickingTurnReturnsError(t *testing.T) {
	h := newHarness(t, Config{})
	ref := h.rt.Ref("counter", "a")

	_, err := Invoke(t.Context(), ref, "Boom", nil, func(context.Context, *counterGrain) (int, error) {
		panic("boom")
	})
	require.ErrorIs(t, err, ErrTurnPanicked)

	got, err := add(t.Context(), ref, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, got, "activation survives a panicking turn")
}

func TestReentrantCallRejected(t *testing.T) {
	h := newHarness(t, Config{})
	ref := h.rt.Ref("counter", "a")

	_, err := Invoke(t.Context(), ref, "Outer", nil, func(ctx context.Context, _ *counterGrain) (int, error) {
		return add(ctx, ref, 1)
	})
	assert.ErrorIs(t, err, ErrReentrantCall)
}

func TestCallerErrorPropagates(t *testing.T) {
	h := newHarness(t, Config{})
	sentinel := errors.New("handler failed")

	_, err := Invoke(t.Context(), h.rt.Ref("counter", "a"), "Fail", nil, func(context.Context, *counterGrain) (int, error) {
		return 0, sentinel
	})
	assert.Same(t, sentinel, err)
}
