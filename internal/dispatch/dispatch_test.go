package dispatch

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/logs"

	"grainmesh/internal/grain"
	"grainmesh/internal/obs"
	"grainmesh/internal/stream"
	"grainmesh/pkg/exception"
)

type tickReceived struct {
	Price string
}

type orderFilled struct {
	ID int
}

func newInstrumentation(t *testing.T) (*Instrumentation, *obs.Metrics) {
	t.Helper()
	m, err := obs.NewMetrics(nil)
	require.NoError(t, err)
	return New(m, obs.NewTraceGenerator("test")), m
}

func TestInvokeRecordsSuccess(t *testing.T) {
	in, m := newInstrumentation(t)

	var inFlight int64
	err := in.Invoke(t.Context(), Info{Key: "BTCUSDT:Spot", MessageType: "tickReceived"}, func(context.Context) error {
		inFlight = m.Snapshot().InFlight
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), inFlight)
	snap := m.Snapshot()
	assert.Equal(t, int64(0), snap.InFlight)
	assert.Equal(t, uint64(1), snap.Count("tickReceived", obs.ResultSuccess))
	assert.Equal(t, uint64(0), snap.Count("tickReceived", obs.ResultException))
}

func TestInvokeLogsPayloadOnEntryAndExit(t *testing.T) {
	prev := logs.Default()
	var buf bytes.Buffer
	logs.SetDefault(logs.New(logs.LevelDebug, &logs.Option{Format: logs.FormatText, Output: &buf}))
	t.Cleanup(func() { logs.SetDefault(prev) })

	in, _ := newInstrumentation(t)
	err := in.Invoke(t.Context(), Info{Key: "BTCUSDT:Spot", MessageType: "orderFilled", Payload: orderFilled{ID: 42}}, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "message received")
	assert.Contains(t, out, "message handled")
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("payload: {ID:42}")), out)
}

func TestInvokePropagatesErrorUnchanged(t *testing.T) {
	in, m := newInstrumentation(t)
	sentinel := errors.New("feed rejected")

	err := in.Invoke(t.Context(), Info{Key: "k", MessageType: "Start"}, func(context.Context) error {
		return sentinel
	})

	assert.Same(t, sentinel, err)
	assert.Equal(t, uint64(1), m.Snapshot().Count("Start", obs.ResultException))
	assert.Equal(t, int64(0), m.Snapshot().InFlight)
}

func TestInvokeRepanics(t *testing.T) {
	in, m := newInstrumentation(t)

	assert.PanicsWithValue(t, "boom", func() {
		_ = in.Invoke(t.Context(), Info{Key: "k", MessageType: "Stop"}, func(context.Context) error {
			panic("boom")
		})
	})
	assert.Equal(t, uint64(1), m.Snapshot().Count("Stop", obs.ResultException))
	assert.Equal(t, int64(0), m.Snapshot().InFlight)
}

func TestInvokeIsIdempotentWhenNested(t *testing.T) {
	in, m := newInstrumentation(t)
	info := Info{Key: "k", MessageType: "Start"}

	err := in.Invoke(t.Context(), info, func(ctx context.Context) error {
		return in.Invoke(ctx, info, func(context.Context) error { return nil })
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Snapshot().Count("Start", obs.ResultSuccess))

	err = in.Invoke(t.Context(), info, func(ctx context.Context) error {
		return in.Invoke(ctx, Info{Key: "k", MessageType: "Other"}, func(context.Context) error { return nil })
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.Snapshot().Count("Start", obs.ResultSuccess))
	assert.Equal(t, uint64(1), m.Snapshot().Count("Other", obs.ResultSuccess))
}

func TestInterceptorMatchesMethods(t *testing.T) {
	in, m := newInstrumentation(t)
	ic := in.Interceptor("Execute")

	next := func(context.Context) (any, error) { return 42, nil }
	id := grain.Identity{Kind: "command", Key: "command"}

	v, err := ic(t.Context(), grain.CallInfo{Identity: id, Method: "Execute"}, next)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = ic(t.Context(), grain.CallInfo{Identity: id, Method: "Describe"}, next)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.Count("Execute", obs.ResultSuccess))
	assert.Equal(t, uint64(0), snap.Count("Describe", obs.ResultSuccess))

	all := in.Interceptor()
	_, err = all(t.Context(), grain.CallInfo{Identity: id, Method: "Describe"}, next)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Snapshot().Count("Describe", obs.ResultSuccess))
}

func TestInterceptorOnRuntime(t *testing.T) {
	in, m := newInstrumentation(t)
	rt := grain.NewRuntime(grain.Config{})
	defer rt.Shutdown(context.Background())

	rt.Register("echo", func(grain.Identity, grain.Ref) (any, error) { return struct{}{}, nil })
	rt.Use(in.Interceptor())

	sentinel := errors.New("nope")
	_, err := grain.Invoke(t.Context(), rt.Ref("echo", "1"), "Fail", nil, func(context.Context, struct{}) (int, error) {
		return 0, sentinel
	})
	assert.Same(t, sentinel, err)
	assert.Equal(t, uint64(1), m.Snapshot().Count("Fail", obs.ResultException))
}

func TestStreamAndBroadcastHandlersShareShape(t *testing.T) {
	in, m := newInstrumentation(t)
	owner := uuid.New()

	var got []string
	h := func(_ context.Context, env stream.Envelope[tickReceived]) error {
		got = append(got, env.Message.Price)
		return nil
	}

	sh := StreamHandler(in, owner.String(), h)
	bh := BroadcastHandler(in, "hub", h)

	require.NoError(t, sh(t.Context(), stream.NewEnvelope(owner, "", tickReceived{Price: "100"})))
	require.NoError(t, bh(t.Context(), stream.NewEnvelope(uuid.Nil, "", tickReceived{Price: "105"})))

	assert.Equal(t, []string{"100", "105"}, got)
	assert.Equal(t, uint64(2), m.Snapshot().Count("tickReceived", obs.ResultSuccess))
}

func TestStreamHandlerRejectsForeignItems(t *testing.T) {
	in, m := newInstrumentation(t)
	sh := StreamHandler(in, "k", func(context.Context, stream.Envelope[tickReceived]) error { return nil })

	assert.ErrorIs(t, sh(t.Context(), stream.NewEnvelope(uuid.Nil, "", orderFilled{ID: 1})), exception.ErrTypeUnsupported)
	assert.Empty(t, m.Snapshot().Operations)
}

func TestBroadcastHandlerSkipsOtherTypes(t *testing.T) {
	in, m := newInstrumentation(t)
	called := false
	bh := BroadcastHandler(in, "hub", func(context.Context, stream.Envelope[tickReceived]) error {
		called = true
		return nil
	})

	require.NoError(t, bh(t.Context(), stream.NewEnvelope(uuid.Nil, "", orderFilled{ID: 7})))
	assert.False(t, called)
	assert.Empty(t, m.Snapshot().Operations)
}

func TestStreamHandlerPropagatesError(t *testing.T) {
	in, m := newInstrumentation(t)
	sentinel := errors.New("handler failed")
	sh := StreamHandler(in, "k", func(context.Context, stream.Envelope[orderFilled]) error { return sentinel })

	err := sh(t.Context(), stream.NewEnvelope(uuid.New(), "", orderFilled{ID: 1}))
	assert.Same(t, sentinel, err)
	assert.Equal(t, uint64(1), m.Snapshot().Count("orderFilled", obs.ResultException))
}
