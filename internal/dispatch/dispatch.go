package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"grainmesh/internal/grain"
	"grainmesh/internal/obs"
	"grainmesh/internal/stream"
	"grainmesh/pkg/exception"
)

// Info identifies the message being handled.
type Info struct {
	Key         string
	MessageType string
	Payload     any
}

type activeKey struct{}

// Instrumentation wraps message handling with metrics and trace logs. Errors and panics
// pass through unchanged after they are recorded; nothing is retried here.
type Instrumentation struct {
	metrics *obs.Metrics
	traces  *obs.TraceGenerator
}

func New(metrics *obs.Metrics, traces *obs.TraceGenerator) *Instrumentation {
	return &Instrumentation{metrics: metrics, traces: traces}
}

// Invoke runs fn as one instrumented message. A nested Invoke for the same key and
// message type is not recorded twice.
func (in *Instrumentation) Invoke(ctx context.Context, info Info, fn func(ctx context.Context) error) error {
	_, err := in.invoke(ctx, info, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func (in *Instrumentation) invoke(ctx context.Context, info Info, fn func(ctx context.Context) (any, error)) (_ any, err error) {
	marker := info.Key + "\x00" + info.MessageType
	if active, ok := ctx.Value(activeKey{}).(string); ok && active == marker {
		return fn(ctx)
	}
	ctx = context.WithValue(ctx, activeKey{}, marker)

	trace := in.traces.Next()
	start := time.Now()
	in.metrics.Begin(ctx)
	logs.Debugf("message received, trace: %s, key: %s, type: %s, payload: %+v", trace, info.Key, info.MessageType, info.Payload)

	defer func() {
		in.metrics.End(ctx)
		if p := recover(); p != nil {
			in.metrics.ObserveMessage(ctx, info.MessageType, obs.ResultException, time.Since(start))
			logs.Errorf("message handler panicked, trace: %s, key: %s, type: %s, panic: %v", trace, info.Key, info.MessageType, p)
			panic(p)
		}
	}()

	v, err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		in.metrics.ObserveMessage(ctx, info.MessageType, obs.ResultException, elapsed)
		logs.Errorf("message handler failed, trace: %s, key: %s, type: %s, payload: %+v, err: %+v", trace, info.Key, info.MessageType, info.Payload, err)
		return v, err
	}

	in.metrics.ObserveMessage(ctx, info.MessageType, obs.ResultSuccess, elapsed)
	logs.Debugf("message handled, trace: %s, key: %s, type: %s, payload: %+v, elapsed: %s", trace, info.Key, info.MessageType, info.Payload, elapsed)
	return v, nil
}

// Interceptor instruments grain calls whose method is listed. Other calls pass through.
// Without methods every call is instrumented.
func (in *Instrumentation) Interceptor(methods ...string) grain.Interceptor {
	match := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		match[m] = struct{}{}
	}

	return func(ctx context.Context, call grain.CallInfo, next grain.Invoker) (any, error) {
		if len(match) != 0 {
			if _, ok := match[call.Method]; !ok {
				return next(ctx)
			}
		}
		return in.invoke(ctx, Info{
			Key:         call.Identity.Key,
			MessageType: call.Method,
			Payload:     call.Payload,
		}, next)
	}
}

// StreamHandler instruments a subscription callback on a private stream.
func StreamHandler[T any](in *Instrumentation, key string, h func(ctx context.Context, env stream.Envelope[T]) error) stream.Handler {
	messageType := stream.TypeName[T]()
	return func(ctx context.Context, item any) error {
		env, ok := item.(stream.Envelope[T])
		if !ok {
			return errors.Wrap(exception.ErrTypeUnsupported, "stream item").With("stream", messageType).With("item", fmt.Sprintf("%T", item))
		}
		return in.Invoke(ctx, Info{Key: key, MessageType: messageType, Payload: env.Message}, func(ctx context.Context) error {
			return h(ctx, env)
		})
	}
}

// BroadcastHandler instruments a broadcast subscription callback. Items of other types are skipped.
func BroadcastHandler[T any](in *Instrumentation, key string, h func(ctx context.Context, env stream.Envelope[T]) error) stream.Handler {
	messageType := stream.TypeName[T]()
	return func(ctx context.Context, item any) error {
		env, ok := item.(stream.Envelope[T])
		if !ok {
			return nil
		}
		return in.Invoke(ctx, Info{Key: key, MessageType: messageType, Payload: env.Message}, func(ctx context.Context) error {
			return h(ctx, env)
		})
	}
}
