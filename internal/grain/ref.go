package grain

import (
	"context"
	"fmt"

	"github.com/yanun0323/errors"

	"grainmesh/internal/bus"
	"grainmesh/pkg/exception"
)

var ErrReentrantCall = errors.New("grain: call into the grain currently running the turn")

// Ref is a location-transparent handle to a virtual actor.
type Ref struct {
	rt *Runtime
	id Identity
}

func (r Ref) Identity() Identity {
	return r.id
}

func (r Ref) IsZero() bool {
	return r.rt == nil
}

// Call runs fn as one turn of the grain, activating it first when needed, and waits for the result.
// A call that lands on an activation being deactivated is retried once on a fresh activation.
func (r Ref) Call(ctx context.Context, method string, payload any, fn func(ctx context.Context, g any) (any, error)) (any, error) {
	if r.rt == nil {
		return nil, ErrUnknownKind
	}
	if cur, ok := CurrentIdentity(ctx); ok && cur == r.id {
		return nil, ErrReentrantCall
	}

	call := CallInfo{Identity: r.id, Method: method, Payload: payload}
	for attempt := 0; attempt < 2; attempt++ {
		a, err := r.rt.activate(ctx, r.id)
		if err != nil {
			return nil, err
		}

		t := &turn{ctx: ctx, call: call, fn: fn, reply: make(chan result, 1)}
		a.touch()
		if err := a.mailbox.Publish(ctx, t); err != nil {
			if errors.Is(err, bus.ErrQueueClosed) {
				if err := waitStopped(ctx, a); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		select {
		case res := <-t.reply:
			if res.rejected {
				if err := waitStopped(ctx, a); err != nil {
					return nil, err
				}
				continue
			}
			return res.value, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrDeactivated
}

// TryTell queues fn on the live activation without waiting. It never activates the grain
// and never blocks: ErrNotActive and ErrMailboxFull report a dropped message.
func (r Ref) TryTell(method string, payload any, fn func(ctx context.Context, g any) error) error {
	if r.rt == nil {
		return ErrNotActive
	}
	a := r.rt.lookup(r.id)
	if a == nil {
		return ErrNotActive
	}

	t := &turn{
		ctx:  r.rt.ctx,
		call: CallInfo{Identity: r.id, Method: method, Payload: payload},
		fn: func(ctx context.Context, g any) (any, error) {
			return nil, fn(ctx, g)
		},
	}
	switch err := a.mailbox.TryPublish(t); {
	case err == nil:
		return nil
	case errors.Is(err, bus.ErrQueueFull):
		return ErrMailboxFull
	default:
		return ErrNotActive
	}
}

func waitStopped(ctx context.Context, a *activation) error {
	select {
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke is the typed form of Ref.Call.
func Invoke[G any, R any](ctx context.Context, ref Ref, method string, payload any, fn func(ctx context.Context, g G) (R, error)) (R, error) {
	var zero R
	v, err := ref.Call(ctx, method, payload, func(ctx context.Context, g any) (any, error) {
		typed, ok := g.(G)
		if !ok {
			return zero, errors.Wrap(exception.ErrTypeUnsupported, "invoke").With("grain", ref.id.String()).With("type", fmt.Sprintf("%T", g))
		}
		return fn(ctx, typed)
	})
	if err != nil {
		return zero, err
	}
	out, _ := v.(R)
	return out, nil
}
