package grain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"grainmesh/internal/bus"
)

type turnKey struct{}

// CurrentIdentity returns the grain whose turn is running on ctx.
func CurrentIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(turnKey{}).(Identity)
	return id, ok
}

type result struct {
	value    any
	err      error
	rejected bool
}

type turn struct {
	ctx        context.Context
	call       CallInfo
	fn         func(ctx context.Context, g any) (any, error)
	reply      chan result
	deactivate bool
	reason     Reason
}

func (t *turn) complete(v any, err error) {
	if t.reply != nil {
		t.reply <- result{value: v, err: err}
	}
}

func (t *turn) reject() {
	if t.reply != nil {
		t.reply <- result{err: ErrDeactivated, rejected: true}
		return
	}
	logs.Warnf("drop message for deactivated grain, grain: %s, method: %s", t.call.Identity, t.call.Method)
}

// activation is one live grain instance. Only its run goroutine touches grain and deactivated.
type activation struct {
	id          Identity
	rt          *Runtime
	grain       any
	mailbox     *bus.Queue[*turn]
	lastUsed    atomic.Int64
	stopping    atomic.Bool
	deactivated bool
	stopped     chan struct{}
}

func (a *activation) touch() {
	a.lastUsed.Store(time.Now().UnixNano())
}

func (a *activation) init(ctx context.Context, factory Factory) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: activate %s: %v", ErrTurnPanicked, a.id, p)
		}
	}()

	g, err := factory(a.id, Ref{rt: a.rt, id: a.id})
	if err != nil {
		return err
	}
	a.grain = g

	if act, ok := g.(Activator); ok {
		ctx = context.WithValue(ctx, turnKey{}, a.id)
		if err := act.OnActivate(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *activation) run() {
	defer a.finish()
	a.mailbox.Run(a.rt.ctx, a.process)
}

func (a *activation) finish() {
	a.mailbox.Close()
	a.mailbox.Drain((*turn).reject)
	a.rt.release(a)
	close(a.stopped)
	logs.Infof("grain deactivated, grain: %s", a.id)
}

func (a *activation) process(t *turn) {
	if a.deactivated {
		t.reject()
		return
	}
	if t.deactivate {
		a.runDeactivate(t)
		return
	}
	if err := t.ctx.Err(); err != nil {
		t.complete(nil, err)
		return
	}

	a.touch()
	v, err := a.execute(t)
	a.touch()
	t.complete(v, err)
}

func (a *activation) execute(t *turn) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			logs.Errorf("grain turn panicked, grain: %s, method: %s, panic: %v", a.id, t.call.Method, p)
			v, err = nil, fmt.Errorf("%w: %s.%s: %v", ErrTurnPanicked, a.id, t.call.Method, p)
		}
	}()

	ctx := context.WithValue(t.ctx, turnKey{}, a.id)
	invoke := func(ctx context.Context) (any, error) {
		return t.fn(ctx, a.grain)
	}
	return a.rt.chain(t.call, invoke)(ctx)
}

func (a *activation) runDeactivate(t *turn) {
	if d, ok := a.grain.(Deactivator); ok {
		ctx := context.WithValue(t.ctx, turnKey{}, a.id)
		if err := safeDeactivate(ctx, d, t.reason); err != nil {
			logs.Errorf("deactivate grain, grain: %s, reason: %s, err: %+v", a.id, t.reason, err)
		}
	}
	a.deactivated = true
	a.mailbox.Close()
	t.complete(nil, nil)
}

func safeDeactivate(ctx context.Context, d Deactivator, reason Reason) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: OnDeactivate: %v", ErrTurnPanicked, p)
		}
	}()
	return d.OnDeactivate(ctx, reason)
}
