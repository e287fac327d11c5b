package grain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"grainmesh/internal/bus"
	"grainmesh/internal/directory"
	"grainmesh/internal/placement"
)

const (
	defaultMailboxSize     = 1024
	defaultCollectionAge   = 15 * time.Minute
	defaultCollectInterval = time.Minute
	defaultNodeID          = "local"
)

// Config tunes the runtime.
type Config struct {
	Node            placement.Node
	Nodes           placement.NodeSource
	Director        placement.Director
	Directory       directory.Directory
	MailboxSize     int
	CollectionAge   time.Duration
	CollectInterval time.Duration
}

// Runtime hosts the local activations of every registered grain kind.
type Runtime struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	kinds        map[string]Factory
	activations  map[Identity]*activation
	interceptors []Interceptor

	flight singleflight.Group
	closed atomic.Bool
}

// NewRuntime fills unset config fields with single-node defaults.
func NewRuntime(cfg Config) *Runtime {
	if cfg.Node.ID == "" {
		cfg.Node.ID = defaultNodeID
	}
	if cfg.Nodes == nil {
		cfg.Nodes = placement.StaticNodes{cfg.Node}
	}
	if cfg.Director == nil {
		cfg.Director = placement.KeyHashDirector{}
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.NewMemory()
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.CollectionAge <= 0 {
		cfg.CollectionAge = defaultCollectionAge
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = defaultCollectInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		kinds:       make(map[string]Factory),
		activations: make(map[Identity]*activation),
	}
}

// Register binds a grain kind to its factory. Call it before the first Ref is used.
func (r *Runtime) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = factory
}

// Use appends interceptors wrapped around every turn, outermost first.
func (r *Runtime) Use(interceptors ...Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interceptors = append(r.interceptors, interceptors...)
}

// Ref returns a handle to the grain. No activation happens until the first call.
func (r *Runtime) Ref(kind, key string) Ref {
	return Ref{rt: r, id: Identity{Kind: kind, Key: key}}
}

// NodeID returns the local node id.
func (r *Runtime) NodeID() string {
	return r.cfg.Node.ID
}

// Activations lists the identities currently active on this node.
func (r *Runtime) Activations() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Identity, 0, len(r.activations))
	for id := range r.activations {
		out = append(out, id)
	}
	return out
}

// IsActive reports whether id has a live local activation.
func (r *Runtime) IsActive(id Identity) bool {
	return r.lookup(id) != nil
}

// Run collects idle activations until ctx is done, then shuts the runtime down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.cfg.Directory.ReleaseNode(ctx, r.cfg.Node.ID); err != nil {
		logs.Warnf("release stale activations, node: %s, err: %+v", r.cfg.Node.ID, err)
	}

	ticker := time.NewTicker(r.cfg.CollectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			return r.Shutdown(shutdownCtx)
		case <-ticker.C:
			r.CollectIdle(ctx)
		}
	}
}

// CollectIdle deactivates activations unused for longer than the collection age.
func (r *Runtime) CollectIdle(ctx context.Context) int {
	cutoff := time.Now().Add(-r.cfg.CollectionAge).UnixNano()

	r.mu.RLock()
	idle := make([]*activation, 0)
	for _, a := range r.activations {
		if a.lastUsed.Load() < cutoff && a.mailbox.Len() == 0 {
			idle = append(idle, a)
		}
	}
	r.mu.RUnlock()

	for _, a := range idle {
		logs.Infof("collect idle grain, grain: %s", a.id)
		if err := r.deactivate(ctx, a, ReasonIdle); err != nil {
			logs.Errorf("collect idle grain, grain: %s, err: %+v", a.id, err)
		}
	}
	return len(idle)
}

// Deactivate drives the activation of id through OnDeactivate and discards it.
func (r *Runtime) Deactivate(ctx context.Context, id Identity) error {
	a := r.lookup(id)
	if a == nil {
		return nil
	}
	return r.deactivate(ctx, a, ReasonExplicit)
}

// Shutdown deactivates everything and refuses new activations.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer r.cancel()

	r.mu.RLock()
	all := make([]*activation, 0, len(r.activations))
	for _, a := range r.activations {
		all = append(all, a)
	}
	r.mu.RUnlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, a := range all {
		eg.Go(func() error {
			return r.deactivate(ctx, a, ReasonShutdown)
		})
	}
	if err := eg.Wait(); err != nil {
		return errors.Wrap(err, "deactivate grains")
	}
	logs.Infof("grain runtime stopped, node: %s, deactivated: %d", r.cfg.Node.ID, len(all))
	return nil
}

func (r *Runtime) deactivate(ctx context.Context, a *activation, reason Reason) error {
	if a.stopping.CompareAndSwap(false, true) {
		t := &turn{
			ctx:        ctx,
			call:       CallInfo{Identity: a.id, Method: "OnDeactivate", Payload: reason},
			deactivate: true,
			reason:     reason,
			reply:      make(chan result, 1),
		}
		if err := a.mailbox.Publish(ctx, t); err != nil && !errors.Is(err, bus.ErrQueueClosed) {
			a.stopping.Store(false)
			return err
		}
	}

	select {
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) lookup(id Identity) *activation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activations[id]
}

func (r *Runtime) activate(ctx context.Context, id Identity) (*activation, error) {
	if a := r.lookup(id); a != nil {
		return a, nil
	}
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}

	v, err, _ := r.flight.Do(id.String(), func() (any, error) {
		if a := r.lookup(id); a != nil {
			return a, nil
		}
		return r.create(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*activation), nil
}

func (r *Runtime) create(ctx context.Context, id Identity) (*activation, error) {
	r.mu.RLock()
	factory, ok := r.kinds[id.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, id.Kind)
	}

	target, err := r.cfg.Director.Place(id.Key, placement.Compatible(r.cfg.Nodes.Nodes(), id.Kind))
	if err != nil {
		return nil, err
	}
	if target.ID != r.cfg.Node.ID {
		return nil, &RemotePlacementError{Identity: id, Node: target.ID}
	}

	grainID := id.String()
	owner, err := r.cfg.Directory.Claim(ctx, grainID, r.cfg.Node.ID)
	if err != nil {
		return nil, errors.Wrap(err, "claim activation")
	}
	if owner != r.cfg.Node.ID {
		return nil, &RemotePlacementError{Identity: id, Node: owner}
	}

	a := &activation{
		id:      id,
		rt:      r,
		mailbox: bus.NewQueue[*turn](r.cfg.MailboxSize),
		stopped: make(chan struct{}),
	}
	a.touch()

	if err := a.init(ctx, factory); err != nil {
		if rerr := r.cfg.Directory.Release(ctx, grainID, r.cfg.Node.ID); rerr != nil {
			logs.Errorf("release failed activation, grain: %s, err: %+v", id, rerr)
		}
		return nil, err
	}

	r.mu.Lock()
	r.activations[id] = a
	r.mu.Unlock()

	go a.run()

	logs.Infof("grain activated, grain: %s, node: %s", id, r.cfg.Node.ID)
	return a, nil
}

func (r *Runtime) release(a *activation) {
	if err := r.cfg.Directory.Release(context.Background(), a.id.String(), r.cfg.Node.ID); err != nil {
		logs.Errorf("release activation, grain: %s, err: %+v", a.id, err)
	}

	r.mu.Lock()
	if r.activations[a.id] == a {
		delete(r.activations, a.id)
	}
	r.mu.Unlock()
}

func (r *Runtime) chain(call CallInfo, final Invoker) Invoker {
	r.mu.RLock()
	interceptors := r.interceptors
	r.mu.RUnlock()

	next := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, inner := interceptors[i], next
		next = func(ctx context.Context) (any, error) {
			return ic(ctx, call, inner)
		}
	}
	return next
}
