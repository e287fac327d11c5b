package subscription

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"grainmesh/internal/dispatch"
	"grainmesh/internal/stream"
)

var (
	ErrRegistryFrozen  = errors.New("subscription: registry frozen")
	ErrDuplicateName   = errors.New("subscription: duplicate handler name")
	ErrRunnerStarted   = errors.New("subscription: runner already started")
	ErrInvalidRegister = errors.New("subscription: invalid registration")
)

// Runner is one handler bound to one session's stream.
type Runner interface {
	Name() string
	Start(ctx context.Context, sessionID uuid.UUID) error
	Stop(ctx context.Context) error
}

// Entry describes a registered handler.
type Entry struct {
	Name        string
	MessageType string
}

type registration struct {
	Entry
	newRunner func(provider *stream.Provider, in *dispatch.Instrumentation) Runner
}

// Registry is the start-time list of per-session handlers. It is read-only once frozen.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
	frozen  bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers h for messages of type M sent to a session.
func Add[M any](r *Registry, name string, h func(ctx context.Context, env stream.Envelope[M]) error) error {
	if name == "" || h == nil {
		return ErrInvalidRegister
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	for _, e := range r.entries {
		if e.Name == name {
			return errors.Wrap(ErrDuplicateName, "add handler").With("name", name)
		}
	}

	r.entries = append(r.entries, registration{
		Entry: Entry{Name: name, MessageType: stream.TypeName[M]()},
		newRunner: func(provider *stream.Provider, in *dispatch.Instrumentation) Runner {
			return &streamRunner[M]{name: name, provider: provider, in: in, handler: h}
		},
	})
	return nil
}

// Freeze stops further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Entry
	}
	return out
}

func (r *Registry) registrations() []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]registration(nil), r.entries...)
}

type streamRunner[M any] struct {
	name     string
	provider *stream.Provider
	in       *dispatch.Instrumentation
	handler  func(ctx context.Context, env stream.Envelope[M]) error

	mu  sync.Mutex
	sub *stream.Subscription
}

func (r *streamRunner[M]) Name() string {
	return r.name
}

func (r *streamRunner[M]) Start(ctx context.Context, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		return ErrRunnerStarted
	}

	id := stream.StreamID{Namespace: stream.TypeName[M](), Key: sessionID.String()}
	sub, err := r.provider.Subscribe(id, dispatch.StreamHandler(r.in, sessionID.String(), r.handler))
	if err != nil {
		logs.Errorf("start stream runner, handler: %s, stream: %s, err: %+v", r.name, id, err)
		return errors.Wrap(err, "subscribe stream").With("handler", r.name)
	}

	r.sub = sub
	logs.Debugf("stream runner started, handler: %s, stream: %s", r.name, id)
	return nil
}

func (r *streamRunner[M]) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub == nil {
		return nil
	}
	r.sub.Unsubscribe()
	logs.Debugf("stream runner stopped, handler: %s, stream: %s", r.name, r.sub.Stream())
	r.sub = nil
	return nil
}
