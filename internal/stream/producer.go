package stream

import (
	"context"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"grainmesh/internal/grain"
)

// Producer publishes envelopes and hands out grain references.
type Producer struct {
	provider *Provider
	runtime  *grain.Runtime
}

func NewProducer(provider *Provider, runtime *grain.Runtime) *Producer {
	return &Producer{provider: provider, runtime: runtime}
}

// Provider returns the stream provider behind the producer.
func (p *Producer) Provider() *Provider {
	return p.provider
}

// GetGrain returns a handle to the grain of kind at key. The grain activates on its first call.
func (p *Producer) GetGrain(kind, key string) grain.Ref {
	return p.runtime.Ref(kind, key)
}

// Send publishes msg on the ordered stream of (type of msg, ownerID).
func Send[T any](ctx context.Context, p *Producer, ownerID uuid.UUID, msg T, messageID string) error {
	id := StreamID{Namespace: TypeName[T](), Key: ownerID.String()}
	return publish(ctx, p.provider, id, NewEnvelope(ownerID, messageID, msg))
}

// SendBroadcast publishes msg on the broadcast topic with a zero owner.
func SendBroadcast[T any](ctx context.Context, p *Producer, msg T, messageID string) error {
	return publish(ctx, p.provider, BroadcastStreamID, NewEnvelope(uuid.Nil, messageID, msg))
}

func publish[T any](ctx context.Context, provider *Provider, id StreamID, env Envelope[T]) error {
	if err := provider.Publish(ctx, id, env); err != nil {
		return errors.Wrap(err, "publish envelope").With("stream", id.String())
	}
	logs.Debugf("message published, stream: %s, owner: %s, message: %s", id, env.OwnerID, env.MessageID)
	return nil
}
