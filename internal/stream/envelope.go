package stream

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Envelope carries one message with its routing metadata.
type Envelope[T any] struct {
	OwnerID   uuid.UUID `json:"ownerId"`
	MessageID string    `json:"messageId"`
	Message   T         `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEnvelope[T any](ownerID uuid.UUID, messageID string, msg T) Envelope[T] {
	return Envelope[T]{
		OwnerID:   ownerID,
		MessageID: messageID,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}

// IsBroadcast reports whether the envelope is not owned by a specific account.
func (e Envelope[T]) IsBroadcast() bool {
	return e.OwnerID == uuid.Nil
}

// TypeName is the channel namespace for messages of type T.
func TypeName[T any]() string {
	t := reflect.TypeFor[T]()
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}

// StreamID names one ordered channel.
type StreamID struct {
	Namespace string
	Key       string
}

// ChannelName is the flat channel name, namespace followed by key.
func (id StreamID) ChannelName() string {
	return id.Namespace + id.Key
}

func (id StreamID) String() string {
	return id.Namespace + "/" + id.Key
}

// BroadcastStreamID is the single fan-out topic.
var BroadcastStreamID = StreamID{Namespace: "broadcast-channel"}
