package grain

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
)

var (
	ErrUnknownKind   = errors.New("grain: unknown kind")
	ErrDeactivated   = errors.New("grain: activation deactivated")
	ErrRuntimeClosed = errors.New("grain: runtime closed")
	ErrMailboxFull   = errors.New("grain: mailbox full")
	ErrNotActive     = errors.New("grain: not active")
	ErrTurnPanicked  = errors.New("grain: turn panicked")
)

// Identity names one virtual actor.
type Identity struct {
	Kind string
	Key  string
}

func (id Identity) String() string {
	return id.Kind + "/" + id.Key
}

// UUIDKey renders an owner-scoped key.
func UUIDKey(id uuid.UUID) string {
	return id.String()
}

// Factory builds the grain instance for a new activation.
type Factory func(id Identity, self Ref) (any, error)

// Activator is implemented by grains that need setup before their first turn.
type Activator interface {
	OnActivate(ctx context.Context) error
}

// Deactivator is implemented by grains that must release resources before they are discarded.
type Deactivator interface {
	OnDeactivate(ctx context.Context, reason Reason) error
}

// Reason tells a grain why it is being deactivated.
type Reason uint8

const (
	ReasonExplicit Reason = iota
	ReasonIdle
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonExplicit:
		return "explicit"
	case ReasonIdle:
		return "idle"
	case ReasonShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// CallInfo describes the turn an interceptor wraps.
type CallInfo struct {
	Identity Identity
	Method   string
	Payload  any
}

// Invoker runs the rest of a turn.
type Invoker func(ctx context.Context) (any, error)

// Interceptor wraps every turn executed by the runtime.
type Interceptor func(ctx context.Context, call CallInfo, next Invoker) (any, error)

// RemotePlacementError is returned when an identity belongs to another node.
// Cross-node forwarding is left to the hosting cluster.
type RemotePlacementError struct {
	Identity Identity
	Node     string
}

func (e *RemotePlacementError) Error() string {
	return fmt.Sprintf("grain: %s is placed on node %s", e.Identity, e.Node)
}
