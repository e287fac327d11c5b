package subscription

import (
	"context"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"grainmesh/internal/dispatch"
	"grainmesh/internal/stream"
)

// Manager starts and stops the registered handlers for each session.
type Manager struct {
	registry *Registry
	provider *stream.Provider
	in       *dispatch.Instrumentation
	live     *sessions
}

// NewManager freezes registry; handlers added later are rejected.
func NewManager(registry *Registry, provider *stream.Provider, in *dispatch.Instrumentation) *Manager {
	registry.Freeze()
	return &Manager{
		registry: registry,
		provider: provider,
		in:       in,
		live:     newSessions(defaultShardCount),
	}
}

// SubscribeAllStreams starts every registered handler for sessionID and returns how
// many are live. A handler that fails to start is logged and skipped.
func (m *Manager) SubscribeAllStreams(ctx context.Context, sessionID uuid.UUID) int {
	regs := m.registry.registrations()
	runners := make([]Runner, 0, len(regs))

	for _, reg := range regs {
		r := reg.newRunner(m.provider, m.in)
		if err := r.Start(ctx, sessionID); err != nil {
			logs.Errorf("subscribe stream, session: %s, handler: %s, err: %+v", sessionID, reg.Name, err)
			continue
		}
		runners = append(runners, r)
	}

	if prev := m.live.swap(sessionID, runners); len(prev) != 0 {
		logs.Warnf("session resubscribed, stopping previous runners, session: %s, count: %d", sessionID, len(prev))
		stopAll(ctx, sessionID, prev)
	}

	logs.Infof("session subscribed, session: %s, live: %d, registered: %d", sessionID, len(runners), len(regs))
	return len(runners)
}

// UnsubscribeAllStreams stops every runner of sessionID. It reports false when the
// session has nothing tracked.
func (m *Manager) UnsubscribeAllStreams(ctx context.Context, sessionID uuid.UUID) bool {
	runners, ok := m.live.remove(sessionID)
	if !ok {
		logs.Infof("no subscriptions found, session: %s", sessionID)
		return false
	}

	stopAll(ctx, sessionID, runners)
	logs.Infof("session unsubscribed, session: %s, count: %d", sessionID, len(runners))
	return true
}

// Live returns the names of the live runners for sessionID.
func (m *Manager) Live(sessionID uuid.UUID) []string {
	runners := m.live.get(sessionID)
	names := make([]string, 0, len(runners))
	for _, r := range runners {
		names = append(names, r.Name())
	}
	return names
}

// Sessions returns the number of tracked sessions.
func (m *Manager) Sessions() int {
	return m.live.len()
}

func stopAll(ctx context.Context, sessionID uuid.UUID, runners []Runner) {
	for _, r := range runners {
		if err := r.Stop(ctx); err != nil {
			logs.Errorf("stop stream runner, session: %s, handler: %s, err: %+v", sessionID, r.Name(), err)
		}
	}
}
