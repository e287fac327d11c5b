package directory

import (
	"context"
	"sync"
)

// Directory records which node owns the live activation of each grain.
type Directory interface {
	// Claim registers node as owner of grainID unless another node already owns it.
	// It returns the owner after the call.
	Claim(ctx context.Context, grainID, node string) (string, error)
	// Release drops the claim if node still owns grainID.
	Release(ctx context.Context, grainID, node string) error
	// Lookup returns the owner of grainID.
	Lookup(ctx context.Context, grainID string) (string, bool, error)
	// ReleaseNode drops every claim held by node.
	ReleaseNode(ctx context.Context, node string) error
}

// Memory is a process-local directory.
type Memory struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemory() *Memory {
	return &Memory{owners: make(map[string]string)}
}

func (m *Memory) Claim(_ context.Context, grainID, node string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.owners[grainID]; ok {
		return owner, nil
	}
	m.owners[grainID] = node
	return node, nil
}

func (m *Memory) Release(_ context.Context, grainID, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owners[grainID] == node {
		delete(m.owners, grainID)
	}
	return nil
}

func (m *Memory) Lookup(_ context.Context, grainID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.owners[grainID]
	return owner, ok, nil
}

func (m *Memory) ReleaseNode(_ context.Context, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, owner := range m.owners {
		if owner == node {
			delete(m.owners, id)
		}
	}
	return nil
}

// Len returns the number of live claims.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}
