package placement

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/yanun0323/errors"
	"github.com/zeebo/blake3"
)

// ErrNoNode is returned when no compatible node is available. Callers should retry later.
var ErrNoNode = errors.New("placement: no compatible node")

// Node is a process able to host grain activations.
type Node struct {
	ID      string   `yaml:"id"`
	Address string   `yaml:"address"`
	Kinds   []string `yaml:"kinds"`
}

// Supports reports whether the node may host grains of kind. A node without a kind list hosts all kinds.
func (n Node) Supports(kind string) bool {
	return len(n.Kinds) == 0 || slices.Contains(n.Kinds, kind)
}

// Compatible filters nodes able to host kind, keeping their order.
func Compatible(nodes []Node, kind string) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Supports(kind) {
			out = append(out, n)
		}
	}
	return out
}

// Director picks the node that hosts a grain identity.
type Director interface {
	Place(key string, nodes []Node) (Node, error)
}

// KeyHashDirector places a key on nodes[|hash(key)| % len(nodes)].
// The result is stable for a fixed node list and reshuffles when the list size changes.
type KeyHashDirector struct{}

func (KeyHashDirector) Place(key string, nodes []Node) (Node, error) {
	if len(nodes) == 0 {
		return Node{}, ErrNoNode
	}
	return nodes[Index(key, len(nodes))], nil
}

// Hash returns the signed 64-bit hash of key.
func Hash(key string) int64 {
	sum := blake3.Sum256([]byte(key))
	return int64(binary.LittleEndian.Uint64(sum[:8]))
}

// Index maps key onto [0, n).
func Index(key string, n int) int {
	if n <= 0 {
		return 0
	}
	h := Hash(key)
	switch {
	case h == math.MinInt64:
		h = 0
	case h < 0:
		h = -h
	}
	return int(h % int64(n))
}

// IsRetryable reports whether a placement error may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoNode)
}

// NodeSource supplies the current node list.
type NodeSource interface {
	Nodes() []Node
}

// StaticNodes is a fixed node list, usually read from configuration.
type StaticNodes []Node

func (s StaticNodes) Nodes() []Node {
	return slices.Clone(s)
}
