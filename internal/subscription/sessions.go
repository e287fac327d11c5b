package subscription

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
)

const defaultShardCount = 32

// sessions maps a session id to its live runners. Each shard has its own lock so
// different sessions never contend on one mutex.
type sessions struct {
	shards []*sessionShard
	mask   uint32
}

type sessionShard struct {
	sync.RWMutex
	items map[uuid.UUID][]Runner
}

func newSessions(shardCount int) *sessions {
	if shardCount <= 0 || shardCount&(shardCount-1) != 0 {
		shardCount = defaultShardCount
	}

	shards := make([]*sessionShard, shardCount)
	for i := range shards {
		shards[i] = &sessionShard{items: make(map[uuid.UUID][]Runner)}
	}
	return &sessions{shards: shards, mask: uint32(shardCount - 1)}
}

func (s *sessions) shard(id uuid.UUID) *sessionShard {
	return s.shards[binary.LittleEndian.Uint32(id[12:])&s.mask]
}

// swap stores runners for id and returns the previous set.
func (s *sessions) swap(id uuid.UUID, runners []Runner) []Runner {
	sh := s.shard(id)
	sh.Lock()
	defer sh.Unlock()

	prev := sh.items[id]
	if len(runners) == 0 {
		delete(sh.items, id)
	} else {
		sh.items[id] = runners
	}
	return prev
}

func (s *sessions) remove(id uuid.UUID) ([]Runner, bool) {
	sh := s.shard(id)
	sh.Lock()
	defer sh.Unlock()

	runners, ok := sh.items[id]
	delete(sh.items, id)
	return runners, ok
}

func (s *sessions) get(id uuid.UUID) []Runner {
	sh := s.shard(id)
	sh.RLock()
	defer sh.RUnlock()
	return sh.items[id]
}

func (s *sessions) len() int {
	total := 0
	for _, sh := range s.shards {
		sh.RLock()
		total += len(sh.items)
		sh.RUnlock()
	}
	return total
}
