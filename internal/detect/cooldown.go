package detect

import (
	"hash/fnv"
	"sync"
	"time"
)

// cooldownShards spreads (rule, agent) cooldown entries across independent
// locks so concurrent sessions for unrelated agents never serialize on a
// single mutex.
const cooldownShards = 64

type cooldownShard struct {
	mu    sync.Mutex
	fired map[string]time.Time
}

// cooldownTable tracks the last fire time per (rule name, agent_id).
type cooldownTable struct {
	shards [cooldownShards]cooldownShard
}

func newCooldownTable() *cooldownTable {
	t := &cooldownTable{}
	for i := range t.shards {
		t.shards[i].fired = make(map[string]time.Time)
	}
	return t
}

func cooldownKey(rule, agentID string) string {
	return rule + "\x00" + agentID
}

func (t *cooldownTable) shard(key string) *cooldownShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.shards[h.Sum32()%cooldownShards]
}

// active reports whether the (rule, agent) pair is inside its cooldown
// window at now.
func (t *cooldownTable) active(rule, agentID string, cooldown time.Duration, now time.Time) bool {
	if cooldown <= 0 {
		return false
	}
	key := cooldownKey(rule, agentID)
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.fired[key]
	return ok && last.Add(cooldown).After(now)
}

// markFired records a fire time for the pair.
func (t *cooldownTable) markFired(rule, agentID string, now time.Time) {
	key := cooldownKey(rule, agentID)
	s := t.shard(key)
	s.mu.Lock()
	s.fired[key] = now
	s.mu.Unlock()
}
