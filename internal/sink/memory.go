package sink

import (
	"container/ring"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"sentinelmon/internal/model"
)

// MemoryStore is an in-process Persister backing the status API: a ring
// buffer of recent alerts plus an LRU of seen (agent_id, sequence) pairs
// for replay dedupe. It always succeeds, which also makes it the store of
// choice in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	alerts     *ring.Ring
	seen       *lru.Cache[string, struct{}]
	eventCount int
	maxAlerts  int
}

// NewMemoryStore creates a store holding up to maxAlerts recent alerts and
// dedupeCap seen-sequence entries.
func NewMemoryStore(maxAlerts, dedupeCap int) (*MemoryStore, error) {
	seen, err := lru.New[string, struct{}](dedupeCap)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &MemoryStore{
		alerts:    ring.New(maxAlerts),
		seen:      seen,
		maxAlerts: maxAlerts,
	}, nil
}

func seqKey(agentID string, sequence uint64) string {
	return agentID + ":" + strconv.FormatUint(sequence, 10)
}

// Persist records the event and its alerts. A replayed (agent_id,
// sequence) pair is a silent no-op.
func (s *MemoryStore) Persist(_ context.Context, event model.Event, alerts []model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seqKey(event.AgentID, event.Sequence)
	if _, dup := s.seen.Get(key); dup {
		return nil
	}
	s.seen.Add(key, struct{}{})
	s.eventCount++

	for i := range alerts {
		alert := alerts[i]
		s.alerts.Value = &alert
		s.alerts = s.alerts.Next()
	}
	return nil
}

// Close implements Persister.
func (s *MemoryStore) Close() error {
	return nil
}

// EventCount returns the number of distinct events persisted.
func (s *MemoryStore) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventCount
}

// AlertFilter narrows Alerts results. Zero fields match everything.
type AlertFilter struct {
	AgentID     string
	MinSeverity model.Severity
	Limit       int
}

// Alerts returns stored alerts, oldest first, honoring the filter.
func (s *MemoryStore) Alerts(filter AlertFilter) []*model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Alert
	s.alerts.Do(func(v any) {
		alert, ok := v.(*model.Alert)
		if !ok {
			return
		}
		if filter.AgentID != "" && alert.AgentID != filter.AgentID {
			return
		}
		if filter.MinSeverity != "" && alert.Severity.Rank() < filter.MinSeverity.Rank() {
			return
		}
		out = append(out, alert)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// AlertStats summarizes alerts created since a point in time.
type AlertStats struct {
	Total        int                      `json:"total"`
	BySeverity   map[model.Severity]int   `json:"by_severity"`
	ByThreatType map[model.ThreatType]int `json:"by_threat_type"`
}

// StatsSince aggregates severity and threat-type distributions for alerts
// created at or after since.
func (s *MemoryStore) StatsSince(since time.Time) AlertStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := AlertStats{
		BySeverity:   make(map[model.Severity]int),
		ByThreatType: make(map[model.ThreatType]int),
	}
	s.alerts.Do(func(v any) {
		alert, ok := v.(*model.Alert)
		if !ok || alert.CreatedAt.Before(since) {
			return
		}
		stats.Total++
		stats.BySeverity[alert.Severity]++
		stats.ByThreatType[alert.ThreatType]++
	})
	return stats
}
