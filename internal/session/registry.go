// Package session implements the collector side of the agent protocol:
// the per-agent connection state machine (handshake, sequencing, acks,
// heartbeat supervision) and the registry of known agents.
package session

import (
	"errors"
	"sync"
	"time"

	"sentinelmon/internal/model"
	"sentinelmon/internal/wire"
)

// ErrDuplicateAgent is returned when a handshake arrives for an agent_id
// that already has a live session.
var ErrDuplicateAgent = errors.New("agent already has a live session")

// Registry owns the agent record table and the set of live sessions. The
// record table is mutated only by the owning session's goroutine (via the
// methods here) and read by status queries under a read lock.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*model.AgentRecord
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records:  make(map[string]*model.AgentRecord),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// attach binds a session as the live one for its agent and returns the
// first sequence number the collector expects from this connection. If a
// previous session exists and has produced a frame within liveWithin it is
// considered alive and the new session is rejected before the agent record
// is touched, so a rejected connection cannot alter what the registry
// reports about the live one; a stale session is forcibly closed and
// replaced. The record lookup and the liveness decision happen under one
// lock.
func (r *Registry) attach(s *Session, liveWithin time.Duration) (uint64, error) {
	r.mu.Lock()
	old, exists := r.sessions[s.agentID]
	if exists && r.now().Sub(old.lastFrameAt()) < liveWithin {
		r.mu.Unlock()
		return 0, ErrDuplicateAgent
	}

	rec, ok := r.records[s.agentID]
	if !ok {
		rec = &model.AgentRecord{AgentID: s.agentID}
		r.records[s.agentID] = rec
	}
	rec.Hostname = s.hostname
	rec.Status = model.AgentConnecting
	rec.LastSeenAt = r.now()
	rec.Pruned = false
	resumeFrom := rec.LastSequenceSeen + 1

	r.sessions[s.agentID] = s
	r.mu.Unlock()

	if exists {
		old.close(wire.CloseReplaced)
	}
	return resumeFrom, nil
}

// detach releases the session slot if s still owns it, and marks the
// record disconnected while preserving sequence state for resume.
func (r *Registry) detach(s *Session, lastSequence uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.agentID]; ok && cur == s {
		delete(r.sessions, s.agentID)
	}
	if rec, ok := r.records[s.agentID]; ok {
		rec.Status = model.AgentDisconnected
		if lastSequence > rec.LastSequenceSeen {
			rec.LastSequenceSeen = lastSequence
		}
	}
}

// touch records activity from the agent: advances sequence state, resets
// failure counters, and flips the record back to active.
func (r *Registry) touch(agentID string, lastSequence uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[agentID]
	if !ok {
		return
	}
	rec.Status = model.AgentActive
	rec.LastSeenAt = r.now()
	rec.ConsecutiveFailures = 0
	if lastSequence > rec.LastSequenceSeen {
		rec.LastSequenceSeen = lastSequence
	}
}

// markDegraded flips the record to degraded and bumps the failure count.
// The session stays open; collaborators see the state change immediately.
func (r *Registry) markDegraded(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[agentID]
	if !ok {
		return 0
	}
	rec.Status = model.AgentDegraded
	rec.ConsecutiveFailures++
	return rec.ConsecutiveFailures
}

// Record returns a copy of one agent record.
func (r *Registry) Record(agentID string) (model.AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[agentID]
	if !ok {
		return model.AgentRecord{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of every agent record for status queries.
func (r *Registry) Snapshot() []model.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// ActiveSessions returns the number of live sessions.
func (r *Registry) ActiveSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Prune flags records that have been disconnected longer than maxAge.
// Pruned records stay in the table and remain queryable for audit.
func (r *Registry) Prune(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	pruned := 0
	for _, rec := range r.records {
		if rec.Status == model.AgentDisconnected && !rec.Pruned && rec.LastSeenAt.Before(cutoff) {
			rec.Pruned = true
			pruned++
		}
	}
	return pruned
}
