// Package detect implements the detection engine: evaluation of one event
// against a rule set snapshot, per-(rule, agent) cooldown suppression, and
// threat scoring.
package detect

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sentinelmon/internal/model"
	"sentinelmon/internal/rules"
)

// DefaultWeights is the default per-severity score contribution. It is
// policy, not protocol: deployments may override it.
var DefaultWeights = map[model.Severity]int{
	model.SeverityInfo:     1,
	model.SeverityLow:      3,
	model.SeverityMedium:   6,
	model.SeverityHigh:     10,
	model.SeverityCritical: 20,
}

// DefaultScoreCap bounds the combined score of one alert.
const DefaultScoreCap = 100

// Options configures an Engine. Zero fields fall back to defaults.
type Options struct {
	Weights  map[model.Severity]int
	ScoreCap int

	// Now is the clock used for cooldown decisions; tests inject it.
	Now func() time.Time
}

// Engine evaluates events against rule set snapshots. It is safe for
// concurrent use from many session goroutines: snapshots are read-only and
// the cooldown table is the only shared mutable state.
type Engine struct {
	weights   map[model.Severity]int
	scoreCap  int
	cooldowns *cooldownTable
	now       func() time.Time
	logger    *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(opts Options, logger *slog.Logger) *Engine {
	weights := opts.Weights
	if weights == nil {
		weights = DefaultWeights
	}
	scoreCap := opts.ScoreCap
	if scoreCap <= 0 {
		scoreCap = DefaultScoreCap
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		weights:   weights,
		scoreCap:  scoreCap,
		cooldowns: newCooldownTable(),
		now:       now,
		logger:    logger,
	}
}

// Evaluate runs one event through the snapshot and returns the resulting
// alerts: empty when nothing matched, otherwise a single alert combining
// every matched rule. It never errors: a leaf referencing a missing
// payload field is a non-match. Rules inside their cooldown window for
// this agent are skipped outright. The only side effect is recording fire
// times for matched rules.
func (e *Engine) Evaluate(event model.Event, snapshot *rules.Snapshot) []model.Alert {
	now := e.now()

	var (
		matched    []string
		score      int
		bestRank   int
		severity   model.Severity
		threatType model.ThreatType
	)

	for _, rule := range snapshot.RulesFor(event.Type) {
		if e.cooldowns.active(rule.Name, event.AgentID, rule.Cooldown.Std(), now) {
			continue
		}
		if !rule.Condition.Eval(event.Payload) {
			continue
		}

		if rule.Cooldown > 0 {
			e.cooldowns.markFired(rule.Name, event.AgentID, now)
		}

		matched = append(matched, rule.Name)
		score += e.weights[rule.Severity]
		// Strict comparison keeps the earliest-declared rule on ties.
		if rank := rule.Severity.Rank(); rank > bestRank {
			bestRank = rank
			severity = rule.Severity
			threatType = rule.ThreatType
		}
	}

	if len(matched) == 0 {
		return nil
	}
	if score > e.scoreCap {
		score = e.scoreCap
	}

	alert := model.Alert{
		ID:             uuid.NewString(),
		EventID:        event.ID,
		AgentID:        event.AgentID,
		MatchedRules:   matched,
		Score:          score,
		ThreatType:     threatType,
		Severity:       severity,
		RuleSetVersion: snapshot.Version,
		CreatedAt:      now,
	}

	e.logger.Info("alert raised",
		"alert_id", alert.ID,
		"agent_id", event.AgentID,
		"event_type", event.Type,
		"matched_rules", matched,
		"score", score,
		"severity", severity,
		"threat_type", threatType)

	return []model.Alert{alert}
}
