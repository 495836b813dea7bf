// Package model defines the shared data types that flow through the
// telemetry pipeline: events produced by agents, alerts produced by the
// detection engine, and the per-agent connection records kept by the
// collector.
package model

import (
	"time"
)

// Event type constants. The set is open: collectors may emit additional
// types and rules match on the string value.
const (
	EventSystemMetric = "system_metric"
	EventFile         = "file_event"
	EventProcess      = "process_event"
	EventNetwork      = "network_event"
)

// Severity is an ordered alert severity level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRanks orders severities for classification tie-breaking.
var severityRanks = map[Severity]int{
	SeverityInfo:     1,
	SeverityLow:      2,
	SeverityMedium:   3,
	SeverityHigh:     4,
	SeverityCritical: 5,
}

// Rank returns the ordering rank of a severity, 0 for unknown values.
func (s Severity) Rank() int {
	return severityRanks[s]
}

// Valid reports whether s is one of the known severity levels.
func (s Severity) Valid() bool {
	return severityRanks[s] != 0
}

// ThreatType classifies what kind of threat an alert represents.
type ThreatType string

const (
	ThreatMalware          ThreatType = "malware"
	ThreatResourceAbuse    ThreatType = "resource_abuse"
	ThreatDataExfiltration ThreatType = "data_exfiltration"
	ThreatIntrusion        ThreatType = "intrusion"
	ThreatPolicyViolation  ThreatType = "policy_violation"
	ThreatSystemTampering  ThreatType = "system_tampering"
	ThreatCommandControl   ThreatType = "command_control"
	ThreatBruteForce       ThreatType = "brute_force"
)

// Event is one immutable telemetry record from an agent. (AgentID, Sequence)
// is unique per agent; the collector dedupes replays on that pair. Every
// stage of the pipeline reads an Event, none mutates it.
type Event struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	Sequence     uint64         `json:"sequence"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Type         string         `json:"type"`
	SeverityHint Severity       `json:"severity_hint,omitempty"`
	Payload      map[string]any `json:"payload"`
}

// Alert is the derived output of one evaluation in which at least one rule
// matched. MatchedRules preserves rule declaration order. RuleSetVersion
// records which rule set snapshot produced the alert.
type Alert struct {
	ID             string     `json:"id"`
	EventID        string     `json:"event_id"`
	AgentID        string     `json:"agent_id"`
	MatchedRules   []string   `json:"matched_rules"`
	Score          int        `json:"score"`
	ThreatType     ThreatType `json:"threat_type"`
	Severity       Severity   `json:"severity"`
	RuleSetVersion int64      `json:"rule_set_version"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AgentStatus is the lifecycle state of an agent connection as seen by the
// collector.
type AgentStatus string

const (
	AgentConnecting   AgentStatus = "connecting"
	AgentActive       AgentStatus = "active"
	AgentDegraded     AgentStatus = "degraded"
	AgentDisconnected AgentStatus = "disconnected"
)

// AgentRecord tracks one known agent. Records are created on first
// handshake and survive disconnects so sequence state is preserved across
// reconnects; long-disconnected records are flagged pruned but remain
// queryable for audit.
type AgentRecord struct {
	AgentID             string      `json:"agent_id"`
	Hostname            string      `json:"hostname"`
	Status              AgentStatus `json:"status"`
	LastSequenceSeen    uint64      `json:"last_sequence_seen"`
	LastSeenAt          time.Time   `json:"last_seen_at"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Pruned              bool        `json:"pruned,omitempty"`
}
