package detect

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelmon/internal/model"
	"sentinelmon/internal/rules"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSnapshot(t *testing.T, rs []rules.Rule) *rules.Snapshot {
	t.Helper()
	loader := rules.NewLoader("", rs, testLogger())
	snapshot, err := loader.Load()
	require.NoError(t, err)
	return snapshot
}

func metricEvent(agentID string, cpu float64) model.Event {
	return model.Event{
		ID:       "evt-" + agentID,
		AgentID:  agentID,
		Sequence: 1,
		Type:     model.EventSystemMetric,
		Payload:  map[string]any{"cpu_percent": cpu},
	}
}

func TestEngine_SingleMatch(t *testing.T) {
	snapshot := testSnapshot(t, []rules.Rule{{
		Name:       "high_cpu",
		AppliesTo:  []string{model.EventSystemMetric},
		Condition:  rules.Condition{Field: "cpu_percent", Op: rules.OpGt, Value: 90},
		Severity:   model.SeverityHigh,
		ThreatType: model.ThreatResourceAbuse,
	}})
	engine := NewEngine(Options{}, testLogger())

	alerts := engine.Evaluate(metricEvent("agent-1", 95), snapshot)
	require.Len(t, alerts, 1)

	alert := alerts[0]
	assert.Equal(t, []string{"high_cpu"}, alert.MatchedRules)
	assert.Equal(t, 10, alert.Score)
	assert.Equal(t, model.SeverityHigh, alert.Severity)
	assert.Equal(t, model.ThreatResourceAbuse, alert.ThreatType)
	assert.Equal(t, snapshot.Version, alert.RuleSetVersion)
	assert.Equal(t, "evt-agent-1", alert.EventID)
	assert.NotEmpty(t, alert.ID)
}

func TestEngine_NoMatchReturnsNil(t *testing.T) {
	snapshot := testSnapshot(t, []rules.Rule{{
		Name:       "high_cpu",
		AppliesTo:  []string{model.EventSystemMetric},
		Condition:  rules.Condition{Field: "cpu_percent", Op: rules.OpGt, Value: 90},
		Severity:   model.SeverityHigh,
		ThreatType: model.ThreatResourceAbuse,
	}})
	engine := NewEngine(Options{}, testLogger())

	assert.Nil(t, engine.Evaluate(metricEvent("agent-1", 50), snapshot))
}

func TestEngine_CombinedAlertScoresAndClassifies(t *testing.T) {
	// One medium and one critical rule both match: score 6+20, and the
	// critical rule's threat type wins the classification.
	snapshot := testSnapshot(t, []rules.Rule{
		{
			Name:       "elevated_cpu",
			AppliesTo:  []string{model.EventSystemMetric},
			Condition:  rules.Condition{Field: "cpu_percent", Op: rules.OpGt, Value: 70},
			Severity:   model.SeverityMedium,
			ThreatType: model.ThreatResourceAbuse,
		},
		{
			Name:       "cpu_redline",
			AppliesTo:  []string{model.EventSystemMetric},
			Condition:  rules.Condition{Field: "cpu_percent", Op: rules.OpGt, Value: 95},
			Severity:   model.SeverityCritical,
			ThreatType: model.ThreatSystemTampering,
		},
	})
	engine := NewEngine(Options{}, testLogger())

	alerts := engine.Evaluate(metricEvent("agent-1", 99), snapshot)
	require.Len(t, alerts, 1)

	alert := alerts[0]
	assert.Equal(t, []string{"elevated_cpu", "cpu_redline"}, alert.MatchedRules)
	assert.Equal(t, 26, alert.Score)
	assert.Equal(t, model.SeverityCritical, alert.Severity)
	assert.Equal(t, model.ThreatSystemTampering, alert.ThreatType)
}

func TestEngine_SeverityTieKeepsDeclarationOrder(t *testing.T) {
	snapshot := testSnapshot(t, []rules.Rule{
		{
			Name:       "first_high",
			AppliesTo:  []string{model.EventSystemMetric},
			Condition:  rules.Condition{Field: "cpu_percent", Op: rules.OpGt, Value: 50},
			Severity:   model.SeverityHigh,
			ThreatType: model.ThreatResourceAbuse,
		},
		{
			Name:       "second_high",
			AppliesTo:  []string{model.EventSystemMetric},
			Condition:  rules.Condition{Field: "cpu_percent", Op: rules.OpGt, Value: 60},
			Severity:   model.SeverityHigh,
			ThreatType: model.ThreatMalware,
		},
	})
	engine := NewEngine(Options{}, testLogger())

	alerts := engine.Evaluate(metricEvent("agent-1", 95), snapshot)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.ThreatResourceAbuse, alerts[0].ThreatType)
}

func TestEngine_ScoreCap(t *testing.T) {
	var many []rules.Rule
	for _, name := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		many = append(many, rules.Rule{
			Name:       name,
			AppliesTo:  []string{model.EventSystemMetric},
			Condition:  rules.Condition{Field: "cpu_percent", Op: rules.OpGt, Value: 0},
			Severity:   model.SeverityCritical,
			ThreatType: model.ThreatSystemTampering,
		})
	}
	engine := NewEngine(Options{}, testLogger())

	alerts := engine.Evaluate(metricEvent("agent-1", 99), testSnapshot(t, many))
	require.Len(t, alerts, 1)
	assert.Equal(t, DefaultScoreCap, alerts[0].Score)
}

func TestEngine_CustomWeightsAndCap(t *testing.T) {
	snapshot := testSnapshot(t, []rules.Rule{{
		Name:       "high_cpu",
		AppliesTo:  []string{model.EventSystemMetric},
		Condition:  rules.Condition{Field: "cpu_percent", Op: rules.OpGt, Value: 90},
		Severity:   model.SeverityHigh,
		ThreatType: model.ThreatResourceAbuse,
	}})
	engine := NewEngine(Options{
		Weights:  map[model.Severity]int{model.SeverityHigh: 50},
		ScoreCap: 40,
	}, testLogger())

	alerts := engine.Evaluate(metricEvent("agent-1", 95), snapshot)
	require.Len(t, alerts, 1)
	assert.Equal(t, 40, alerts[0].Score)
}

func TestEngine_CooldownSuppressesPerAgent(t *testing.T) {
	snapshot := testSnapshot(t, []rules.Rule{{
		Name:       "high_cpu",
		AppliesTo:  []string{model.EventSystemMetric},
		Condition:  rules.Condition{Field: "cpu_percent", Op: rules.OpGt, Value: 90},
		Severity:   model.SeverityHigh,
		ThreatType: model.ThreatResourceAbuse,
		Cooldown:   rules.Duration(5 * time.Minute),
	}})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(Options{Now: func() time.Time { return now }}, testLogger())

	// First fire raises an alert.
	require.Len(t, engine.Evaluate(metricEvent("agent-1", 95), snapshot), 1)

	// Within the window the rule is suppressed for the same agent.
	now = now.Add(time.Minute)
	assert.Empty(t, engine.Evaluate(metricEvent("agent-1", 95), snapshot))

	// Cooldowns are per agent: another agent still fires.
	require.Len(t, engine.Evaluate(metricEvent("agent-2", 95), snapshot), 1)

	// After the window expires the rule fires again.
	now = now.Add(5 * time.Minute)
	assert.Len(t, engine.Evaluate(metricEvent("agent-1", 95), snapshot), 1)
}

func TestEngine_NoCooldownFiresEveryTime(t *testing.T) {
	snapshot := testSnapshot(t, []rules.Rule{{
		Name:       "high_cpu",
		AppliesTo:  []string{model.EventSystemMetric},
		Condition:  rules.Condition{Field: "cpu_percent", Op: rules.OpGt, Value: 90},
		Severity:   model.SeverityHigh,
		ThreatType: model.ThreatResourceAbuse,
	}})
	engine := NewEngine(Options{}, testLogger())

	for i := 0; i < 3; i++ {
		assert.Len(t, engine.Evaluate(metricEvent("agent-1", 95), snapshot), 1)
	}
}

func TestEngine_SkipsRulesForOtherEventTypes(t *testing.T) {
	snapshot := testSnapshot(t, []rules.Rule{{
		Name:       "tmp_drop",
		AppliesTo:  []string{model.EventFile},
		Condition:  rules.Condition{Field: "file_path", Op: rules.OpContains, Value: "/tmp"},
		Severity:   model.SeverityMedium,
		ThreatType: model.ThreatMalware,
	}})
	engine := NewEngine(Options{}, testLogger())

	event := model.Event{
		ID:      "evt-1",
		AgentID: "agent-1",
		Type:    model.EventProcess,
		Payload: map[string]any{"file_path": "/tmp/x"},
	}
	assert.Empty(t, engine.Evaluate(event, snapshot))
}

func TestEngine_DefaultRuleScenarios(t *testing.T) {
	snapshot := testSnapshot(t, rules.DefaultRules())
	engine := NewEngine(Options{}, testLogger())

	tests := []struct {
		name      string
		event     model.Event
		wantRule  string
		wantAlert bool
	}{
		{
			name: "suspicious file in tmp",
			event: model.Event{
				ID: "e1", AgentID: "a1", Type: model.EventFile,
				Payload: map[string]any{"file_path": "/tmp/dropper.exe"},
			},
			wantRule:  "suspicious_file_creation",
			wantAlert: true,
		},
		{
			name: "system file modification",
			event: model.Event{
				ID: "e2", AgentID: "a2", Type: model.EventFile,
				Payload: map[string]any{"file_path": "/etc/passwd", "action": "modified"},
			},
			wantRule:  "system_file_modification",
			wantAlert: true,
		},
		{
			name: "suspicious remote port",
			event: model.Event{
				ID: "e3", AgentID: "a3", Type: model.EventNetwork,
				Payload: map[string]any{"remote_port": float64(31337)},
			},
			wantRule:  "suspicious_remote_port",
			wantAlert: true,
		},
		{
			name: "benign process",
			event: model.Event{
				ID: "e4", AgentID: "a4", Type: model.EventProcess,
				Payload: map[string]any{"process_name": "postgres", "cpu_percent": 5.0},
			},
			wantAlert: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := engine.Evaluate(tt.event, snapshot)
			if !tt.wantAlert {
				assert.Empty(t, alerts)
				return
			}
			require.Len(t, alerts, 1)
			assert.Contains(t, alerts[0].MatchedRules, tt.wantRule)
		})
	}
}
