package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelmon/internal/metrics"
	"sentinelmon/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEvent(agentID string, seq uint64) model.Event {
	return model.Event{
		ID:       fmt.Sprintf("evt-%s-%d", agentID, seq),
		AgentID:  agentID,
		Sequence: seq,
		Type:     model.EventSystemMetric,
		Payload:  map[string]any{"cpu_percent": 50.0},
	}
}

func testAlert(agentID string, severity model.Severity, threat model.ThreatType, createdAt time.Time) model.Alert {
	return model.Alert{
		ID:         "alert-" + agentID,
		AgentID:    agentID,
		Severity:   severity,
		ThreatType: threat,
		Score:      10,
		CreatedAt:  createdAt,
	}
}

func TestMemoryStore_PersistIsIdempotent(t *testing.T) {
	store, err := NewMemoryStore(10, 100)
	require.NoError(t, err)

	ctx := context.Background()
	event := testEvent("agent-1", 1)
	alert := testAlert("agent-1", model.SeverityHigh, model.ThreatResourceAbuse, time.Now())

	require.NoError(t, store.Persist(ctx, event, []model.Alert{alert}))
	require.NoError(t, store.Persist(ctx, event, []model.Alert{alert})) // redelivery

	assert.Equal(t, 1, store.EventCount())
	assert.Len(t, store.Alerts(AlertFilter{}), 1)
}

func TestMemoryStore_AlertFilters(t *testing.T) {
	store, err := NewMemoryStore(10, 100)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()

	seed := []struct {
		agent    string
		seq      uint64
		severity model.Severity
	}{
		{"agent-1", 1, model.SeverityLow},
		{"agent-1", 2, model.SeverityHigh},
		{"agent-2", 1, model.SeverityCritical},
	}
	for _, s := range seed {
		alert := testAlert(s.agent, s.severity, model.ThreatMalware, now)
		require.NoError(t, store.Persist(ctx, testEvent(s.agent, s.seq), []model.Alert{alert}))
	}

	assert.Len(t, store.Alerts(AlertFilter{}), 3)
	assert.Len(t, store.Alerts(AlertFilter{AgentID: "agent-1"}), 2)
	assert.Len(t, store.Alerts(AlertFilter{MinSeverity: model.SeverityHigh}), 2)
	assert.Len(t, store.Alerts(AlertFilter{Limit: 1}), 1)
	assert.Len(t, store.Alerts(AlertFilter{AgentID: "agent-2", MinSeverity: model.SeverityCritical}), 1)
}

func TestMemoryStore_RingEvictsOldest(t *testing.T) {
	store, err := NewMemoryStore(2, 100)
	require.NoError(t, err)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		alert := model.Alert{ID: fmt.Sprintf("alert-%d", seq), AgentID: "agent-1", Severity: model.SeverityLow}
		require.NoError(t, store.Persist(ctx, testEvent("agent-1", seq), []model.Alert{alert}))
	}

	alerts := store.Alerts(AlertFilter{})
	require.Len(t, alerts, 2)
	ids := []string{alerts[0].ID, alerts[1].ID}
	assert.NotContains(t, ids, "alert-1")
}

func TestMemoryStore_StatsSince(t *testing.T) {
	store, err := NewMemoryStore(10, 100)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()

	old := testAlert("agent-1", model.SeverityLow, model.ThreatMalware, now.Add(-48*time.Hour))
	recent := testAlert("agent-2", model.SeverityHigh, model.ThreatIntrusion, now)
	require.NoError(t, store.Persist(ctx, testEvent("agent-1", 1), []model.Alert{old}))
	require.NoError(t, store.Persist(ctx, testEvent("agent-2", 1), []model.Alert{recent}))

	stats := store.StatsSince(now.Add(-24 * time.Hour))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.BySeverity[model.SeverityHigh])
	assert.Equal(t, 1, stats.ByThreatType[model.ThreatIntrusion])
	assert.Zero(t, stats.BySeverity[model.SeverityLow])
}

// flakyPersister fails a configurable number of times per batch before
// succeeding, and records what finally landed.
type flakyPersister struct {
	mu        sync.Mutex
	failTimes int
	attempts  int
	persisted []model.Event
}

func (p *flakyPersister) Persist(_ context.Context, event model.Event, _ []model.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.attempts <= p.failTimes {
		return errors.New("store unavailable")
	}
	p.persisted = append(p.persisted, event)
	return nil
}

func (p *flakyPersister) Close() error { return nil }

func (p *flakyPersister) events() []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Event(nil), p.persisted...)
}

func TestWriter_BackpressureWhenFull(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	// Queue of one, and Run is never started, so the second enqueue must
	// be rejected rather than block.
	w := NewWriter(&flakyPersister{}, 1, time.Millisecond, 0, m, testLogger())

	require.NoError(t, w.TryEnqueue(Batch{Event: testEvent("agent-1", 1)}))
	err := w.TryEnqueue(Batch{Event: testEvent("agent-1", 2)})
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestWriter_RetriesThenPersists(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	p := &flakyPersister{failTimes: 2}
	w := NewWriter(p, 10, time.Millisecond, 3, m, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	require.NoError(t, w.TryEnqueue(Batch{Event: testEvent("agent-1", 1)}))

	require.Eventually(t, func() bool {
		return len(p.events()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.PersistErrorsTotal))

	cancel()
	<-w.Done()
}

func TestWriter_StopsRetryingWhenContextGone(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	p := &flakyPersister{failTimes: 1 << 30}
	// An hour-long retry delay: if retries outlive the context the test
	// either hangs on the delay or racks up attempts, both visible below.
	w := NewWriter(p, 1, time.Hour, 10, m, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	w.write(ctx, Batch{Event: testEvent("agent-1", 1)})
	assert.Less(t, time.Since(start), time.Second)

	p.mu.Lock()
	attempts := p.attempts
	p.mu.Unlock()
	assert.Equal(t, 1, attempts, "no further attempts once the context is gone")
}

func TestWriter_DrainsQueueOnShutdown(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	p := &flakyPersister{}
	w := NewWriter(p, 10, time.Millisecond, 0, m, testLogger())

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, w.TryEnqueue(Batch{Event: testEvent("agent-1", seq)}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	assert.Len(t, p.events(), 5)
}

func TestMulti_FansOutAndReportsFirstError(t *testing.T) {
	good := &flakyPersister{}
	bad := &flakyPersister{failTimes: 1 << 30}

	multi := Multi(good, bad)
	err := multi.Persist(context.Background(), testEvent("agent-1", 1), nil)
	require.Error(t, err)

	// The healthy store still received the write.
	assert.Len(t, good.events(), 1)
}

func TestMulti_SingleCollapses(t *testing.T) {
	p := &flakyPersister{}
	assert.Equal(t, Persister(p), Multi(p))
}

func TestHub_FanOutAndDrop(t *testing.T) {
	drops := 0
	hub := NewHub(1, func() { drops++ })

	ch, cancel := hub.Subscribe()
	defer cancel()

	alert := testAlert("agent-1", model.SeverityHigh, model.ThreatMalware, time.Now())
	hub.Publish(testEvent("agent-1", 1), []model.Alert{alert})

	batch := <-ch
	assert.Equal(t, uint64(1), batch.Event.Sequence)
	require.Len(t, batch.Alerts, 1)

	// Fill the buffer, then overflow it: the overflow is dropped, not
	// blocked on.
	hub.Publish(testEvent("agent-1", 2), nil)
	hub.Publish(testEvent("agent-1", 3), nil)
	assert.Equal(t, 1, drops)

	batch = <-ch
	assert.Equal(t, uint64(2), batch.Event.Sequence)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := NewHub(1, nil)
	ch, cancel := hub.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	hub.Publish(testEvent("agent-1", 1), nil)
}
