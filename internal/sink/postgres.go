package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"sentinelmon/internal/model"
)

// PostgresStore persists events and alerts to PostgreSQL. The unique
// constraint on (agent_id, sequence) plus ON CONFLICT DO NOTHING makes the
// write path idempotent under at-least-once delivery.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens a store from a DSN. An empty DSN returns a nil store,
// which callers treat as "postgres disabled".
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Persist writes the event and its alerts in one transaction. Replayed
// (agent_id, sequence) pairs insert nothing and return nil.
func (s *PostgresStore) Persist(ctx context.Context, event model.Event, alerts []model.Alert) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, agent_id, sequence, occurred_at, type, severity_hint, payload)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (agent_id, sequence) DO NOTHING
	`, event.ID, event.AgentID, int64(event.Sequence), event.OccurredAt, event.Type, string(event.SeverityHint), payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	// A conflict means this is a redelivery; its alerts were stored with
	// the first delivery.
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	for _, alert := range alerts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alerts (id, event_id, agent_id, matched_rules, score, threat_type, severity, rule_set_version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, alert.ID, alert.EventID, alert.AgentID, pq.Array(alert.MatchedRules),
			alert.Score, string(alert.ThreatType), string(alert.Severity),
			alert.RuleSetVersion, alert.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
