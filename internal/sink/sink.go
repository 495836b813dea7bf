// Package sink carries accepted (event, alerts) pairs out of the
// collector: a durable persist path (at-least-once, idempotent on
// (agent_id, sequence)) and a best-effort publish path for live viewers.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sentinelmon/internal/metrics"
	"sentinelmon/internal/model"
)

// Batch is one accepted event with the alerts it produced.
type Batch struct {
	Event  model.Event   `json:"event"`
	Alerts []model.Alert `json:"alerts"`
}

// Persister is the durable write path. Implementations must be idempotent
// under (agent_id, sequence): persisting the same pair twice yields one
// stored record.
type Persister interface {
	Persist(ctx context.Context, event model.Event, alerts []model.Alert) error
	Close() error
}

// Publisher is the best-effort fan-out path. Implementations may drop
// under backpressure; they are a view, not a durability guarantee.
type Publisher interface {
	Publish(event model.Event, alerts []model.Alert)
}

// ErrBackpressure signals that the persist queue is full and the caller
// must reject the event rather than buffer it unboundedly.
var ErrBackpressure = errors.New("persist queue full")

// multiPersister fans one write out to several stores. Every store is
// attempted; the first error is returned so the writer retries the batch
// (stores are idempotent under (agent_id, sequence), so replays are safe).
type multiPersister []Persister

// Multi combines persisters into one. Nil entries are skipped so optional
// stores can be passed straight through.
func Multi(stores ...Persister) Persister {
	var mp multiPersister
	for _, s := range stores {
		if s != nil {
			mp = append(mp, s)
		}
	}
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}

func (mp multiPersister) Persist(ctx context.Context, event model.Event, alerts []model.Alert) error {
	var firstErr error
	for _, s := range mp {
		if err := s.Persist(ctx, event, alerts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (mp multiPersister) Close() error {
	var firstErr error
	for _, s := range mp {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Writer drives a Persister from a bounded queue so a slow or unavailable
// store never blocks sessions or the engine. Failed batches are retried
// with a fixed delay; persistent failure surfaces as a degraded-storage
// signal (metric + log), not as session errors.
type Writer struct {
	persister  Persister
	queue      chan Batch
	retryDelay time.Duration
	maxRetries int
	metrics    *metrics.Metrics
	logger     *slog.Logger
	done       chan struct{}
}

// NewWriter creates a writer with the given queue capacity.
func NewWriter(p Persister, queueSize int, retryDelay time.Duration, maxRetries int, m *metrics.Metrics, logger *slog.Logger) *Writer {
	return &Writer{
		persister:  p,
		queue:      make(chan Batch, queueSize),
		retryDelay: retryDelay,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// TryEnqueue queues a batch for persistence. It never blocks: when the
// queue is full it returns ErrBackpressure and the session rejects the
// event back to the agent.
func (w *Writer) TryEnqueue(batch Batch) error {
	select {
	case w.queue <- batch:
		w.metrics.PersistQueueDepth.Set(float64(len(w.queue)))
		return nil
	default:
		return ErrBackpressure
	}
}

// Run drains the queue until ctx is cancelled, then finishes whatever is
// already queued.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case batch := <-w.queue:
			w.write(ctx, batch)
			w.metrics.PersistQueueDepth.Set(float64(len(w.queue)))
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

// Done is closed once Run has returned.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case batch := <-w.queue:
			w.write(ctx, batch)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, batch Batch) {
	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.retryDelay):
			case <-ctx.Done():
			}
			// No context left to retry under; drop the batch rather
			// than hammer the store with doomed attempts.
			if ctx.Err() != nil {
				break
			}
		}
		if err = w.persister.Persist(ctx, batch.Event, batch.Alerts); err == nil {
			return
		}
		w.metrics.PersistErrorsTotal.Inc()
		w.logger.Warn("persist attempt failed",
			"agent_id", batch.Event.AgentID,
			"sequence", batch.Event.Sequence,
			"attempt", attempt+1,
			"error", err)
	}
	w.logger.Error("storage degraded, batch dropped after retries",
		"agent_id", batch.Event.AgentID,
		"sequence", batch.Event.Sequence,
		"error", err)
}
