// Package collector runs the TCP ingest listener and the event pipeline
// behind it: schema validation, rule evaluation, and fan-out to the
// persistence writer and best-effort publishers.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"sentinelmon/internal/detect"
	"sentinelmon/internal/metrics"
	"sentinelmon/internal/model"
	"sentinelmon/internal/rules"
	"sentinelmon/internal/session"
	"sentinelmon/internal/sink"
	"sentinelmon/internal/validate"
)

// Options configures the collector server.
type Options struct {
	// Addr is the TCP listen address for agent connections.
	Addr string

	// Session tunes per-connection behavior (heartbeats, ack batching,
	// reorder window).
	Session session.Config

	// PruneInterval is how often stale agent records are swept.
	// PruneMaxAge is how long a disconnected agent is kept before it is
	// flagged as pruned. Zero disables the sweep.
	PruneInterval time.Duration
	PruneMaxAge   time.Duration
}

// Server accepts agent connections and drives accepted events through the
// detection pipeline.
type Server struct {
	opts       Options
	registry   *session.Registry
	loader     *rules.Loader
	engine     *detect.Engine
	writer     *sink.Writer
	publishers []sink.Publisher
	validator  *validate.Validator
	metrics    *metrics.Metrics
	logger     *slog.Logger

	wg sync.WaitGroup
}

// New builds a server. The writer's Run loop and the listener are started
// by Serve; publishers are fanned out inline and must not block.
func New(opts Options, registry *session.Registry, loader *rules.Loader, engine *detect.Engine, writer *sink.Writer, publishers []sink.Publisher, validator *validate.Validator, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		opts:       opts,
		registry:   registry,
		loader:     loader,
		engine:     engine,
		writer:     writer,
		publishers: publishers,
		validator:  validator,
		metrics:    m,
		logger:     logger,
	}
}

// Registry exposes the agent registry, used by the HTTP status API.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Serve listens on Addr and blocks until ctx is cancelled, then closes the
// listener and waits for in-flight sessions to drain.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("collector listening", "addr", ln.Addr().String())
	return s.ServeOn(ctx, ln)
}

// ServeOn is Serve with a caller-provided listener, used by tests that
// need an ephemeral port.
func (s *Server) ServeOn(ctx context.Context, ln net.Listener) error {
	if s.opts.PruneInterval > 0 {
		s.wg.Add(1)
		go s.pruneLoop(ctx)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("accept failed", "error", err)
			break
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
	s.wg.Wait()
	return ctx.Err()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	sess, err := session.Open(conn, s.registry, s, s.opts.Session, s.metrics, s.logger)
	if err != nil {
		s.logger.Warn("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	s.metrics.SessionsActive.Inc()
	defer s.metrics.SessionsActive.Dec()

	sess.Run(ctx)
}

// HandleEvent is the per-event pipeline, called by sessions in sequence
// order. Invalid events are counted and dropped but still acknowledged;
// only backpressure propagates back to the session.
func (s *Server) HandleEvent(ctx context.Context, event model.Event) error {
	if err := s.validator.Event(event); err != nil {
		s.metrics.EventsInvalidTotal.Inc()
		s.logger.Warn("event failed validation",
			"agent_id", event.AgentID,
			"sequence", event.Sequence,
			"error", err)
		return nil
	}

	snapshot := s.loader.Snapshot()

	start := time.Now()
	alerts := s.engine.Evaluate(event, snapshot)
	s.metrics.EvalDuration.Observe(time.Since(start).Seconds())

	s.metrics.EventsTotal.Inc()
	if len(alerts) > 0 {
		s.metrics.AlertsTotal.Add(float64(len(alerts)))
	}

	// Backpressure propagates to the session, which counts the rejection
	// and closes the connection.
	if err := s.writer.TryEnqueue(sink.Batch{Event: event, Alerts: alerts}); err != nil {
		return err
	}

	for _, pub := range s.publishers {
		pub.Publish(event, alerts)
	}
	return nil
}

func (s *Server) pruneLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.registry.Prune(s.opts.PruneMaxAge); n > 0 {
				s.logger.Info("pruned stale agents", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
