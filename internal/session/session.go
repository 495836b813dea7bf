package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sentinelmon/internal/metrics"
	"sentinelmon/internal/model"
	"sentinelmon/internal/sink"
	"sentinelmon/internal/wire"
)

// Config tunes the session state machine. Zero values take defaults.
type Config struct {
	// HeartbeatTimeout is how long the session tolerates silence before
	// degrading the agent record.
	HeartbeatTimeout time.Duration

	// AckBatch is how many delivered events accumulate before an Ack is
	// forced; AckInterval flushes sooner on idle connections.
	AckBatch    int
	AckInterval time.Duration

	// ReorderWindow bounds how far ahead of the next expected sequence a
	// frame may arrive before the gap counts as a protocol violation.
	ReorderWindow int

	// MaxConsecutiveFailures closes the session after that many missed
	// heartbeat windows.
	MaxConsecutiveFailures int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 15 * time.Second
	}
	if c.AckBatch <= 0 {
		c.AckBatch = 16
	}
	if c.AckInterval <= 0 {
		c.AckInterval = time.Second
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = 64
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	return c
}

// Handler receives events in per-agent sequence order. Returning
// sink.ErrBackpressure makes the session reject the event and close with a
// backpressure signal; any other error is logged and the event is skipped
// but still acknowledged, so the agent does not resend it forever.
type Handler interface {
	HandleEvent(ctx context.Context, event model.Event) error
}

// Session is the collector side of one agent connection. It owns its read
// loop and is the only goroutine mutating its sequencing state; the
// registry may close it from outside when it is replaced.
type Session struct {
	agentID  string
	hostname string
	conn     net.Conn
	codec    *wire.Codec
	registry *Registry
	handler  Handler
	cfg      Config
	m        *metrics.Metrics
	logger   *slog.Logger

	lastDelivered atomic.Uint64
	pending       map[uint64]model.Event
	unacked       int
	ackPending    bool

	mu        sync.Mutex
	lastFrame time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// Open performs the collector side of the handshake on a fresh connection
// and registers the session. The reply carries the minimum sequence the
// collector expects next, so the agent resumes exactly where the last
// session left off.
func Open(conn net.Conn, registry *Registry, handler Handler, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	codec := wire.NewCodec(conn)

	conn.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout))
	frame, err := codec.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if frame.Type != wire.FrameHandshake {
		codec.WriteFrame(wire.FrameClose, wire.Close{Reason: wire.CloseViolation})
		conn.Close()
		return nil, &wire.ProtocolError{Reason: "expected handshake frame"}
	}
	var hs wire.Handshake
	if err := frame.Decode(&hs); err != nil {
		conn.Close()
		return nil, err
	}
	if hs.AgentID == "" {
		codec.WriteFrame(wire.FrameClose, wire.Close{Reason: wire.CloseViolation})
		conn.Close()
		return nil, &wire.ProtocolError{Reason: "handshake without agent_id"}
	}

	s := &Session{
		agentID:  hs.AgentID,
		hostname: hs.Hostname,
		conn:     conn,
		codec:    codec,
		registry: registry,
		handler:  handler,
		cfg:      cfg,
		m:        m,
		logger:   logger.With("agent_id", hs.AgentID),
		pending:  make(map[uint64]model.Event),
		closed:   make(chan struct{}),
	}
	s.setLastFrame(time.Now())

	resumeFrom, err := registry.attach(s, cfg.HeartbeatTimeout)
	if err != nil {
		codec.WriteFrame(wire.FrameClose, wire.Close{Reason: wire.CloseDuplicate})
		conn.Close()
		return nil, fmt.Errorf("agent %s: %w", hs.AgentID, err)
	}
	s.lastDelivered.Store(resumeFrom - 1)

	if err := codec.WriteFrame(wire.FrameHandshakeAck, wire.HandshakeAck{ResumeFromSequence: resumeFrom}); err != nil {
		s.close("")
		return nil, fmt.Errorf("write handshake ack: %w", err)
	}

	registry.touch(hs.AgentID, 0)
	s.logger.Info("session established",
		"hostname", hs.Hostname,
		"resume_from", resumeFrom)
	return s, nil
}

// AgentID returns the agent this session serves.
func (s *Session) AgentID() string {
	return s.agentID
}

// Run drives the session until it closes. Cancelling ctx closes the
// session with a shutdown reason.
func (s *Session) Run(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.close(wire.CloseShutdown)
		case <-s.closed:
		}
	}()
	defer s.close("")

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		// Short read deadlines double as the ack flush tick.
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.AckInterval))
		frame, err := s.codec.ReadFrame()
		if err != nil {
			if isTimeout(err) {
				s.flushAck()
				if s.heartbeatExpired() {
					return
				}
				continue
			}
			var pe *wire.ProtocolError
			if errors.As(err, &pe) {
				s.violation(pe.Reason)
				return
			}
			select {
			case <-s.closed:
			default:
				s.logger.Warn("session transport failure", "error", err)
			}
			return
		}

		s.setLastFrame(time.Now())

		switch frame.Type {
		case wire.FrameEvent:
			if !s.handleEvent(ctx, frame) {
				return
			}
		case wire.FrameHeartbeat:
			s.registry.touch(s.agentID, s.lastDelivered.Load())
			s.flushAck()
		case wire.FrameClose:
			var cl wire.Close
			frame.Decode(&cl)
			s.logger.Info("agent closed session", "reason", cl.Reason)
			s.flushAck()
			return
		default:
			s.violation(fmt.Sprintf("unexpected frame type %d", frame.Type))
			return
		}
	}
}

// handleEvent applies the sequencing rules to one event frame and reports
// whether the session should keep running.
func (s *Session) handleEvent(ctx context.Context, frame *wire.RawFrame) bool {
	var ef wire.EventFrame
	if err := frame.Decode(&ef); err != nil {
		s.violation("malformed event frame")
		return false
	}
	if ef.Event.AgentID != s.agentID || ef.Event.Sequence != ef.Sequence {
		s.violation("event frame identity mismatch")
		return false
	}

	next := s.lastDelivered.Load() + 1
	switch {
	case ef.Sequence < next:
		// Idempotent redelivery: drop, but re-ack so the agent stops
		// resending.
		s.m.EventsDuplicateTotal.Inc()
		s.ackPending = true

	case ef.Sequence == next:
		if !s.deliver(ctx, ef.Event) {
			return false
		}
		// Flush any parked frames that are now contiguous.
		for {
			ev, ok := s.pending[s.lastDelivered.Load()+1]
			if !ok {
				break
			}
			delete(s.pending, ev.Sequence)
			if !s.deliver(ctx, ev) {
				return false
			}
		}

	case ef.Sequence-next > uint64(s.cfg.ReorderWindow) || len(s.pending) >= s.cfg.ReorderWindow:
		s.violation(fmt.Sprintf("sequence gap: expected %d, got %d", next, ef.Sequence))
		return false

	default:
		// Ahead of the next expected sequence: park until the gap fills.
		s.pending[ef.Sequence] = ef.Event
	}

	if s.unacked >= s.cfg.AckBatch {
		s.flushAck()
	}
	return true
}

// deliver hands one in-order event to the handler and advances the
// session's sequence state.
func (s *Session) deliver(ctx context.Context, event model.Event) bool {
	if err := s.handler.HandleEvent(ctx, event); err != nil {
		if errors.Is(err, sink.ErrBackpressure) {
			s.m.EventsRejectedTotal.Inc()
			s.logger.Warn("rejecting event, persist queue saturated", "sequence", event.Sequence)
			s.close(wire.CloseBackpressure)
			return false
		}
		s.logger.Warn("event dropped by handler",
			"sequence", event.Sequence,
			"error", err)
	}
	s.lastDelivered.Store(event.Sequence)
	s.registry.touch(s.agentID, event.Sequence)
	s.unacked++
	return true
}

// flushAck sends a batched acknowledgement for everything delivered so
// far.
func (s *Session) flushAck() {
	if s.unacked == 0 && !s.ackPending {
		return
	}
	if err := s.codec.WriteFrame(wire.FrameAck, wire.Ack{UpToSequence: s.lastDelivered.Load()}); err != nil {
		s.logger.Debug("ack write failed", "error", err)
		return
	}
	s.unacked = 0
	s.ackPending = false
}

// heartbeatExpired handles a silent interval: the record degrades first
// and the session closes after the configured number of missed windows.
func (s *Session) heartbeatExpired() bool {
	if time.Since(s.lastFrameAt()) < s.cfg.HeartbeatTimeout {
		return false
	}
	failures := s.registry.markDegraded(s.agentID)
	s.setLastFrame(time.Now())
	s.logger.Warn("heartbeat missed, agent degraded", "consecutive_failures", failures)
	if failures >= s.cfg.MaxConsecutiveFailures {
		s.close(wire.CloseTimeout)
		return true
	}
	return false
}

func (s *Session) violation(reason string) {
	s.m.ProtocolViolations.Inc()
	s.logger.Warn("protocol violation", "reason", reason)
	s.close(wire.CloseViolation)
}

// close shuts the session down exactly once. A non-empty reason is sent to
// the agent as a Close frame on a best-effort basis. The registry keeps
// the agent record with its last delivered sequence so a future handshake
// resumes correctly.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		if reason != "" {
			s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			s.codec.WriteFrame(wire.FrameClose, wire.Close{Reason: reason})
		}
		s.conn.Close()
		s.registry.detach(s, s.lastDelivered.Load())
		close(s.closed)
		s.logger.Info("session closed", "reason", reason, "last_sequence", s.lastDelivered.Load())
	})
}

func (s *Session) setLastFrame(t time.Time) {
	s.mu.Lock()
	s.lastFrame = t
	s.mu.Unlock()
}

func (s *Session) lastFrameAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}

// isTimeout reports whether a read failed only because its deadline
// passed.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
