// Package agent implements the telemetry agent: it samples collectors on
// an interval, assigns per-agent sequence numbers, and streams events to
// the collector over the framed protocol, resuming after disconnects.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinelmon/internal/model"
	"sentinelmon/internal/wire"
)

// Config holds agent runtime settings.
type Config struct {
	CollectorAddr     string
	AgentID           string
	Hostname          string
	CollectInterval   time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration

	// QueueSize bounds the unacknowledged event buffer. When the buffer
	// is full new samples are dropped, never queued events: dropping
	// tail samples keeps the sequence stream contiguous.
	QueueSize int

	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// MaxRetries is how many consecutive failed connection attempts are
	// tolerated before the agent starts logging at error level. It keeps
	// retrying regardless; a telemetry agent that gives up is worse than
	// one that complains.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.CollectInterval <= 0 {
		c.CollectInterval = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// Runtime is the agent's connection and collection loop.
type Runtime struct {
	cfg        Config
	collectors []Collector
	logger     *slog.Logger

	mu        sync.Mutex
	queue     []model.Event // unacked events in ascending sequence order
	nextSeq   uint64
	lastAcked uint64
	dropped   uint64
}

// New creates a runtime. Sequence numbers start at 1.
func New(cfg Config, collectors []Collector, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg.withDefaults(),
		collectors: collectors,
		logger:     logger,
		nextSeq:    1,
	}
}

// Run connects, streams, and reconnects until ctx is cancelled. Unacked
// events survive reconnects and are replayed from the collector's resume
// point.
func (r *Runtime) Run(ctx context.Context) error {
	backoff := Backoff{Base: r.cfg.ReconnectBase, Max: r.cfg.ReconnectMax}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.runSession(ctx, &backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := backoff.Next()
		if backoff.Attempts() > r.cfg.MaxRetries {
			r.logger.Error("collector unreachable, still retrying",
				"attempts", backoff.Attempts(),
				"retry_in", delay,
				"error", err)
		} else {
			r.logger.Warn("session ended, reconnecting",
				"retry_in", delay,
				"error", err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// runSession dials, performs the handshake, replays the unacked queue,
// and streams until the connection breaks or ctx is cancelled.
func (r *Runtime) runSession(ctx context.Context, backoff *Backoff) error {
	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.CollectorAddr)
	if err != nil {
		return fmt.Errorf("dial collector: %w", err)
	}
	defer conn.Close()

	codec := wire.NewCodec(conn)

	resumeFrom, err := r.handshake(conn, codec)
	if err != nil {
		return err
	}
	backoff.Reset()
	r.logger.Info("connected to collector",
		"addr", r.cfg.CollectorAddr,
		"resume_from", resumeFrom)

	r.applyResume(resumeFrom)

	// The reader goroutine owns all reads for this session. It prunes the
	// queue on acks and surfaces the first terminal condition.
	readerDone := make(chan error, 1)
	go func() { readerDone <- r.readLoop(codec) }()

	if err := r.replay(codec); err != nil {
		return err
	}

	collect := time.NewTicker(r.cfg.CollectInterval)
	defer collect.Stop()
	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			codec.WriteFrame(wire.FrameClose, wire.Close{Reason: wire.CloseShutdown})
			return ctx.Err()
		case err := <-readerDone:
			return err
		case <-collect.C:
			if err := r.collectAndSend(ctx, codec); err != nil {
				return err
			}
			heartbeat.Reset(r.cfg.HeartbeatInterval)
		case <-heartbeat.C:
			if err := codec.WriteFrame(wire.FrameHeartbeat, wire.Heartbeat{}); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

func (r *Runtime) handshake(conn net.Conn, codec *wire.Codec) (uint64, error) {
	r.mu.Lock()
	lastAcked := r.lastAcked
	r.mu.Unlock()

	err := codec.WriteFrame(wire.FrameHandshake, wire.Handshake{
		AgentID:           r.cfg.AgentID,
		Hostname:          r.cfg.Hostname,
		LastSequenceAcked: lastAcked,
	})
	if err != nil {
		return 0, fmt.Errorf("send handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(r.cfg.HandshakeTimeout))
	frame, err := codec.ReadFrame()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return 0, fmt.Errorf("read handshake reply: %w", err)
	}

	switch frame.Type {
	case wire.FrameHandshakeAck:
		var ack wire.HandshakeAck
		if err := frame.Decode(&ack); err != nil {
			return 0, err
		}
		return ack.ResumeFromSequence, nil
	case wire.FrameClose:
		var cl wire.Close
		frame.Decode(&cl)
		return 0, fmt.Errorf("collector refused session: %s", cl.Reason)
	default:
		return 0, &wire.ProtocolError{Reason: fmt.Sprintf("unexpected frame type %d during handshake", frame.Type)}
	}
}

// applyResume drops queued events the collector has already seen and
// fast-forwards the sequence counter if the collector is ahead.
func (r *Runtime) applyResume(resumeFrom uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := 0
	for i < len(r.queue) && r.queue[i].Sequence < resumeFrom {
		i++
	}
	if i > 0 {
		r.queue = append(r.queue[:0], r.queue[i:]...)
	}
	if resumeFrom > 0 && resumeFrom-1 > r.lastAcked {
		r.lastAcked = resumeFrom - 1
	}
	if resumeFrom > r.nextSeq {
		r.nextSeq = resumeFrom
	}
}

// replay resends everything still unacknowledged.
func (r *Runtime) replay(codec *wire.Codec) error {
	r.mu.Lock()
	pending := make([]model.Event, len(r.queue))
	copy(pending, r.queue)
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	r.logger.Info("replaying unacknowledged events", "count", len(pending))
	for _, ev := range pending {
		frame := wire.EventFrame{Sequence: ev.Sequence, Event: ev}
		if err := codec.WriteFrame(wire.FrameEvent, frame); err != nil {
			return fmt.Errorf("replay event: %w", err)
		}
	}
	return nil
}

// collectAndSend runs every collector once and streams the samples.
func (r *Runtime) collectAndSend(ctx context.Context, codec *wire.Codec) error {
	for _, c := range r.collectors {
		samples, err := c.Collect(ctx)
		if err != nil {
			r.logger.Warn("collector failed", "collector", c.Name(), "error", err)
			continue
		}
		for _, sample := range samples {
			ev, ok := r.enqueue(sample)
			if !ok {
				continue
			}
			frame := wire.EventFrame{Sequence: ev.Sequence, Event: ev}
			if err := codec.WriteFrame(wire.FrameEvent, frame); err != nil {
				return fmt.Errorf("send event: %w", err)
			}
		}
	}
	return nil
}

// enqueue wraps a sample into an event with the next sequence number and
// stores it pending acknowledgement. Samples are dropped when the buffer
// is full.
func (r *Runtime) enqueue(sample Sample) (model.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) >= r.cfg.QueueSize {
		r.dropped++
		if r.dropped == 1 || r.dropped%100 == 0 {
			r.logger.Warn("event buffer full, dropping samples", "dropped", r.dropped)
		}
		return model.Event{}, false
	}

	ev := model.Event{
		ID:           uuid.NewString(),
		AgentID:      r.cfg.AgentID,
		Sequence:     r.nextSeq,
		OccurredAt:   time.Now().UTC(),
		Type:         sample.Type,
		SeverityHint: sample.SeverityHint,
		Payload:      sample.Payload,
	}
	r.nextSeq++
	r.queue = append(r.queue, ev)
	return ev, true
}

// readLoop consumes acks until the collector closes the session or the
// connection breaks.
func (r *Runtime) readLoop(codec *wire.Codec) error {
	for {
		frame, err := codec.ReadFrame()
		if err != nil {
			return err
		}
		switch frame.Type {
		case wire.FrameAck:
			var ack wire.Ack
			if err := frame.Decode(&ack); err != nil {
				return err
			}
			r.acknowledge(ack.UpToSequence)
		case wire.FrameClose:
			var cl wire.Close
			if err := frame.Decode(&cl); err != nil {
				return err
			}
			return fmt.Errorf("collector closed session: %s", cl.Reason)
		default:
			return &wire.ProtocolError{Reason: fmt.Sprintf("unexpected frame type %d from collector", frame.Type)}
		}
	}
}

// acknowledge drops queued events covered by a cumulative ack.
func (r *Runtime) acknowledge(upTo uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if upTo <= r.lastAcked {
		return
	}
	r.lastAcked = upTo
	i := 0
	for i < len(r.queue) && r.queue[i].Sequence <= upTo {
		i++
	}
	if i > 0 {
		r.queue = append(r.queue[:0], r.queue[i:]...)
	}
}

// Pending reports how many events await acknowledgement.
func (r *Runtime) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Dropped reports how many samples were discarded due to a full buffer.
func (r *Runtime) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
