// Package wire implements the framed agent→collector protocol: a
// persistent duplex connection carrying length/type-tagged frames with
// JSON payloads. Large payloads are zstd-compressed and flagged in the
// frame header.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"sentinelmon/internal/model"
)

// FrameType tags the payload carried by a frame.
type FrameType byte

const (
	FrameHandshake    FrameType = 1
	FrameHandshakeAck FrameType = 2
	FrameEvent        FrameType = 3
	FrameHeartbeat    FrameType = 4
	FrameAck          FrameType = 5
	FrameClose        FrameType = 6
)

// Frame header layout: type (1 byte), flags (1 byte), payload length
// (4 bytes big-endian), payload.
const (
	headerSize = 6

	// flagCompressed marks a zstd-compressed payload.
	flagCompressed = 0x01

	// MaxPayload bounds a single frame payload. Anything larger is a
	// protocol violation.
	MaxPayload = 1 << 20

	// compressThreshold is the payload size above which the writer
	// compresses.
	compressThreshold = 512
)

// Handshake opens a session. LastSequenceAcked is the highest sequence the
// agent has seen acknowledged, so the collector can compute the resume
// point.
type Handshake struct {
	AgentID           string `json:"agent_id"`
	Hostname          string `json:"hostname"`
	LastSequenceAcked uint64 `json:"last_sequence_acked"`
}

// HandshakeAck completes a handshake. ResumeFromSequence is the minimum
// sequence number the collector expects next.
type HandshakeAck struct {
	ResumeFromSequence uint64 `json:"resume_from_sequence"`
}

// EventFrame carries one event tagged with its per-agent sequence number.
type EventFrame struct {
	Sequence uint64      `json:"sequence"`
	Event    model.Event `json:"event"`
}

// Heartbeat is a no-op frame sent when the producer is idle.
type Heartbeat struct{}

// Ack acknowledges all sequences up to and including UpToSequence.
type Ack struct {
	UpToSequence uint64 `json:"up_to_sequence"`
}

// Close reasons understood by both sides. CloseBackpressure tells the agent
// the collector's write path is saturated; the agent retries after backoff.
const (
	CloseShutdown     = "shutdown"
	CloseViolation    = "protocol_violation"
	CloseTimeout      = "timeout"
	CloseReplaced     = "replaced"
	CloseBackpressure = "backpressure"
	CloseDuplicate    = "duplicate_agent"
)

// Close terminates a session with a reason.
type Close struct {
	Reason string `json:"reason"`
}

// ProtocolError is a violation of the wire contract: malformed frame,
// unknown frame type, or oversized payload. It always closes the session.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// TransportError wraps an I/O failure on the connection. The session
// degrades and eventually closes; the agent retries with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport error during " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Shared zstd coders; both are safe for concurrent use via EncodeAll /
// DecodeAll.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil)
		// The decoder refuses outputs beyond MaxPayload, so the size
		// limit holds for the decompressed payload, not just the bytes
		// on the wire.
		zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayload))
	})
}

// Codec reads and writes frames on one duplex connection. It is not safe
// for concurrent writers; callers serialize writes themselves.
type Codec struct {
	r io.Reader
	w io.Writer

	wmu sync.Mutex
	buf [headerSize]byte
}

// NewCodec wraps a duplex connection.
func NewCodec(rw io.ReadWriter) *Codec {
	zstdInit()
	return &Codec{r: rw, w: rw}
}

// WriteFrame marshals payload and writes one frame.
func (c *Codec) WriteFrame(t FrameType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame payload: %w", err)
	}

	// The limit applies to the logical payload; compression must not let
	// an oversized payload sneak under it.
	if len(data) > MaxPayload {
		return &ProtocolError{Reason: fmt.Sprintf("payload of %d bytes exceeds limit", len(data))}
	}

	var flags byte
	if len(data) > compressThreshold {
		data = zstdEnc.EncodeAll(data, nil)
		flags |= flagCompressed
	}
	if len(data) > MaxPayload {
		return &ProtocolError{Reason: fmt.Sprintf("compressed payload of %d bytes exceeds limit", len(data))}
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	var hdr [headerSize]byte
	hdr[0] = byte(t)
	hdr[1] = flags
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(data)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return &TransportError{Op: "write header", Err: err}
	}
	if _, err := c.w.Write(data); err != nil {
		return &TransportError{Op: "write payload", Err: err}
	}
	return nil
}

// RawFrame is one frame as read off the wire, payload already
// decompressed but not yet decoded.
type RawFrame struct {
	Type    FrameType
	Payload []byte
}

// ReadFrame reads the next frame. It returns a ProtocolError for unknown
// frame types, oversized payloads, or undecompressable payloads, and a
// TransportError for I/O failures.
func (c *Codec) ReadFrame() (*RawFrame, error) {
	if _, err := io.ReadFull(c.r, c.buf[:]); err != nil {
		return nil, &TransportError{Op: "read header", Err: err}
	}

	t := FrameType(c.buf[0])
	if t < FrameHandshake || t > FrameClose {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %d", t)}
	}
	flags := c.buf[1]
	size := binary.BigEndian.Uint32(c.buf[2:])
	if size > MaxPayload {
		return nil, &ProtocolError{Reason: fmt.Sprintf("payload of %d bytes exceeds limit", size)}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, &TransportError{Op: "read payload", Err: err}
	}

	if flags&flagCompressed != 0 {
		out, err := zstdDec.DecodeAll(payload, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return nil, &ProtocolError{Reason: "decompressed payload exceeds limit"}
			}
			return nil, &ProtocolError{Reason: "undecompressable payload"}
		}
		payload = out
	}

	return &RawFrame{Type: t, Payload: payload}, nil
}

// Decode unmarshals a raw frame payload into the given frame struct.
func (f *RawFrame) Decode(into any) error {
	if err := json.Unmarshal(f.Payload, into); err != nil {
		return &ProtocolError{Reason: "malformed frame payload: " + err.Error()}
	}
	return nil
}
