package wire

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelmon/internal/model"
)

func TestCodec_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(&buf)

	handshake := Handshake{
		AgentID:           "agent-001",
		Hostname:          "web-01",
		LastSequenceAcked: 42,
	}
	require.NoError(t, codec.WriteFrame(FrameHandshake, handshake))

	frame, err := codec.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameHandshake, frame.Type)

	var got Handshake
	require.NoError(t, frame.Decode(&got))
	assert.Equal(t, handshake, got)
}

func TestCodec_EventFrame(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(&buf)

	event := model.Event{
		ID:         "evt-1",
		AgentID:    "agent-001",
		Sequence:   7,
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Type:       model.EventSystemMetric,
		Payload:    map[string]any{"cpu_percent": 95.5},
	}
	require.NoError(t, codec.WriteFrame(FrameEvent, EventFrame{Sequence: 7, Event: event}))

	frame, err := codec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameEvent, frame.Type)

	var got EventFrame
	require.NoError(t, frame.Decode(&got))
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, "evt-1", got.Event.ID)
	assert.Equal(t, 95.5, got.Event.Payload["cpu_percent"])
}

func TestCodec_CompressesLargePayloads(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(&buf)

	// Repetitive payload well above the compression threshold.
	event := model.Event{
		ID:       "evt-big",
		AgentID:  "agent-001",
		Sequence: 1,
		Type:     model.EventFile,
		Payload:  map[string]any{"file_path": strings.Repeat("/var/tmp/payload", 200)},
	}
	require.NoError(t, codec.WriteFrame(FrameEvent, EventFrame{Sequence: 1, Event: event}))

	raw := buf.Bytes()
	require.GreaterOrEqual(t, len(raw), headerSize)
	assert.Equal(t, byte(flagCompressed), raw[1]&flagCompressed, "large payload should carry the compressed flag")

	wireLen := binary.BigEndian.Uint32(raw[2:6])
	assert.Less(t, int(wireLen), 3200, "compressed payload should be smaller than the JSON")

	frame, err := codec.ReadFrame()
	require.NoError(t, err)

	var got EventFrame
	require.NoError(t, frame.Decode(&got))
	assert.Equal(t, event.Payload["file_path"], got.Event.Payload["file_path"])
}

func TestCodec_SmallPayloadsStayUncompressed(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(&buf)

	require.NoError(t, codec.WriteFrame(FrameHeartbeat, Heartbeat{}))
	raw := buf.Bytes()
	assert.Zero(t, raw[1]&flagCompressed)
}

func TestCodec_UnknownFrameType(t *testing.T) {
	var buf bytes.Buffer
	hdr := [headerSize]byte{99, 0, 0, 0, 0, 2}
	buf.Write(hdr[:])
	buf.WriteString("{}")

	codec := NewCodec(&buf)
	_, err := codec.ReadFrame()
	require.Error(t, err)

	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestCodec_OversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	var hdr [headerSize]byte
	hdr[0] = byte(FrameEvent)
	binary.BigEndian.PutUint32(hdr[2:], MaxPayload+1)
	buf.Write(hdr[:])

	codec := NewCodec(&buf)
	_, err := codec.ReadFrame()
	require.Error(t, err)

	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "exceeds")
}

func TestCodec_TruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	var hdr [headerSize]byte
	hdr[0] = byte(FrameAck)
	binary.BigEndian.PutUint32(hdr[2:], 100)
	buf.Write(hdr[:])
	buf.WriteString("{}") // far fewer bytes than the header promises

	codec := NewCodec(&buf)
	_, err := codec.ReadFrame()
	require.Error(t, err)

	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestCodec_DecompressedPayloadOverLimit(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(&buf)

	// 16 MiB of zeros compresses to well under the frame limit, so the
	// header check alone would let it through.
	comp := zstdEnc.EncodeAll(make([]byte, 16*MaxPayload), nil)
	require.Less(t, len(comp), MaxPayload)

	var hdr [headerSize]byte
	hdr[0] = byte(FrameEvent)
	hdr[1] = flagCompressed
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(comp)))
	buf.Write(hdr[:])
	buf.Write(comp)

	_, err := codec.ReadFrame()
	require.Error(t, err)

	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "exceeds")
}

func TestCodec_WriteRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(&buf)

	// Highly compressible, but still over the limit before compression.
	payload := map[string]string{"blob": strings.Repeat("a", 2*MaxPayload)}
	err := codec.WriteFrame(FrameEvent, payload)
	require.Error(t, err)

	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "exceeds")
	assert.Zero(t, buf.Len(), "nothing should reach the wire")
}

func TestCodec_CorruptCompressedPayload(t *testing.T) {
	var buf bytes.Buffer
	var hdr [headerSize]byte
	hdr[0] = byte(FrameEvent)
	hdr[1] = flagCompressed
	binary.BigEndian.PutUint32(hdr[2:], 4)
	buf.Write(hdr[:])
	buf.WriteString("junk")

	codec := NewCodec(&buf)
	_, err := codec.ReadFrame()
	require.Error(t, err)

	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
}
