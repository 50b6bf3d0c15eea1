package wsrelay

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestParseRawDataPacket(t *testing.T) {
	payload := []byte{0x04, 0xaa, 0xbb, 0xcc}
	f, err := Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Kind != FrameData {
		t.Fatalf("Kind = %v, want FrameData", f.Kind)
	}
	if len(f.Packets) != 1 || !bytes.Equal(f.Packets[0].Payload, payload) {
		t.Errorf("unexpected packets: %+v", f.Packets)
	}
}

func TestParseBatch(t *testing.T) {
	batch := EncodeBatch([][]byte{{0x01, 0x02}, {0x03, 0x04, 0x05}, {0x01}})
	f, err := Parse(batch)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Kind != FrameData {
		t.Fatalf("Kind = %v, want FrameData", f.Kind)
	}
	if len(f.Packets) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(f.Packets))
	}
	if !bytes.Equal(f.Packets[1].Payload, []byte{0x03, 0x04, 0x05}) {
		t.Errorf("packet 1 mismatch: %v", f.Packets[1].Payload)
	}
}

func TestParseHeartbeat(t *testing.T) {
	f, err := Parse([]byte(`{"type":"heartbeat"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Kind != FrameHeartbeat {
		t.Fatalf("Kind = %v, want FrameHeartbeat", f.Kind)
	}
}

func TestParseControl(t *testing.T) {
	f, err := Parse([]byte(`{"type":"control","action":"close"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Kind != FrameControl || f.Control.Action != "close" {
		t.Fatalf("unexpected control frame: %+v", f)
	}
}

func TestParseCompressedControlNestedPayloadAction(t *testing.T) {
	inner, err := json.Marshal(map[string]any{
		"type":    "control",
		"payload": map[string]any{"action": "disconnect"},
	})
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}

	buf := &bytes.Buffer{}
	zw := gzip.NewWriter(buf)
	if _, err := zw.Write(inner); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	data := base64.StdEncoding.EncodeToString(buf.Bytes())

	outer, err := json.Marshal(map[string]any{
		"type":       "control",
		"compressed": true,
		"data":       data,
	})
	if err != nil {
		t.Fatalf("marshal outer: %v", err)
	}

	f, err := Parse(outer)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Kind != FrameControl || f.Control.Action != "disconnect" {
		t.Fatalf("expected disconnect control frame, got %+v", f)
	}
}

func TestParseInvalidJSONFallsBackToDataPacket(t *testing.T) {
	// Not JSON, not a recognized data-packet leading byte, not a batch —
	// must still be treated as a single opaque data packet.
	payload := []byte("not json at all and not 0x01..0x04 prefixed")
	f, err := Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Kind != FrameData || len(f.Packets) != 1 {
		t.Fatalf("unexpected fallback frame: %+v", f)
	}
}
