package wsrelay

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// FrameKind discriminates the inbound wire formats a session can send, per
// the frame-discrimination rules in the specification.
type FrameKind int

const (
	FrameData FrameKind = iota
	FrameControl
	FrameHeartbeat
)

// ControlFrame is the decoded JSON `{type:"control", ...}` shape.
type ControlFrame struct {
	Action string `json:"action"`
}

// DataFrame is a single opaque packet plus its relay direction. SessionID is
// only populated for JSON-carried frames (the Node channel is multiplexed
// across sessions and needs it to route replies back to the right Client).
type DataFrame struct {
	Direction string // "client-to-node" | "node-to-client"
	SessionID string
	Payload   []byte
}

// jsonEnvelope mirrors the three JSON shapes the wire format recognizes.
type jsonEnvelope struct {
	Type       string          `json:"type"`
	Direction  string          `json:"direction,omitempty"`
	Payload    string          `json:"payload,omitempty"` // base64, when JSON-carried
	Action     string          `json:"action,omitempty"`
	Compressed bool            `json:"compressed,omitempty"`
	Data       string          `json:"data,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Extra      json.RawMessage `json:"-"`
}

// ParsedFrame is the result of discriminating one inbound WS message.
type ParsedFrame struct {
	Kind    FrameKind
	Packets []DataFrame // one entry for a raw/single packet, >1 for a batch
	Control *ControlFrame
}

// looksLikeDataPacket reports whether b is in the first-byte range that
// identifies an opaque WireGuard-style data packet (§4.5 rule 2).
func looksLikeDataPacket(b byte) bool {
	return b >= 0x01 && b <= 0x04
}

// Parse discriminates a single inbound WS message per the four rules in
// §4.5: batch, raw data packet, JSON (data/control/heartbeat), or a
// fallback single data packet when JSON parsing fails.
func Parse(payload []byte) (*ParsedFrame, error) {
	if len(payload) >= 2 {
		n := binary.BigEndian.Uint16(payload[:2])
		if n > 1 && n < 100 {
			packets, err := parseBatch(payload)
			if err == nil {
				return &ParsedFrame{Kind: FrameData, Packets: packets}, nil
			}
			// Fall through to other discriminators if batch parse fails —
			// a false-positive count match on raw binary is possible.
		}
	}

	if len(payload) > 0 && looksLikeDataPacket(payload[0]) {
		return &ParsedFrame{Kind: FrameData, Packets: []DataFrame{{Payload: payload}}}, nil
	}

	var env jsonEnvelope
	if err := json.Unmarshal(payload, &env); err == nil {
		switch env.Type {
		case "data":
			data := []byte(env.Payload)
			if decoded, derr := base64.StdEncoding.DecodeString(env.Payload); derr == nil {
				data = decoded
			}
			return &ParsedFrame{Kind: FrameData, Packets: []DataFrame{{Direction: env.Direction, SessionID: env.SessionID, Payload: data}}}, nil
		case "control":
			if env.Compressed {
				decompressed, err := decompressControl(env.Data)
				if err != nil {
					return nil, fmt.Errorf("decompress control: %w", err)
				}
				return &ParsedFrame{Kind: FrameControl, Control: &ControlFrame{Action: controlAction(decompressed)}}, nil
			}
			return &ParsedFrame{Kind: FrameControl, Control: &ControlFrame{Action: controlAction(payload)}}, nil
		case "heartbeat":
			return &ParsedFrame{Kind: FrameHeartbeat}, nil
		}
	}

	// JSON parse failed or type unrecognized: fall back to a single packet.
	return &ParsedFrame{Kind: FrameData, Packets: []DataFrame{{Payload: payload}}}, nil
}

func parseBatch(payload []byte) ([]DataFrame, error) {
	r := bytes.NewReader(payload)
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	packets := make([]DataFrame, 0, count)
	for i := 0; i < int(count); i++ {
		var size uint16
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, err
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		packets = append(packets, DataFrame{Payload: buf})
	}
	return packets, nil
}

// controlAction extracts a control frame's action. The plain wire shape
// carries it at the top level (`{"type":"control","action":"disconnect"}`);
// the compressed-control shape nests it one level down instead
// (`{"type":"control","payload":{"action":"disconnect"}}`), so both are
// checked here rather than assuming one fixed layout.
func controlAction(raw []byte) string {
	var env struct {
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	if env.Action != "" {
		return env.Action
	}
	if len(env.Payload) > 0 {
		var nested struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(env.Payload, &nested) == nil {
			return nested.Action
		}
	}
	return ""
}

func decompressControl(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// EncodeDataEnvelope builds the `{"type":"data",...}` JSON wire frame used
// on the Node channel, which is multiplexed across sessions and so needs
// sessionId carried in-band (unlike the per-session Client channel, which
// can send raw/batch frames with the session implicit in the connection).
func EncodeDataEnvelope(sessionID, direction string, payload []byte) []byte {
	env := jsonEnvelope{
		Type:      "data",
		Direction: direction,
		SessionID: sessionID,
		Payload:   base64.StdEncoding.EncodeToString(payload),
	}
	b, _ := json.Marshal(env)
	return b
}

// EncodeControl builds a `{"type":"control",...}` wire frame.
func EncodeControl(action, sessionID string) []byte {
	env := jsonEnvelope{Type: "control", Action: action, SessionID: sessionID}
	b, _ := json.Marshal(env)
	return b
}

// EncodeBatch builds the outbound wire representation of a batch of raw
// packets: uint16 count followed by count (uint16 length, bytes) units.
func EncodeBatch(packets [][]byte) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint16(len(packets)))
	for _, p := range packets {
		binary.Write(buf, binary.BigEndian, uint16(len(p)))
		buf.Write(p)
	}
	return buf.Bytes()
}
