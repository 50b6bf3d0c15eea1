package forwarder

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

type fakeSink struct {
	received []IncomingPacket
}

func (f *fakeSink) Forward(p IncomingPacket) { f.received = append(f.received, p) }

// buildIPv4UDP constructs a minimal IPv4+UDP datagram with the given
// payload, matching the byte layout §4.9 describes.
func buildIPv4UDP(t *testing.T, dstIP net.IP, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ihl := 20
	udpLen := 8 + len(payload)
	total := ihl + udpLen

	b := make([]byte, total)
	b[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	b[8] = 64        // TTL
	b[9] = 17        // UDP
	copy(b[12:16], net.IPv4(10, 0, 0, 1).To4())
	copy(b[16:20], dstIP.To4())

	udp := b[ihl:]
	binary.BigEndian.PutUint16(udp[0:2], 55555) // src port
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)

	return b
}

func TestForwardIPv4UDPSendsPayload(t *testing.T) {
	// Listen on loopback to receive the forwarded UDP payload.
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	f, err := New(&fakeSink{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Stop()

	datagram := buildIPv4UDP(t, net.IPv4(127, 0, 0, 1), uint16(port), []byte("hello"))
	if err := f.Forward(context.Background(), "sess-1", datagram); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected 'hello', got %q", buf[:n])
	}
}

func TestForwardRejectsShortDatagram(t *testing.T) {
	f, err := New(&fakeSink{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Stop()

	err = f.Forward(context.Background(), "sess-1", []byte{0x45, 0x00})
	if err == nil {
		t.Fatal("expected error for short datagram")
	}
}

func TestForwardDropsIPv6(t *testing.T) {
	f, err := New(&fakeSink{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Stop()

	datagram := make([]byte, 40)
	datagram[0] = 0x60 // version 6
	if err := f.Forward(context.Background(), "sess-1", datagram); err != nil {
		t.Fatalf("expected best-effort drop, got error: %v", err)
	}
}

func TestPickSessionForUDPResponseSingleSession(t *testing.T) {
	f, err := New(&fakeSink{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Stop()

	f.mu.Lock()
	f.activeSessions["sess-only"] = struct{}{}
	f.mu.Unlock()

	if got := f.pickSessionForUDPResponse(); got != "sess-only" {
		t.Fatalf("expected sess-only, got %q", got)
	}
}

func TestForgetSessionRemovesFromActiveSet(t *testing.T) {
	f, err := New(&fakeSink{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Stop()

	f.mu.Lock()
	f.activeSessions["sess-1"] = struct{}{}
	f.mu.Unlock()

	f.ForgetSession("sess-1")

	if got := f.pickSessionForUDPResponse(); got != "" {
		t.Fatalf("expected no session after forget, got %q", got)
	}
}
