// Package forwarder implements the Node-Agent's PacketForwarder (C10): it
// takes opaque IP datagrams relayed from the Coordinator over WS and puts
// their payload on the wire to the datagram's real destination, then routes
// whatever comes back to the right session. Header decoding uses
// gopacket/gopacket's layers package the way
// malbeclabs-doublezero/e2e/internal/qa decodes network probe traffic,
// generalized from ICMP/ping decoding to the UDP/TCP forwarding path this
// spec needs.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// IncomingPacket is an inbound datagram surfaced by the forwarder after a
// dial-out connection or unbound socket produces a response, tagged with
// the session whose tunnel it belongs to.
type IncomingPacket struct {
	SessionID string
	Payload   []byte
}

// Sink receives IncomingPackets for relay back to the Coordinator.
type Sink interface {
	Forward(IncomingPacket)
}

type tcpKey struct {
	dstIP, srcIP     string
	dstPort, srcPort uint16
}

type tcpConn struct {
	conn      net.Conn
	sessionID string
	lastUsed  time.Time
}

const (
	tcpConnectTimeout = 10 * time.Second
	sweepInterval     = time.Minute
	idleEvictAfter    = 5 * time.Minute
)

// Forwarder is the C10 component.
type Forwarder struct {
	sink Sink
	log  *slog.Logger

	mu    sync.Mutex
	conns map[tcpKey]*tcpConn

	udpConn *net.UDPConn

	// activeSessions holds the session ids seen on outbound traffic;
	// pickSessionForUDPResponse tags UDP responses on the unbound socket with
	// one of them (the "select the first" documented fallback when more than
	// one session is active).
	activeSessions map[string]struct{}

	stop chan struct{}
}

// New builds a Forwarder. sink receives incoming response packets.
func New(sink Sink, log *slog.Logger) (*Forwarder, error) {
	if log == nil {
		log = slog.Default()
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("open unbound udp socket: %w", err)
	}
	return &Forwarder{
		sink:           sink,
		log:            log,
		conns:          make(map[tcpKey]*tcpConn),
		udpConn:        udpConn,
		activeSessions: make(map[string]struct{}),
		stop:           make(chan struct{}),
	}, nil
}

// Forward decodes an opaque IP datagram and sends its payload toward the
// real destination, per the algorithm in §4.9.
func (f *Forwarder) Forward(ctx context.Context, sessionID string, datagram []byte) error {
	if len(datagram) < 20 {
		return fmt.Errorf("forwarder: datagram too short (%d bytes)", len(datagram))
	}

	f.mu.Lock()
	f.activeSessions[sessionID] = struct{}{}
	f.mu.Unlock()

	version := datagram[0] >> 4
	switch version {
	case 4:
		return f.forwardIPv4(ctx, sessionID, datagram)
	case 6:
		f.log.Debug("forwarder: ipv6 best-effort drop", "session_id", sessionID)
		return nil
	default:
		return fmt.Errorf("forwarder: unrecognized IP version %d", version)
	}
}

func (f *Forwarder) forwardIPv4(ctx context.Context, sessionID string, datagram []byte) error {
	pkt := gopacket.NewPacket(datagram, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return fmt.Errorf("forwarder: could not decode IPv4 header")
	}
	ip, _ := ipLayer.(*layers.IPv4)

	switch ip.Protocol {
	case layers.IPProtocolUDP:
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			return fmt.Errorf("forwarder: could not decode UDP header")
		}
		udp, _ := udpLayer.(*layers.UDP)
		dst := &net.UDPAddr{IP: ip.DstIP, Port: int(udp.DstPort)}
		_, err := f.udpConn.WriteToUDP(udp.Payload, dst)
		if err != nil {
			return fmt.Errorf("forwarder: udp send to %s: %w", dst, err)
		}
		return nil

	case layers.IPProtocolTCP:
		tcpLayer := pkt.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			return fmt.Errorf("forwarder: could not decode TCP header")
		}
		tcp, _ := tcpLayer.(*layers.TCP)
		key := tcpKey{
			dstIP: ip.DstIP.String(), srcIP: ip.SrcIP.String(),
			dstPort: uint16(tcp.DstPort), srcPort: uint16(tcp.SrcPort),
		}
		conn, err := f.getOrDialTCP(ctx, key, sessionID)
		if err != nil {
			return err
		}
		if len(tcp.Payload) == 0 {
			return nil
		}
		if _, err := conn.conn.Write(tcp.Payload); err != nil {
			f.closeTCP(key)
			return fmt.Errorf("forwarder: tcp write to %s: %w", key.dstIP, err)
		}
		return nil

	default:
		f.log.Debug("forwarder: unsupported protocol dropped", "protocol", ip.Protocol, "session_id", sessionID)
		return nil
	}
}

func (f *Forwarder) getOrDialTCP(ctx context.Context, key tcpKey, sessionID string) (*tcpConn, error) {
	f.mu.Lock()
	if c, ok := f.conns[key]; ok {
		c.lastUsed = time.Now()
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, tcpConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", key.dstIP, key.dstPort))
	if err != nil {
		return nil, fmt.Errorf("forwarder: tcp dial %s:%d: %w", key.dstIP, key.dstPort, err)
	}

	tc := &tcpConn{conn: conn, sessionID: sessionID, lastUsed: time.Now()}
	f.mu.Lock()
	f.conns[key] = tc
	f.mu.Unlock()

	go f.readLoop(key, tc)
	return tc, nil
}

func (f *Forwarder) readLoop(key tcpKey, tc *tcpConn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := tc.conn.Read(buf)
		if n > 0 && f.sink != nil {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			f.sink.Forward(IncomingPacket{SessionID: tc.sessionID, Payload: payload})
		}
		if err != nil {
			f.closeTCP(key)
			return
		}
	}
}

func (f *Forwarder) closeTCP(key tcpKey) {
	f.mu.Lock()
	c, ok := f.conns[key]
	if ok {
		delete(f.conns, key)
	}
	f.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// ServeUDPResponses reads responses arriving on the unbound UDP socket and
// tags each with a session id per the NAT back-mapping rule: if exactly one
// session is active, use it; otherwise use the first known (documented
// limitation — see §4.9).
func (f *Forwarder) ServeUDPResponses(ctx context.Context) {
	buf := make([]byte, 64*1024)
	for {
		f.udpConn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := f.udpConn.ReadFromUDP(buf)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		if n == 0 {
			continue
		}
		sessionID := f.pickSessionForUDPResponse()
		if sessionID == "" || f.sink == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		f.sink.Forward(IncomingPacket{SessionID: sessionID, Payload: payload})
	}
}

func (f *Forwarder) pickSessionForUDPResponse() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.activeSessions) == 0 {
		return ""
	}
	if len(f.activeSessions) == 1 {
		for id := range f.activeSessions {
			return id
		}
	}
	// Multiple active sessions: select the first in iteration order. Go map
	// iteration order is randomized on every range, so which of the active
	// sessions is picked is not defined (the documented limitation).
	for id := range f.activeSessions {
		return id
	}
	return ""
}

// Run starts the connection-table sweep loop: evict TCP connections idle
// for 5 minutes or more, every minute.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		case <-ticker.C:
			f.sweep()
		}
	}
}

func (f *Forwarder) sweep() {
	now := time.Now()
	var evict []tcpKey
	f.mu.Lock()
	for key, c := range f.conns {
		if now.Sub(c.lastUsed) >= idleEvictAfter {
			evict = append(evict, key)
		}
	}
	f.mu.Unlock()

	for _, key := range evict {
		f.closeTCP(key)
	}
	if len(evict) > 0 {
		f.log.Debug("forwarder: swept idle tcp connections", "count", len(evict))
	}
}

// ForgetSession removes a session from the UDP-response tagging set once
// its tunnel closes.
func (f *Forwarder) ForgetSession(sessionID string) {
	f.mu.Lock()
	delete(f.activeSessions, sessionID)
	f.mu.Unlock()
}

// Stop halts the sweep loop and closes the unbound UDP socket.
func (f *Forwarder) Stop() {
	close(f.stop)
	f.udpConn.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, c := range f.conns {
		c.conn.Close()
		delete(f.conns, key)
	}
}
