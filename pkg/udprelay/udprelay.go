// Package udprelay implements UDPRelay on the Coordinator (C7): a fixed-port
// UDP listener that binds Client source endpoints to sessions, learning NAT
// remaps by matching against known WS sessions, and evicting idle bindings.
// The guarded binding-table map follows the same sync.RWMutex-map idiom
// pkg/relay/ws_relay.go uses for its tunnel table.
package udprelay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bosonmesh/overlay/pkg/boson"
)

const defaultEvictAfter = 5 * time.Minute

// endpointKey is the (src_ip, src_port) identity a binding is keyed by.
type endpointKey struct {
	ip   string
	port int
}

// binding associates a Client source endpoint with a session.
type binding struct {
	sessionID boson.SessionID
	nodeID    boson.NodeID
	clientID  boson.ClientID
	lastSeen  time.Time
}

// Forwarder routes relayed payloads onward, implemented by
// pkg/dispatch.Dispatcher.
type Forwarder interface {
	Forward(ctx context.Context, nodeID boson.NodeID, clientID boson.ClientID, sessionID boson.SessionID, payload []byte) error
}

// sessionScanner exposes the WS relay's known attachments for NAT-remap
// matching, implemented by pkg/wsrelay.Relay.
type sessionScanner interface {
	KnownSessions() []boson.SessionID
}

// sessionLookup resolves a session ID to its (node, client) pair for the
// NAT-remap scan.
type sessionLookup interface {
	Get(ctx context.Context, id boson.SessionID) (*boson.Session, error)
}

// Relay is the UDPRelay component.
type Relay struct {
	conn       *net.UDPConn
	forwarder  Forwarder
	scanner    sessionScanner
	sessions   sessionLookup
	log        *slog.Logger
	evictAfter time.Duration

	mu       sync.RWMutex
	bindings map[endpointKey]*binding
	warned   map[string]bool
}

// New builds a Relay listening on addr (default ":51820").
func New(addr string, forwarder Forwarder, scanner sessionScanner, sessions sessionLookup, log *slog.Logger) (*Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	return &Relay{
		conn:       conn,
		forwarder:  forwarder,
		scanner:    scanner,
		sessions:   sessions,
		log:        log,
		evictAfter: defaultEvictAfter,
		bindings:   make(map[endpointKey]*binding),
		warned:     make(map[string]bool),
	}, nil
}

// Serve reads packets until ctx is done.
func (r *Relay) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, 65535)
	for {
		n, raddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		r.handlePacket(ctx, raddr, pkt)
	}
}

func (r *Relay) handlePacket(ctx context.Context, raddr *net.UDPAddr, pkt []byte) {
	key := endpointKey{ip: raddr.IP.String(), port: raddr.Port}

	r.mu.RLock()
	b, ok := r.bindings[key]
	r.mu.RUnlock()

	if !ok {
		b = r.learnBinding(ctx, key)
		if b == nil {
			r.warnOnce(key)
			return
		}
	}

	if len(pkt) == 0 || pkt[0] < 0x01 || pkt[0] > 0x04 {
		return
	}

	if r.forwarder != nil {
		if err := r.forwarder.Forward(ctx, b.nodeID, b.clientID, b.sessionID, pkt); err != nil {
			r.log.Warn("udp relay forward failed", "session_id", b.sessionID, "err", err)
		}
	}

	r.mu.Lock()
	b.lastSeen = time.Now()
	r.bindings[key] = b
	r.mu.Unlock()
}

// learnBinding binds an unknown source to a known WS session
// (NAT-remap learning): when a Client's NAT remaps its outbound port, the
// UDP relay re-associates the new (ip, port) with the session it already
// knows over WS. With exactly one active session this picks the right one;
// with more than one concurrently active, it selects the first known
// session rather than disambiguating by client (documented limitation,
// mirroring §4.9's analogous single-vs-first fallback on the Node side).
func (r *Relay) learnBinding(ctx context.Context, key endpointKey) *binding {
	if r.scanner == nil || r.sessions == nil {
		return nil
	}
	for _, sessionID := range r.scanner.KnownSessions() {
		sess, err := r.sessions.Get(ctx, sessionID)
		if err != nil {
			continue
		}
		b := &binding{sessionID: sess.ID, nodeID: sess.NodeID, clientID: sess.ClientID, lastSeen: time.Now()}
		r.mu.Lock()
		r.bindings[key] = b
		r.mu.Unlock()
		return b
	}
	return nil
}

func (r *Relay) warnOnce(key endpointKey) {
	id := fmt.Sprintf("%s:%d", key.ip, key.port)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warned[id] {
		return
	}
	r.warned[id] = true
	r.log.Warn("udp relay: no binding for source, dropping", "src", id)
}

// Bind registers an explicit binding for a (src_ip, src_port) pair, used
// when a Client is first associated with a session through some other
// channel (e.g. after route selection) rather than discovered by scanning.
func (r *Relay) Bind(ip string, port int, sessionID boson.SessionID, nodeID boson.NodeID, clientID boson.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[endpointKey{ip: ip, port: port}] = &binding{
		sessionID: sessionID,
		nodeID:    nodeID,
		clientID:  clientID,
		lastSeen:  time.Now(),
	}
}

// SendTo writes payload directly to a bound Client endpoint — the UDP leg
// of the Dispatcher's return-path preference order.
func (r *Relay) SendTo(ip string, port int, payload []byte) error {
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	_, err := r.conn.WriteToUDP(payload, addr)
	return err
}

// Sweep evicts bindings idle for at least the configured threshold,
// returning the number removed. Meant to be driven by a periodic ticker.
func (r *Relay) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.evictAfter)
	removed := 0
	for k, b := range r.bindings {
		if b.lastSeen.Before(cutoff) {
			delete(r.bindings, k)
			removed++
		}
	}
	return removed
}

// Run drives the idle-binding sweeper on a 1 minute period until ctx is
// done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Close stops the underlying UDP socket.
func (r *Relay) Close() error {
	return r.conn.Close()
}
