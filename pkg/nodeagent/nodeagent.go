// Package nodeagent implements the Node-Agent runtime (C9): the startup
// state machine in §4.8 — STUN NAT detection, key pair generation, OS NAT
// enable, rate-limit-aware registration backoff, WS attach with heartbeat,
// and the health/recovery loop — followed by a reverse-registration-order
// shutdown sequence.
//
// Grounded on pkg/relay/ws_relay.go's WSAgent reconnect/heartbeat loop,
// fused with other_examples/.../vpnctl's internal/agent/agent.go STUN probe
// and registration sequence, using github.com/cenkalti/backoff/v4 for the
// registration step.
package nodeagent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pion/stun/v3"

	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/config"
	"github.com/bosonmesh/overlay/pkg/forwarder"
	"github.com/bosonmesh/overlay/pkg/mtls"
	"github.com/bosonmesh/overlay/pkg/wsrelay"
)

// KeyPair is the Node's long-term identity key, generated on first start
// and expected to be persisted by the caller across restarts.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new long-term Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// PublicKeyString returns the base64-encoded public key for registration.
func (k *KeyPair) PublicKeyString() string {
	return base64.StdEncoding.EncodeToString(k.PublicKey)
}

// NATEnabler enables OS-level NAT/forwarding on the physical interface.
// Platform specific; failure during startup is fatal per §4.8 step 3.
type NATEnabler interface {
	Enable(ctx context.Context) error
}

// cleanupTask is one shutdown action, run in reverse registration order.
type cleanupTask struct {
	name string
	fn   func(ctx context.Context) error
}

// Agent is the Node-Agent runtime.
type Agent struct {
	cfg    *config.NodeAgent
	nat    NATEnabler
	log    *slog.Logger
	client *http.Client

	keys *KeyPair

	natType        boson.NATType
	stunMappedAddr string

	heartbeatInterval time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex

	cleanups []cleanupTask
}

// New builds an Agent. nat may be nil in API-mode, where OS NAT enablement
// is skipped entirely (there's nothing local to configure). When cfg enables
// mTLS (§6), the HTTP client and WS dial both present the Node's client
// certificate. Otherwise they carry no credentials: the agent does not keep
// or send the session token that registration returns.
func New(cfg *config.NodeAgent, nat NATEnabler, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	client := &http.Client{Timeout: 10 * time.Second}
	if cfg != nil && cfg.MTLSEnabled {
		tlsCfg, err := mtls.ClientTLSConfig(mtls.Config{
			CACertFile:     cfg.MTLSCACertFile,
			ClientCertFile: cfg.MTLSClientCertFile,
			ClientKeyFile:  cfg.MTLSClientKeyFile,
		})
		if err != nil {
			log.Error("mtls client config failed, falling back to a plain client", "err", err)
		} else {
			client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
		}
	}
	return &Agent{
		cfg:               cfg,
		nat:               nat,
		log:               log,
		client:            client,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

// Start runs the §4.8 startup sequence through WS attach. Step 7 (health
// checks) is the caller's responsibility — Start returns once the Node is
// registered and WS-attached so the caller can wire a healthcheck.HealthCheck
// around this Agent's NAT/routing/WS state.
func (a *Agent) Start(ctx context.Context) error {
	// Step 1: NAT traversal via STUN.
	natType, mapped, err := a.detectNAT(ctx)
	if err != nil {
		a.log.Warn("stun probe failed, assuming symmetric NAT", "err", err)
		natType = boson.NATSymmetric
	}
	a.natType = natType
	a.stunMappedAddr = mapped

	// Step 2: long-term key pair.
	keys, err := GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("step 2 generate keys: %w", err)
	}
	a.keys = keys

	// Step 3: OS-level NAT enable. Fatal on failure.
	if a.nat != nil {
		if err := a.nat.Enable(ctx); err != nil {
			return fmt.Errorf("step 3 enable NAT: %w", err)
		}
	}

	// Step 4: register with Coordinator, rate-limit-aware backoff.
	if err := a.registerWithBackoff(ctx); err != nil {
		return fmt.Errorf("step 4 register: %w", err)
	}

	// Step 6: WS attach (step 5 — metrics/resource monitor/session
	// manager/forwarder — is started by the caller around this Agent).
	if err := a.connectWS(ctx); err != nil {
		return fmt.Errorf("step 6 connect ws: %w", err)
	}
	a.pushCleanup("ws close", a.closeWS)

	// Registered last so it runs first on Shutdown (§4.8): the Coordinator
	// should see the Node go away before its WS socket drops, not after.
	a.pushCleanup("unregister", a.unregister)

	return nil
}

// detectNAT probes two STUN servers and classifies the NAT type by
// comparing the mapped addresses: a stable mapping across two distinct
// external hosts is (at least) cone NAT; a mapping that changes per-server
// is symmetric.
func (a *Agent) detectNAT(ctx context.Context) (boson.NATType, string, error) {
	if len(a.cfg.STUNServers) == 0 {
		return boson.NATSymmetric, "", fmt.Errorf("no STUN servers configured")
	}

	mapped := make([]string, 0, len(a.cfg.STUNServers))
	for _, server := range a.cfg.STUNServers {
		addr, err := probeSTUN(ctx, server)
		if err != nil {
			a.log.Debug("stun probe failed", "server", server, "err", err)
			continue
		}
		mapped = append(mapped, addr)
	}
	if len(mapped) == 0 {
		return boson.NATSymmetric, "", fmt.Errorf("all STUN probes failed")
	}
	if len(mapped) == 1 {
		return boson.NATRestrictedCone, mapped[0], nil
	}
	for _, m := range mapped[1:] {
		if m != mapped[0] {
			return boson.NATSymmetric, mapped[0], nil
		}
	}
	return boson.NATFullCone, mapped[0], nil
}

func probeSTUN(ctx context.Context, server string) (string, error) {
	c, err := stun.Dial("udp", server)
	if err != nil {
		return "", fmt.Errorf("dial stun server %s: %w", server, err)
	}
	defer c.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	type result struct {
		addr string
		err  error
	}
	done := make(chan result, 1)

	if err := c.Do(message, func(res stun.Event) {
		if res.Error != nil {
			done <- result{err: res.Error}
			return
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{addr: xorAddr.String()}
	}); err != nil {
		return "", fmt.Errorf("stun transaction start: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.addr, r.err
	case <-time.After(5 * time.Second):
		return "", fmt.Errorf("stun probe timed out")
	}
}

// rateLimitedError signals a 429 response so the backoff policy can use the
// longer retry window the spec requires for rate-limited registration.
type rateLimitedError struct{ retryAfter time.Duration }

func (e *rateLimitedError) Error() string { return "registration rate limited" }

// registerWithBackoff implements §4.8 step 4: exponential backoff overall,
// with 429 responses retried on their own 10s-60s backoff window.
func (a *Agent) registerWithBackoff(ctx context.Context) error {
	rateLimitBackoff := backoff.NewExponentialBackOff()
	rateLimitBackoff.InitialInterval = 10 * time.Second
	rateLimitBackoff.MaxInterval = 60 * time.Second
	rateLimitBackoff.MaxElapsedTime = 0 // caller bounds via ctx

	defaultBackoff := backoff.NewExponentialBackOff()
	defaultBackoff.InitialInterval = time.Second
	defaultBackoff.MaxInterval = 30 * time.Second
	defaultBackoff.MaxElapsedTime = 0

	// backoff.Retry uses a single BackOff; we switch intervals by wrapping
	// it so a 429 forces the longer window on the next attempt.
	sb := &switchingBackOff{
		normal:     defaultBackoff,
		rateLimit:  rateLimitBackoff,
		useRateLim: func(err error) bool { var rl *rateLimitedError; return isRateLimited(err, &rl) },
	}

	op := func() error {
		err := a.register(ctx)
		sb.lastErr = err // read by sb.NextBackOff to pick the window
		return err
	}

	bo := backoff.WithContext(sb, ctx)

	return backoff.RetryNotify(op, bo, func(err error, d time.Duration) {
		a.log.Warn("registration attempt failed, retrying", "err", err, "backoff", d)
	})
}

func isRateLimited(err error, target **rateLimitedError) bool {
	rl, ok := err.(*rateLimitedError)
	if ok {
		*target = rl
	}
	return ok
}

// switchingBackOff picks between two underlying BackOffs depending on the
// last error observed, so 429s get the longer 10s-60s window §4.8 mandates
// while other transient failures use the tighter default.
type switchingBackOff struct {
	normal, rateLimit backoff.BackOff
	lastErr           error
	useRateLim        func(error) bool
}

func (s *switchingBackOff) NextBackOff() time.Duration {
	if s.lastErr != nil && s.useRateLim(s.lastErr) {
		return s.rateLimit.NextBackOff()
	}
	return s.normal.NextBackOff()
}

func (s *switchingBackOff) Reset() {
	s.normal.Reset()
	s.rateLimit.Reset()
}

func (a *Agent) register(ctx context.Context) error {
	body, _ := json.Marshal(map[string]any{
		"node_id":    a.cfg.NodeID,
		"public_key": a.keys.PublicKeyString(),
		"nat_type":   a.natType,
		"mapped_addr": a.stunMappedAddr,
	})

	url := a.cfg.Coordinator + "/api/v1/nodes/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("register request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitedError{}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *Agent) unregister(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v1/nodes/%s", a.cfg.Coordinator, a.cfg.NodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (a *Agent) connectWS(ctx context.Context) error {
	url := a.cfg.Coordinator + "/node-relay/" + a.cfg.NodeID
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: a.client})
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	return nil
}

func (a *Agent) closeWS(ctx context.Context) error {
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "shutdown")
}

// Forwarder is the inbound half of pkg/forwarder.Forwarder that RunReceiver
// needs: decode and dispatch one client-to-node datagram.
type Forwarder interface {
	Forward(ctx context.Context, sessionID string, datagram []byte) error
}

// RunReceiver reads the Coordinator's Node-facing WS attachment until ctx is
// done, handing every "client-to-node" data frame to fwd. This is the
// runtime's single reader goroutine — coder/websocket connections are not
// safe for concurrent reads, so only RunReceiver ever calls conn.Read.
func (a *Agent) RunReceiver(ctx context.Context, fwd Forwarder) {
	for {
		a.connMu.Lock()
		conn := a.conn
		a.connMu.Unlock()
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		_, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Debug("ws read failed, awaiting reconnect", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		parsed, err := wsrelay.Parse(raw)
		if err != nil || parsed.Kind != wsrelay.FrameData {
			continue
		}
		for _, pkt := range parsed.Packets {
			if pkt.Direction == "node-to-client" {
				continue
			}
			if err := fwd.Forward(ctx, pkt.SessionID, pkt.Payload); err != nil {
				a.log.Warn("forward inbound datagram failed", "session_id", pkt.SessionID, "err", err)
			}
		}
	}
}

// RunHeartbeat sends a heartbeat frame over the WS every HeartbeatInterval
// until ctx is done, reconnecting the WS with exponential backoff (base 5s,
// doubling, max 10 attempts) on failure. The interval stays at the
// configured value: no reply to the heartbeat is read, so a different
// interval requested by the Coordinator is not applied.
func (a *Agent) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				a.log.Warn("heartbeat failed, reconnecting", "err", err)
				if err := a.reconnectWithBackoff(ctx); err != nil {
					a.log.Error("ws reconnect exhausted", "err", err)
				}
				continue
			}
			ticker.Reset(a.heartbeatInterval)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("no ws connection")
	}
	payload := boson.HeartbeatPayload{}
	return wsjson.Write(ctx, a.conn, map[string]any{"type": "heartbeat", "payload": payload})
}

// SendData writes a reply payload for sessionID back over the Node's
// multiplexed WS attachment, framed per §4.5 so the Coordinator's
// Node-facing relay recognizes it as a "node-to-client" data frame and
// routes it to the owning Client.
func (a *Agent) SendData(ctx context.Context, sessionID string, payload []byte) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("no ws connection")
	}
	frame := wsrelay.EncodeDataEnvelope(sessionID, "node-to-client", payload)
	return a.conn.Write(ctx, websocket.MessageBinary, frame)
}

// Forward implements forwarder.Sink: PacketForwarder (C10) hands back
// IncomingPackets here to relay toward the Client over the WS attachment.
func (a *Agent) Forward(p forwarder.IncomingPacket) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.SendData(ctx, p.SessionID, p.Payload); err != nil {
		a.log.Warn("forward reply over ws failed", "session_id", p.SessionID, "err", err)
	}
}

// reconnectWithBackoff: base 5s, doubling, max 10 attempts.
func (a *Agent) reconnectWithBackoff(ctx context.Context) error {
	delay := 5 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if err := a.connectWS(ctx); err == nil {
			return nil
		}
		delay *= 2
	}
	return fmt.Errorf("exhausted 10 reconnect attempts")
}

// Connected reports whether the Node currently has a live WS attachment —
// the healthcheck.HealthCheck "WS attached?" sub-check.
func (a *Agent) Connected() bool {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn != nil
}

// CheckRouting is the healthcheck.HealthCheck "routing verifiable?"
// sub-check: the Coordinator is reachable over HTTP.
func (a *Agent) CheckRouting(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Coordinator+"/api/v1/stun", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// ReenableNAT re-runs the OS-level NAT enable step as part of §4.10
// recovery. A no-op in API-mode (nat is nil).
func (a *Agent) ReenableNAT(ctx context.Context) error {
	if a.nat == nil {
		return nil
	}
	return a.nat.Enable(ctx)
}

// ReverifyRouting re-checks Coordinator reachability as part of §4.10
// recovery.
func (a *Agent) ReverifyRouting(ctx context.Context) error {
	if !a.CheckRouting(ctx) {
		return fmt.Errorf("coordinator unreachable")
	}
	return nil
}

func (a *Agent) pushCleanup(name string, fn func(ctx context.Context) error) {
	a.cleanups = append(a.cleanups, cleanupTask{name: name, fn: fn})
}

// Shutdown runs cleanup tasks in reverse registration order (so
// "unregister" — registered last — runs first; "ws close" — registered
// first — runs last), bounded by a single global timeout.
func (a *Agent) Shutdown(ctx context.Context) error {
	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var firstErr error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		task := a.cleanups[i]
		if err := task.fn(ctx); err != nil {
			a.log.Error("shutdown task failed", "task", task.name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
