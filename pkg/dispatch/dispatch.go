// Package dispatch implements the Dispatcher (C8): routing a forward
// request through the first viable path among WS-by-session, WS-by-scan,
// direct HTTP to the Node's API, or a raised "no path" event. Grounded on
// the pending-request bookkeeping style of pkg/relay/ws_relay.go's
// SendCommandWS, generalized from node-RPC to packet forwarding.
package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/bosonerr"
	"github.com/bosonmesh/overlay/pkg/registry"
	"github.com/bosonmesh/overlay/pkg/resilience"
)

// SessionSender is the capability WSRelay registers on startup,
// breaking the Dispatcher↔WSRelay↔UDPRelay reference cycle (§9).
type SessionSender interface {
	SendToSession(ctx context.Context, sessionID boson.SessionID, payload []byte) (bool, error)
	SendByScan(ctx context.Context, nodeID boson.NodeID, clientID boson.ClientID, payload []byte) (bool, error)
}

// ClientEndpointSender is the UDPRelay's direct-socket send capability, used
// for the return-path UDP fallback.
type ClientEndpointSender interface {
	SendTo(ip string, port int, payload []byte) error
}

// NodeSender is the Node-facing WSRelay's delivery capability: the
// Dispatcher's primary path for getting a client-to-node payload onto a
// Node's durable multiplexed WS attachment (§4.8 step 6).
type NodeSender interface {
	SendToNode(ctx context.Context, nodeID boson.NodeID, sessionID boson.SessionID, payload []byte) (bool, error)
}

// NoPathEvent is raised when no forwarding path exists for a request.
type NoPathEvent struct {
	NodeID    boson.NodeID
	ClientID  boson.ClientID
	SessionID boson.SessionID
	Reason    string
}

// EventSink receives NoPathEvents; the platform wires this to its audit/
// observability layer.
type EventSink interface {
	NoPath(NoPathEvent)
}

type nopSink struct{}

func (nopSink) NoPath(NoPathEvent) {}

const (
	nodeAPITimeout = 5 * time.Second
)

// Dispatcher is the C8 component.
type Dispatcher struct {
	registry    *registry.Registry
	wsSender    SessionSender
	nodeSender  NodeSender
	udpSender   ClientEndpointSender
	nodeAPIPort int
	httpClient  *http.Client
	httpBreaker *resilience.CircuitBreaker
	sink        EventSink
	log         *slog.Logger
}

// New builds a Dispatcher. wsSender/udpSender may be set after construction
// via SetWSSender/SetUDPSender to resolve the package import cycle. The
// node-API HTTP fallback runs through a circuit breaker so a run of
// unreachable Nodes doesn't eat the full 5s timeout on every packet.
func New(reg *registry.Registry, nodeAPIPort int, sink EventSink, log *slog.Logger) *Dispatcher {
	if sink == nil {
		sink = nopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry:    reg,
		nodeAPIPort: nodeAPIPort,
		httpClient:  &http.Client{Timeout: nodeAPITimeout},
		httpBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "dispatcher-node-api",
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		}),
		sink: sink,
		log:  log,
	}
}

// SetWSSender wires the WSRelay in after both sides are constructed.
func (d *Dispatcher) SetWSSender(s SessionSender) { d.wsSender = s }

// SetUDPSender wires the UDPRelay in after both sides are constructed.
func (d *Dispatcher) SetUDPSender(s ClientEndpointSender) { d.udpSender = s }

// SetNodeSender wires the Node-facing WSRelay in after both sides are
// constructed.
func (d *Dispatcher) SetNodeSender(s NodeSender) { d.nodeSender = s }

// Forward routes a client-to-node payload through the first viable path.
func (d *Dispatcher) Forward(ctx context.Context, nodeID boson.NodeID, clientID boson.ClientID, sessionID boson.SessionID, payload []byte) error {
	if d.nodeSender != nil {
		ok, err := d.nodeSender.SendToNode(ctx, nodeID, sessionID, payload)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	if d.wsSender != nil {
		ok, err := d.wsSender.SendByScan(ctx, nodeID, clientID, payload)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	if err := d.httpBreaker.Execute(func() error { return d.forwardHTTP(ctx, nodeID, sessionID, payload) }); err == nil {
		return nil
	} else if _, ok := bosonerr.KindOf(err); ok {
		d.log.Warn("node api forward failed", "node_id", nodeID, "err", err)
	}

	d.sink.NoPath(NoPathEvent{NodeID: nodeID, ClientID: clientID, SessionID: sessionID, Reason: "no viable path"})
	return bosonerr.New(bosonerr.Unavailable, "no path to node")
}

func (d *Dispatcher) forwardHTTP(ctx context.Context, nodeID boson.NodeID, sessionID boson.SessionID, payload []byte) error {
	n, err := d.registry.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/api/v1/packets/from-server", n.NetworkInfo.IPv4, d.nodeAPIPort)

	body, _ := json.Marshal(map[string]string{
		"session_id": string(sessionID),
		"payload":    base64.StdEncoding.EncodeToString(payload),
	})
	httpCtx, cancel := context.WithTimeout(ctx, nodeAPITimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(httpCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return bosonerr.Wrap(bosonerr.Transient, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return bosonerr.Wrap(bosonerr.UpstreamFailure, "node api unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return bosonerr.New(bosonerr.UpstreamFailure, fmt.Sprintf("node api returned %d", resp.StatusCode))
	}
	return nil
}

// SendToClient mirrors Forward's preference order for the return path: WS
// by session, WS by scan, then UDP via the UDPRelay's socket.
func (d *Dispatcher) SendToClient(ctx context.Context, nodeID boson.NodeID, clientID boson.ClientID, sessionID boson.SessionID, clientIP string, clientPort int, payload []byte) error {
	if d.wsSender != nil && sessionID != "" {
		ok, err := d.wsSender.SendToSession(ctx, sessionID, payload)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	if d.wsSender != nil {
		ok, err := d.wsSender.SendByScan(ctx, nodeID, clientID, payload)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	if d.udpSender != nil && clientIP != "" {
		return d.udpSender.SendTo(clientIP, clientPort, payload)
	}

	d.sink.NoPath(NoPathEvent{NodeID: nodeID, ClientID: clientID, SessionID: sessionID, Reason: "no return path"})
	return bosonerr.New(bosonerr.Unavailable, "no path to client")
}
