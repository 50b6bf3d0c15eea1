// Package heartbeat implements HeartbeatManager (C3): deriving a Node's
// liveness status from its self-reported metrics and sweeping the registry
// for Nodes that have gone quiet. The sweep loop follows the ticker-driven
// gcCycle shape of pkg/fleet/node_manager.go's RunGC.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/registry"
)

const (
	onlineInterval  = 30 * time.Second
	degradedInterval = 10 * time.Second

	offlineThreshold = 2 * time.Minute
	removeThreshold  = 10 * time.Minute
)

// Result is the response to a heartbeat call.
type Result struct {
	Status              string   `json:"status"`
	NextHeartbeatSeconds int     `json:"next_heartbeat_seconds"`
	Actions             []string `json:"actions"`
}

// Manager is the HeartbeatManager component.
type Manager struct {
	registry *registry.Registry
	log      *slog.Logger

	sweepInterval time.Duration
	stop          chan struct{}
}

// New builds a Manager over reg, sweeping at sweepInterval (§9
// sweep_interval_registry, default 60s).
func New(reg *registry.Registry, sweepInterval time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}
	return &Manager{registry: reg, sweepInterval: sweepInterval, log: log, stop: make(chan struct{})}
}

// deriveStatus applies the degraded thresholds, honoring an explicit
// client-supplied override.
func deriveStatus(payload boson.HeartbeatPayload) boson.NodeStatus {
	if payload.Status != "" {
		return payload.Status
	}
	if payload.CPUUsage > 90 || payload.MemoryUsage > 90 || payload.PacketLoss > 10 {
		return boson.NodeDegraded
	}
	return boson.NodeOnline
}

// ProcessHeartbeat derives a status hint from payload, advances the Node's
// last_heartbeat via the registry, and returns the cadence the Node should
// use for its next heartbeat.
func (m *Manager) ProcessHeartbeat(ctx context.Context, nodeID boson.NodeID, payload boson.HeartbeatPayload) (*Result, error) {
	status := deriveStatus(payload)
	if err := m.registry.Touch(ctx, nodeID, status, time.Now()); err != nil {
		return nil, err
	}

	next := onlineInterval
	if status == boson.NodeDegraded {
		next = degradedInterval
	}
	return &Result{
		Status:               "ok",
		NextHeartbeatSeconds: int(next.Seconds()),
		Actions:              []string{},
	}, nil
}

// Run drives the background sweeper until ctx is done or Stop is called.
// Each tick first transitions overdue Nodes (>2min) to offline, then
// hard-removes Nodes overdue by more than 10min.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// Stop signals Run to exit.
func (m *Manager) Stop() {
	close(m.stop)
}

func (m *Manager) sweepOnce(ctx context.Context) {
	offlined, err := m.registry.MarkInactiveOffline(ctx, offlineThreshold)
	if err != nil {
		m.log.Warn("sweep: mark offline failed", "err", err)
	} else if offlined > 0 {
		m.log.Info("sweep: marked nodes offline", "count", offlined)
	}

	removed, err := m.registry.RemoveInactive(ctx, removeThreshold)
	if err != nil {
		m.log.Warn("sweep: remove inactive failed", "err", err)
	} else if removed > 0 {
		m.log.Info("sweep: removed inactive nodes", "count", removed)
	}
}
