// Package healthcheck implements the Node-Agent's periodic HealthCheck
// (C11): composable sub-checks whose overall result gates a bounded
// recovery attempt after repeated failures, grounded on pkg/health's
// CheckFunc/RegisterCheck shape and pkg/resilience.CircuitBreaker's
// consecutive-failure counting pattern.
package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SubCheck reports whether one dependency is healthy.
type SubCheck func(ctx context.Context) bool

// Recoverer performs the recovery actions attemptRecovery runs after three
// consecutive failures. APIMode skips WG interface recovery per §4.8.
type Recoverer interface {
	ReenableNAT(ctx context.Context) error
	ReverifyRouting(ctx context.Context) error
}

const failureThreshold = 3

// Result is the outcome of one checkHealth pass.
type Result struct {
	NAT        bool
	Routing    bool
	WSAttached bool
	Healthy    bool
	Timestamp  time.Time
}

// HealthCheck runs the Node-Agent's periodic health/recovery loop.
type HealthCheck struct {
	natCheck     SubCheck
	routingCheck SubCheck
	wsCheck      SubCheck
	recoverer    Recoverer
	apiMode      bool
	interval     time.Duration
	log          *slog.Logger

	mu              sync.Mutex
	consecutiveFail int
	lastResult      Result

	stop chan struct{}
}

// Config configures a HealthCheck.
type Config struct {
	NATCheck     SubCheck
	RoutingCheck SubCheck
	WSCheck      SubCheck
	Recoverer    Recoverer
	APIMode      bool
	Interval     time.Duration
}

// New builds a HealthCheck from its sub-checks and recovery hook.
func New(cfg Config, log *slog.Logger) *HealthCheck {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &HealthCheck{
		natCheck:     cfg.NATCheck,
		routingCheck: cfg.RoutingCheck,
		wsCheck:      cfg.WSCheck,
		recoverer:    cfg.Recoverer,
		apiMode:      cfg.APIMode,
		interval:     cfg.Interval,
		log:          log,
		stop:         make(chan struct{}),
	}
}

// checkHealth composes the sub-checks: overall = NAT AND (routing OR WS).
func (h *HealthCheck) checkHealth(ctx context.Context) Result {
	r := Result{Timestamp: time.Now()}
	if h.natCheck != nil {
		r.NAT = h.natCheck(ctx)
	} else {
		r.NAT = true
	}
	if h.routingCheck != nil {
		r.Routing = h.routingCheck(ctx)
	}
	if h.wsCheck != nil {
		r.WSAttached = h.wsCheck(ctx)
	}
	r.Healthy = r.NAT && (r.Routing || r.WSAttached)
	return r
}

// LastResult returns the most recently computed health result.
func (h *HealthCheck) LastResult() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastResult
}

// Run starts the periodic check loop until ctx is done or Stop is called.
func (h *HealthCheck) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *HealthCheck) tick(ctx context.Context) {
	result := h.checkHealth(ctx)

	h.mu.Lock()
	h.lastResult = result
	if result.Healthy {
		h.consecutiveFail = 0
	} else {
		h.consecutiveFail++
	}
	fails := h.consecutiveFail
	h.mu.Unlock()

	if !result.Healthy {
		h.log.Warn("health check failed", "nat", result.NAT, "routing", result.Routing, "ws", result.WSAttached, "consecutive", fails)
	}

	if fails >= failureThreshold {
		h.attemptRecovery(ctx)
		h.mu.Lock()
		h.consecutiveFail = 0
		h.mu.Unlock()
	}
}

// attemptRecovery re-enables NAT and re-verifies routing. WG interface
// recovery is skipped in API-mode — there is no local WireGuard interface
// to bounce when the Node-Agent only talks to the Coordinator over the API.
func (h *HealthCheck) attemptRecovery(ctx context.Context) {
	h.log.Warn("attempting recovery after consecutive health check failures")
	if h.recoverer == nil {
		return
	}
	if err := h.recoverer.ReenableNAT(ctx); err != nil {
		h.log.Error("recovery: re-enable NAT failed", "err", err)
	}
	if err := h.recoverer.ReverifyRouting(ctx); err != nil {
		h.log.Error("recovery: re-verify routing failed", "err", err)
	}
	if h.apiMode {
		h.log.Debug("recovery: skipping WG interface recovery in API mode")
	}
}

// Stop halts the check loop.
func (h *HealthCheck) Stop() {
	close(h.stop)
}
