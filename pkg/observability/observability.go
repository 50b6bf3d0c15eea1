// Package observability provides the Coordinator and Node-Agent's metrics,
// tracing, and task-history telemetry. Metrics are exposed in Prometheus
// exposition format via prometheus/client_golang; tracing and task history
// are an in-process, queryable event log. Only the metrics are wired into
// the Coordinator; the tracer and task history are exercised by tests.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ------------------------------------------------------------------
// Prometheus metrics
// ------------------------------------------------------------------

// BosonMetrics holds every metric the Coordinator and Node-Agent export,
// registered against a private prometheus.Registry so multiple Coordinator
// instances in a test binary don't collide on the global default registry.
type BosonMetrics struct {
	registry *prometheus.Registry

	NodesRegisteredTotal prometheus.Counter
	NodesOnline          prometheus.Gauge
	NodesDegraded        prometheus.Gauge
	HeartbeatsTotal      *prometheus.CounterVec // label: status

	RouteSelectionsTotal *prometheus.CounterVec // label: kind (direct|relay)
	RouteSelectionErrors prometheus.Counter
	RouteSelectLatency   prometheus.Histogram

	SessionsOpenedTotal prometheus.Counter
	SessionsClosedTotal prometheus.Counter
	SessionsActive      prometheus.Gauge

	WSFramesInTotal     prometheus.Counter
	WSFramesOutTotal    prometheus.Counter
	WSConnectionsActive prometheus.Gauge

	UDPPacketsInTotal  prometheus.Counter
	UDPPacketsOutTotal prometheus.Counter
	UDPBindingsActive  prometheus.Gauge

	DispatchNoPathTotal prometheus.Counter
	DispatchHTTPFallbackTotal prometheus.Counter

	CircuitBreakerTrips prometheus.Counter
	RetryAttemptsTotal  prometheus.Counter
}

// NewBosonMetrics builds and registers the standard metrics suite.
func NewBosonMetrics() *BosonMetrics {
	reg := prometheus.NewRegistry()

	m := &BosonMetrics{
		registry: reg,

		NodesRegisteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_nodes_registered_total",
			Help: "Total Node registrations accepted by the Coordinator.",
		}),
		NodesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boson_nodes_online",
			Help: "Nodes currently in the online status.",
		}),
		NodesDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boson_nodes_degraded",
			Help: "Nodes currently in the degraded status.",
		}),
		HeartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boson_heartbeats_total",
			Help: "Heartbeats processed, labeled by derived status.",
		}, []string{"status"}),

		RouteSelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boson_route_selections_total",
			Help: "Routes selected, labeled by route kind.",
		}, []string{"kind"}),
		RouteSelectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_route_selection_errors_total",
			Help: "Route selection requests that found no suitable route.",
		}),
		RouteSelectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "boson_route_select_latency_seconds",
			Help:    "Route selection latency.",
			Buckets: prometheus.DefBuckets,
		}),

		SessionsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_sessions_opened_total",
			Help: "Sessions created.",
		}),
		SessionsClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_sessions_closed_total",
			Help: "Sessions closed.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boson_sessions_active",
			Help: "Currently active sessions.",
		}),

		WSFramesInTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_ws_frames_in_total",
			Help: "WS frames received from Nodes.",
		}),
		WSFramesOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_ws_frames_out_total",
			Help: "WS frames sent to Nodes.",
		}),
		WSConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boson_ws_connections_active",
			Help: "Currently attached WS relay connections.",
		}),

		UDPPacketsInTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_udp_packets_in_total",
			Help: "UDP packets received from Clients.",
		}),
		UDPPacketsOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_udp_packets_out_total",
			Help: "UDP packets sent to Clients.",
		}),
		UDPBindingsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boson_udp_bindings_active",
			Help: "Currently tracked UDP endpoint bindings.",
		}),

		DispatchNoPathTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_dispatch_no_path_total",
			Help: "Dispatch attempts that found no forwarding path.",
		}),
		DispatchHTTPFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_dispatch_http_fallback_total",
			Help: "Dispatch attempts that fell back to the Node HTTP API.",
		}),

		CircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_circuit_breaker_trips_total",
			Help: "Circuit breaker open-state transitions.",
		}),
		RetryAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_retry_attempts_total",
			Help: "Retry attempts across all resilience pipelines.",
		}),
	}

	reg.MustRegister(
		m.NodesRegisteredTotal, m.NodesOnline, m.NodesDegraded, m.HeartbeatsTotal,
		m.RouteSelectionsTotal, m.RouteSelectionErrors, m.RouteSelectLatency,
		m.SessionsOpenedTotal, m.SessionsClosedTotal, m.SessionsActive,
		m.WSFramesInTotal, m.WSFramesOutTotal, m.WSConnectionsActive,
		m.UDPPacketsInTotal, m.UDPPacketsOutTotal, m.UDPBindingsActive,
		m.DispatchNoPathTotal, m.DispatchHTTPFallbackTotal,
		m.CircuitBreakerTrips, m.RetryAttemptsTotal,
	)

	return m
}

// Handler returns the Prometheus exposition HTTP handler for this metrics
// set, mounted by the Coordinator at /metrics.
func (m *BosonMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ------------------------------------------------------------------
// Structured tracing
// ------------------------------------------------------------------

// Span represents a unit of work in a trace: a route selection, a dispatch
// attempt, a WS handshake.
type Span struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Name       string            `json:"name"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Status     string            `json:"status"` // "ok", "error"
	Attributes map[string]string `json:"attributes,omitempty"`
	Events     []SpanEvent       `json:"events,omitempty"`
}

// SpanEvent is a timestamped annotation within a span.
type SpanEvent struct {
	Name       string            `json:"name"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Tracer creates and manages spans.
type Tracer struct {
	mu       sync.Mutex
	spans    []*Span
	maxSpans int
	logger   *slog.Logger
}

// NewTracer creates a tracer.
func NewTracer(maxSpans int, logger *slog.Logger) *Tracer {
	if maxSpans <= 0 {
		maxSpans = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		spans:    make([]*Span, 0, maxSpans),
		maxSpans: maxSpans,
		logger:   logger,
	}
}

type traceContextKey struct{}

// StartSpan begins a new span and attaches it to the context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, *Span) {
	span := &Span{
		TraceID:    generateID(),
		SpanID:     generateID(),
		Name:       name,
		StartTime:  time.Now(),
		Status:     "ok",
		Attributes: attrs,
	}

	// Inherit trace from parent
	if parent, ok := ctx.Value(traceContextKey{}).(*Span); ok {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}

	return context.WithValue(ctx, traceContextKey{}, span), span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = "error"
		span.AddEvent("error", map[string]string{"message": err.Error()})
	}

	t.mu.Lock()
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[t.maxSpans/10:]
	}
	t.spans = append(t.spans, span)
	t.mu.Unlock()

	t.logger.Debug("span completed",
		"trace_id", span.TraceID,
		"span_id", span.SpanID,
		"name", span.Name,
		"duration", span.Duration,
		"status", span.Status,
	)
}

// AddEvent adds a timestamped event to a span.
func (s *Span) AddEvent(name string, attrs map[string]string) {
	s.Events = append(s.Events, SpanEvent{
		Name:       name,
		Timestamp:  time.Now(),
		Attributes: attrs,
	})
}

// QuerySpans returns recent spans matching the filter.
func (t *Tracer) QuerySpans(opts SpanQueryOptions) []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Span
	for _, s := range t.spans {
		if opts.TraceID != "" && s.TraceID != opts.TraceID {
			continue
		}
		if opts.Name != "" && s.Name != opts.Name {
			continue
		}
		if !opts.Since.IsZero() && s.StartTime.Before(opts.Since) {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		out = append(out, s)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// SpanQueryOptions filters trace queries.
type SpanQueryOptions struct {
	TraceID string
	Name    string
	Status  string
	Since   time.Time
	Limit   int
}

// ------------------------------------------------------------------
// Task history (replayable event log)
// ------------------------------------------------------------------

// TaskRecord is a persistent record of one Coordinator or Node-Agent action,
// kept for replay and debugging (e.g. "route_select", "dispatch_forward",
// "ws_attach").
type TaskRecord struct {
	ID        string            `json:"id"`
	TraceID   string            `json:"trace_id"`
	NodeID    string            `json:"node_id,omitempty"`
	ClientID  string            `json:"client_id,omitempty"`
	Action    string            `json:"action"`
	Input     json.RawMessage   `json:"input,omitempty"`
	Output    json.RawMessage   `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TaskHistory stores and queries task execution records.
type TaskHistory struct {
	mu      sync.Mutex
	records []*TaskRecord
	maxSize int
}

// NewTaskHistory creates a task history store.
func NewTaskHistory(maxSize int) *TaskHistory {
	if maxSize <= 0 {
		maxSize = 50000
	}
	return &TaskHistory{
		records: make([]*TaskRecord, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a task record.
func (th *TaskHistory) Record(rec *TaskRecord) {
	th.mu.Lock()
	defer th.mu.Unlock()
	if len(th.records) >= th.maxSize {
		th.records = th.records[th.maxSize/10:]
	}
	th.records = append(th.records, rec)
}

// Query returns records matching the filter.
func (th *TaskHistory) Query(opts TaskQueryOptions) []*TaskRecord {
	th.mu.Lock()
	defer th.mu.Unlock()
	var out []*TaskRecord
	for _, r := range th.records {
		if opts.NodeID != "" && r.NodeID != opts.NodeID {
			continue
		}
		if opts.ClientID != "" && r.ClientID != opts.ClientID {
			continue
		}
		if opts.Action != "" && r.Action != opts.Action {
			continue
		}
		if !opts.Since.IsZero() && r.Timestamp.Before(opts.Since) {
			continue
		}
		if opts.TraceID != "" && r.TraceID != opts.TraceID {
			continue
		}
		out = append(out, r)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// TaskQueryOptions filters task history queries.
type TaskQueryOptions struct {
	NodeID   string
	ClientID string
	Action   string
	TraceID  string
	Since    time.Time
	Limit    int
}

// ------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------

var idCounter atomic.Int64

func generateID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), idCounter.Add(1))
}
