// Package observability records what the request pipeline and cart manager do.
//
// This provides:
//   - Client spans for every pipeline request, traced by correlation tag
//   - Prometheus metrics for requests, credential refreshes, and cart mutations
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans — lightweight span tracking keyed by correlation tag
// ═══════════════════════════════════════════════════════════════════════════

// SpanKind classifies a span.
type SpanKind int

const (
	SpanInternal SpanKind = iota
	SpanClient
)

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span represents one unit of work within a correlated request chain.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	Operation string            `json:"operation"`
	Kind      SpanKind          `json:"kind"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 1_000)
}

// DefaultTracerConfig returns client defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{Enabled: true, MaxSpans: 1_000}
}

// Tracer keeps the most recent spans in memory for inspection.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a client span. The trace id is the correlation tag
// carried in ctx, when one is present.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if t == nil || !t.enabled {
		return &Span{Operation: operation}
	}
	return &Span{
		TraceID:   TraceIDFromContext(ctx),
		SpanID:    generateID(),
		Operation: operation,
		Kind:      SpanClient,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if t == nil || !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans (all when limit <= 0).
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const traceIDKey contextKey = "storefront-trace-id"

// WithTraceID returns a context carrying the given trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace id in ctx, or "" when absent.
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// generateID creates a short unique span id (not cryptographically secure).
var spanCounter atomic.Int64

func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Pipeline Metrics ───────────────────────────────────────────────────────

// PipelineRequests counts finished pipeline requests by outcome.
// outcome is "ok" or a classified error kind.
var PipelineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "storefront",
	Subsystem: "pipeline",
	Name:      "requests_total",
	Help:      "Total pipeline requests by method and outcome.",
}, []string{"method", "outcome"})

// PipelineLatency tracks end-to-end pipeline latency, retries included.
var PipelineLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "storefront",
	Subsystem: "pipeline",
	Name:      "latency_ms",
	Help:      "Pipeline request latency in milliseconds.",
	Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
}, []string{"method"})

// PipelineInFlight tracks requests currently awaiting a response.
var PipelineInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "storefront",
	Subsystem: "pipeline",
	Name:      "in_flight",
	Help:      "Pipeline requests currently in flight.",
})

// ─── Refresh Metrics ────────────────────────────────────────────────────────

// RefreshAttempts counts refresh calls actually sent, by result.
var RefreshAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "storefront",
	Subsystem: "refresh",
	Name:      "attempts_total",
	Help:      "Credential refresh calls issued, by result.",
}, []string{"result"})

// RefreshWaiters tracks requests parked behind an in-flight refresh.
var RefreshWaiters = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "storefront",
	Subsystem: "refresh",
	Name:      "waiters",
	Help:      "Requests waiting on the in-flight credential refresh.",
})

// ─── Cart Metrics ───────────────────────────────────────────────────────────

// CartMutations counts cart mutations by operation and result.
var CartMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "storefront",
	Subsystem: "cart",
	Name:      "mutations_total",
	Help:      "Cart mutations by operation and result.",
}, []string{"op", "result"})

// CartRollbacks counts optimistic projections that were rolled back.
var CartRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "storefront",
	Subsystem: "cart",
	Name:      "rollbacks_total",
	Help:      "Optimistic cart projections rolled back after a failed mutation.",
}, []string{"op"})

// CartMigrations counts guest-to-user cart transfers by result.
var CartMigrations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "storefront",
	Subsystem: "cart",
	Name:      "migrations_total",
	Help:      "Guest cart transfers by result.",
}, []string{"result"})
