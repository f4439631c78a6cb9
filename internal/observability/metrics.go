// Package observability — metrics.go
//
// Prometheus metrics for a quorumcast node.
//
// Endpoint: GET /metrics on 127.0.0.1:9094 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: the configured metrics_addr; the default is loopback only.
//
// Metric naming convention: quorumcast_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - message_type labels are bounded by the wire vocabulary.
//   - BatchKey and NodeID are NOT used as labels (unbounded cardinality).

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for a node.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Broadcast ────────────────────────────────────────────────────────────

	// BatchesOriginatedTotal counts batches this node created.
	BatchesOriginatedTotal prometheus.Counter

	// BatchesRelayedTotal counts batches re-broadcast on first receipt.
	BatchesRelayedTotal prometheus.Counter

	// BatchesDeliveredTotal counts batches appended to the delivered log.
	BatchesDeliveredTotal prometheus.Counter

	// BroadcastFailuresTotal counts echo/ready phase failures.
	// Labels: phase (echo, ready)
	BroadcastFailuresTotal *prometheus.CounterVec

	// DuplicateBatchesTotal counts batches dropped as already received.
	DuplicateBatchesTotal prometheus.Counter

	// EchoWaitSeconds records the time spent waiting for echo replies.
	EchoWaitSeconds prometheus.Histogram

	// ReadyWaitSeconds records the time spent waiting for ready replies.
	ReadyWaitSeconds prometheus.Histogram

	// ─── Transport ────────────────────────────────────────────────────────────

	// RouterRequestsTotal counts router requests, by message type.
	RouterRequestsTotal *prometheus.CounterVec

	// InvalidSignaturesTotal counts dropped messages with bad signatures.
	// Labels: kind (batch, echo, response)
	InvalidSignaturesTotal *prometheus.CounterVec

	// ResponsesPublishedTotal counts responses flushed to the publisher.
	// Labels: response_type (EchoResponse, ReadyResponse)
	ResponsesPublishedTotal *prometheus.CounterVec

	// PeersKnown is the current size of the peer registry.
	PeersKnown prometheus.Gauge

	// ─── Congestion ───────────────────────────────────────────────────────────

	// CurrentLatencySeconds is the batch builder cadence.
	CurrentLatencySeconds prometheus.Gauge

	// PublishFrequencySeconds is the response flush cadence.
	PublishFrequencySeconds prometheus.Gauge

	// ─── Sequencer ────────────────────────────────────────────────────────────

	// DeliveredLogSize is the number of entries in the delivered log.
	DeliveredLogSize prometheus.Gauge

	// NodeUptimeSeconds is the number of seconds since node start.
	NodeUptimeSeconds prometheus.Gauge

	// startTime records when the node started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all node Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		BatchesOriginatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumcast",
			Subsystem: "broadcast",
			Name:      "batches_originated_total",
			Help:      "Total batches created by the local batch builder.",
		}),

		BatchesRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumcast",
			Subsystem: "broadcast",
			Name:      "batches_relayed_total",
			Help:      "Total batches re-broadcast after first receipt from a peer.",
		}),

		BatchesDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumcast",
			Subsystem: "broadcast",
			Name:      "batches_delivered_total",
			Help:      "Total batches appended to the delivered log.",
		}),

		BroadcastFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumcast",
			Subsystem: "broadcast",
			Name:      "failures_total",
			Help:      "Total broadcast phase failures, by phase.",
		}, []string{"phase"}),

		DuplicateBatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumcast",
			Subsystem: "broadcast",
			Name:      "duplicate_batches_total",
			Help:      "Total batches dropped because the key was already held.",
		}),

		EchoWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quorumcast",
			Subsystem: "broadcast",
			Name:      "echo_wait_seconds",
			Help:      "Time spent collecting echo replies per batch.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}),

		ReadyWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quorumcast",
			Subsystem: "broadcast",
			Name:      "ready_wait_seconds",
			Help:      "Time spent collecting ready replies per batch.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}),

		RouterRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumcast",
			Subsystem: "transport",
			Name:      "router_requests_total",
			Help:      "Total router requests handled, by message type.",
		}, []string{"message_type"}),

		InvalidSignaturesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumcast",
			Subsystem: "transport",
			Name:      "invalid_signatures_total",
			Help:      "Total messages dropped for failed verification, by kind.",
		}, []string{"kind"}),

		ResponsesPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumcast",
			Subsystem: "transport",
			Name:      "responses_published_total",
			Help:      "Total echo/ready responses flushed to the publisher.",
		}, []string{"response_type"}),

		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumcast",
			Subsystem: "transport",
			Name:      "peers_known",
			Help:      "Current number of peers in the registry.",
		}),

		CurrentLatencySeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumcast",
			Subsystem: "congestion",
			Name:      "current_latency_seconds",
			Help:      "Seconds between batch builder flushes.",
		}),

		PublishFrequencySeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumcast",
			Subsystem: "congestion",
			Name:      "publish_frequency_seconds",
			Help:      "Seconds between response fan-out flushes.",
		}),

		DeliveredLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumcast",
			Subsystem: "sequencer",
			Name:      "delivered_log_size",
			Help:      "Number of entries in the delivered log.",
		}),

		NodeUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumcast",
			Subsystem: "node",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the node started.",
		}),
	}

	// Register all metrics with the dedicated registry.
	reg.MustRegister(
		m.BatchesOriginatedTotal,
		m.BatchesRelayedTotal,
		m.BatchesDeliveredTotal,
		m.BroadcastFailuresTotal,
		m.DuplicateBatchesTotal,
		m.EchoWaitSeconds,
		m.ReadyWaitSeconds,
		m.RouterRequestsTotal,
		m.InvalidSignaturesTotal,
		m.ResponsesPublishedTotal,
		m.PeersKnown,
		m.CurrentLatencySeconds,
		m.PublishFrequencySeconds,
		m.DeliveredLogSize,
		m.NodeUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the NodeUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.NodeUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
