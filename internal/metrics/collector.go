package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is one scrape of the coordinator's live state.
type Snapshot struct {
	ActiveClaims    int
	ActiveHolds     int
	PendingAccounts int
	StreamSessions  int
	ActiveCaptures  int
}

// Source produces a Snapshot from the ledger and session stores.
type Source interface {
	MetricsSnapshot(ctx context.Context) (*Snapshot, error)
}

// Collector manages metric aggregation and exposure
type Collector struct {
	source   Source
	registry *prometheus.Registry

	up          prometheus.Gauge
	snapshotAge prometheus.Gauge

	activeClaims    prometheus.Gauge
	activeHolds     prometheus.Gauge
	pendingAccounts prometheus.Gauge
	streamSessions  prometheus.Gauge
	activeCaptures  prometheus.Gauge
	wsClients       prometheus.Gauge

	claimOps     *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func NewCollector(source Source) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		source:   source,
		registry: reg,
	}

	c.up = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_metrics_up",
		Help: "Status of the state snapshot loop (1=up, 0=down)",
	})
	reg.MustRegister(c.up)

	c.snapshotAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_metrics_snapshot_age_seconds",
		Help: "Age of the last successful state snapshot",
	})
	reg.MustRegister(c.snapshotAge)

	c.activeClaims = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_claims_active",
		Help: "Accounts currently claimed by an operator",
	})
	reg.MustRegister(c.activeClaims)

	c.activeHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_holds_active",
		Help: "Accounts currently on hold",
	})
	reg.MustRegister(c.activeHolds)

	c.pendingAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_queue_pending_accounts",
		Help: "Accounts with at least one pending event",
	})
	reg.MustRegister(c.pendingAccounts)

	c.streamSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_stream_sessions_active",
		Help: "Live stream sessions with at least one viewer",
	})
	reg.MustRegister(c.streamSessions)

	c.activeCaptures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_captures_active",
		Help: "Event captures currently recording",
	})
	reg.MustRegister(c.activeCaptures)

	c.wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_ws_clients",
		Help: "Connected realtime websocket clients",
	})
	reg.MustRegister(c.wsClients)

	c.claimOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_claim_operations_total",
		Help: "Claim ledger operations by op and result",
	}, []string{"op", "result"})
	reg.MustRegister(c.claimOps)

	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	reg.MustRegister(c.httpDuration)

	return c
}

// Handler exposes the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordClaimOp counts a ledger operation outcome.
func (c *Collector) RecordClaimOp(op, result string) {
	c.claimOps.WithLabelValues(op, result).Inc()
}

// ObserveHTTP records one request's latency.
func (c *Collector) ObserveHTTP(method, route, status string, d time.Duration) {
	c.httpDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

// SetWSClients tracks the realtime hub's client count.
func (c *Collector) SetWSClients(n int) {
	c.wsClients.Set(float64(n))
}

// Run refreshes the state gauges until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastOK time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := c.source.MetricsSnapshot(ctx)
			if err != nil {
				log.Printf("[Metrics] snapshot failed: %v", err)
				c.up.Set(0)
				if !lastOK.IsZero() {
					c.snapshotAge.Set(time.Since(lastOK).Seconds())
				}
				continue
			}
			lastOK = time.Now()
			c.up.Set(1)
			c.snapshotAge.Set(0)
			c.activeClaims.Set(float64(snap.ActiveClaims))
			c.activeHolds.Set(float64(snap.ActiveHolds))
			c.pendingAccounts.Set(float64(snap.PendingAccounts))
			c.streamSessions.Set(float64(snap.StreamSessions))
			c.activeCaptures.Set(float64(snap.ActiveCaptures))
		}
	}
}
