// Package metrics holds the Prometheus collectors for match coordination.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	matchesCreated   *prometheus.CounterVec
	matchesPaired    *prometheus.CounterVec
	pairConflicts    prometheus.Counter
	matchesCancelled prometheus.Counter
	matchesFinished  *prometheus.CounterVec
	events           *prometheus.CounterVec
	plyRetries       prometheus.Counter
	liveConns        prometheus.Gauge
	liveDropped      prometheus.Counter
	httpReqs         *prometheus.CounterVec
	httpLat          *prometheus.HistogramVec
	waitingPruned    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		matchesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "match_created_total", Help: "Matches created, by game type.",
		}, []string{"game_type"}),
		matchesPaired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "match_paired_total", Help: "Matches paired with an opponent, by game type.",
		}, []string{"game_type"}),
		pairConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "match_pair_conflicts_total", Help: "Pairing attempts lost to a concurrent writer.",
		}),
		matchesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "match_cancelled_total", Help: "Waiting matches cancelled by their creator.",
		}),
		matchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "match_finished_total", Help: "Matches finished, by termination.",
		}, []string{"termination"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "match_events_total", Help: "Live events handled, by kind and result.",
		}, []string{"kind", "result"}),
		plyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "match_ply_retries_total", Help: "Move appends retried after a duplicate ply.",
		}),
		liveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "match_live_connections", Help: "Open live connections.",
		}),
		liveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "match_live_dropped_subscribers_total", Help: "Subscribers closed for falling behind.",
		}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total", Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds", Help: "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		waitingPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "match_waiting_pruned_total", Help: "Stale waiting-pool entries removed.",
		}),
	}
	reg.MustRegister(
		m.matchesCreated, m.matchesPaired, m.pairConflicts, m.matchesCancelled,
		m.matchesFinished, m.events, m.plyRetries, m.liveConns, m.liveDropped,
		m.httpReqs, m.httpLat, m.waitingPruned,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MatchCreated(gameType string) {
	if m != nil {
		m.matchesCreated.WithLabelValues(gameType).Inc()
	}
}

func (m *Metrics) MatchPaired(gameType string) {
	if m != nil {
		m.matchesPaired.WithLabelValues(gameType).Inc()
	}
}

func (m *Metrics) PairConflict() {
	if m != nil {
		m.pairConflicts.Inc()
	}
}

func (m *Metrics) MatchCancelled() {
	if m != nil {
		m.matchesCancelled.Inc()
	}
}

func (m *Metrics) MatchFinished(termination string) {
	if m != nil {
		m.matchesFinished.WithLabelValues(termination).Inc()
	}
}

func (m *Metrics) Event(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) PlyRetry() {
	if m != nil {
		m.plyRetries.Inc()
	}
}

func (m *Metrics) LiveConnOpened() {
	if m != nil {
		m.liveConns.Inc()
	}
}

func (m *Metrics) LiveConnClosed() {
	if m != nil {
		m.liveConns.Dec()
	}
}

func (m *Metrics) SubscriberDropped() {
	if m != nil {
		m.liveDropped.Inc()
	}
}

func (m *Metrics) WaitingPruned(n int) {
	if m != nil && n > 0 {
		m.waitingPruned.Add(float64(n))
	}
}

// ObserveHTTP records one request against its registered route.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpReqs.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLat.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
