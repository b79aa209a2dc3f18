// Package metrics exposes Prometheus metrics and a /healthz endpoint for the
// three loops.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds the Prometheus metrics shared by the binaries. Each binary
// registers the full set and touches the ones it owns.
type Metrics struct {
	// tick streamer
	TicksPublished    prometheus.Counter
	TickPublishErrors prometheus.Counter
	SocketReconnects  prometheus.Counter
	SubscribeRefresh  prometheus.Counter

	// bar reconciler
	BarsWritten         *prometheus.CounterVec // labels: flag = ok|fix|late|empty|closed|error
	HistoryRequests     prometheus.Counter
	HistoryErrors       prometheus.Counter
	ReconcileDur        prometheus.Histogram // per instrument
	InstrumentDeadlines prometheus.Counter   // error=2 written
	MinuteRollovers     prometheus.Counter   // error=3 written

	// session keeper
	SessionUsable prometheus.Gauge // 1 while the session is good
	FullRelogins  prometheus.Counter
	TickleErrors  prometheus.Counter
}

// New registers and returns the metric set.
func New() *Metrics {
	m := &Metrics{
		TicksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalfeed_ticks_published_total",
			Help: "Normalized ticks published to the store",
		}),
		TickPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalfeed_tick_publish_errors_total",
			Help: "Store errors while publishing ticks",
		}),
		SocketReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalfeed_socket_reconnects_total",
			Help: "Streamer socket reconnections",
		}),
		SubscribeRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalfeed_subscription_refreshes_total",
			Help: "smd subscriptions resent after 10s of silence",
		}),

		BarsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portalfeed_bars_written_total",
			Help: "Bar records written, by status flag",
		}, []string{"flag"}),
		HistoryRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalfeed_history_requests_total",
			Help: "History endpoint requests issued",
		}),
		HistoryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalfeed_history_errors_total",
			Help: "History endpoint failures",
		}),
		ReconcileDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "portalfeed_reconcile_duration_seconds",
			Help:    "Per-instrument reconciliation duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		InstrumentDeadlines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalfeed_instrument_deadlines_total",
			Help: "Instruments abandoned on the 10s deadline (error=2)",
		}),
		MinuteRollovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalfeed_minute_rollovers_total",
			Help: "Minute passes aborted on rollover (error=3)",
		}),

		SessionUsable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portalfeed_session_usable",
			Help: "1 while the portal session is authenticated",
		}),
		FullRelogins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalfeed_full_relogins_total",
			Help: "Full credential relogins performed",
		}),
		TickleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalfeed_tickle_errors_total",
			Help: "Keep-alive tickle failures",
		}),
	}

	prometheus.MustRegister(
		m.TicksPublished,
		m.TickPublishErrors,
		m.SocketReconnects,
		m.SubscribeRefresh,
		m.BarsWritten,
		m.HistoryRequests,
		m.HistoryErrors,
		m.ReconcileDur,
		m.InstrumentDeadlines,
		m.MinuteRollovers,
		m.SessionUsable,
		m.FullRelogins,
		m.TickleErrors,
	)
	return m
}

// HealthStatus is the /healthz payload.
type HealthStatus struct {
	mu sync.RWMutex

	socketConnected bool
	redisConnected  bool
	sessionUsable   bool
	lastTick        time.Time
	startedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{startedAt: time.Now()}
}

func (h *HealthStatus) SetSocketConnected(v bool) {
	h.mu.Lock()
	h.socketConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.redisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSessionUsable(v bool) {
	h.mu.Lock()
	h.sessionUsable = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTick(t time.Time) {
	h.mu.Lock()
	h.lastTick = t
	h.mu.Unlock()
}

// StartRedisProbe pings the store periodically until ctx is cancelled.
func (h *HealthStatus) StartRedisProbe(ctx context.Context, rdb *goredis.Client, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.SetRedisConnected(rdb.Ping(probeCtx).Err() == nil)
				cancel()
			}
		}
	}()
}

// ServeHTTP handles /healthz.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if !h.redisConnected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.lastTick.IsZero() {
		tickAge = time.Since(h.lastTick).Round(time.Millisecond).String()
	}

	payload := struct {
		Status          string `json:"status"`
		Uptime          string `json:"uptime"`
		SocketConnected bool   `json:"socket_connected"`
		RedisConnected  bool   `json:"redis_connected"`
		SessionUsable   bool   `json:"session_usable"`
		TickAge         string `json:"tick_age,omitempty"`
	}{
		Status:          status,
		Uptime:          time.Since(h.startedAt).Round(time.Second).String(),
		SocketConnected: h.socketConnected,
		RedisConnected:  h.redisConnected,
		SessionUsable:   h.sessionUsable,
		TickAge:         tickAge,
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(payload)
}

// Server exposes /metrics and /healthz.
type Server struct {
	srv *http.Server
	log *logrus.Entry
}

// NewServer creates the metrics server. addr may be empty; Start is then a
// no-op.
func NewServer(addr string, health *HealthStatus, log *logrus.Entry) *Server {
	if addr == "" {
		return &Server{log: log}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)
	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux},
		log: log,
	}
}

// Start launches the server in a goroutine.
func (s *Server) Start() {
	if s.srv == nil {
		return
	}
	go func() {
		s.log.WithField("addr", s.srv.Addr).Info("metrics server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server error")
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	if s.srv != nil {
		s.srv.Shutdown(ctx)
	}
}
