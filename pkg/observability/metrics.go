package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	registerOnce sync.Once

	connectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "attachd",
		Subsystem: "server",
		Name:      "connections_accepted_total",
		Help:      "Connections accepted by the attach server.",
	})
	connectionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attachd",
		Subsystem: "server",
		Name:      "connections_live",
		Help:      "Currently open connections.",
	})
	attachResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attachd",
		Subsystem: "protocol",
		Name:      "attach_results_total",
		Help:      "Attach results by outcome.",
	}, []string{"ok", "reason"})
	handshakeTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "attachd",
		Subsystem: "protocol",
		Name:      "handshake_timeouts_total",
		Help:      "Connections closed while waiting for attach_session.",
	})
	sessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attachd",
		Subsystem: "registry",
		Name:      "sessions_live",
		Help:      "Sessions currently known to the registry.",
	})
)

// RegisterMetrics registers the attachd collectors with the default
// Prometheus registry. Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectionsAccepted, connectionsLive,
			attachResults, handshakeTimeouts, sessionsLive)
	})
}

func RecordConnectionOpened() {
	RegisterMetrics()
	connectionsAccepted.Inc()
	connectionsLive.Inc()
}

func RecordConnectionClosed() {
	RegisterMetrics()
	connectionsLive.Dec()
}

func RecordAttachResult(ok bool, reason string) {
	RegisterMetrics()
	okLabel := "false"
	if ok {
		okLabel = "true"
	}
	attachResults.WithLabelValues(okLabel, reason).Inc()
}

func RecordHandshakeTimeout() {
	RegisterMetrics()
	handshakeTimeouts.Inc()
}

func SetSessionsLive(n int) {
	RegisterMetrics()
	sessionsLive.Set(float64(n))
}

// ServeMetrics exposes /metrics on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string) {
	RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()
	zap.L().Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zap.L().Warn("metrics endpoint", zap.Error(err))
	}
}
