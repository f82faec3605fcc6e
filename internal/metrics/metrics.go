// Package metrics exposes the Prometheus counters and gauges the
// streaming core updates as it runs. Importing it and never calling
// StartHTTP is harmless — the counters just accumulate unread, the way
// client_golang counters are designed to.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redcircle/danmaku-stream/internal/logging"
)

var (
	PacketsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "danmaku_packets_decoded_total",
		Help: "Packets successfully decoded by a Session, by operation.",
	}, []string{"operation"})

	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "danmaku_malformed_frames_total",
		Help: "Frames rejected by the codec (short header, bad hdrLen, unknown enum, bad zlib container).",
	})

	PacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "danmaku_distributor_dropped_total",
		Help: "Packets dropped from a subscriber's buffer to make room for newer ones.",
	})

	SubscriberCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "danmaku_distributor_subscribers",
		Help: "Current number of live subscriptions on the distributor.",
	})

	FailoverTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "danmaku_supervisor_failovers_total",
		Help: "Number of times the supervisor rotated to the next candidate host.",
	})

	SessionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "danmaku_session_failures_total",
		Help: "Failure reports received by the supervisor from session tasks.",
	})

	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "danmaku_session_active",
		Help: "1 while a session is connected, 0 otherwise.",
	})
)

// StartHTTP serves Prometheus metrics at /metrics on addr. The caller
// owns the returned server's lifecycle (Shutdown/Close).
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics server error", "error", err)
		}
	}()
	return srv
}
