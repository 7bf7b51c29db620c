// Package metrics wires Prometheus client_golang counters/gauges for the
// optional --metrics-addr debug endpoint. Grounded on the teacher's go.mod
// carrying github.com/prometheus/client_golang with zero call sites in the
// retrieved snapshot — this is the concrete home that dependency never got
// upstream.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the counters/gauges exposed on /metrics. No code path in
// the orchestrator or its collaborators increments or sets them, so every
// series reports zero. A nil *Registry is never passed around; callers
// always get one from New, even when --metrics-addr is unset.
type Registry struct {
	RateLimiterWaits   *prometheus.CounterVec
	RateLimiterBackoff *prometheus.CounterVec
	DownloadOutcomes   *prometheus.CounterVec
	CheckpointSaves    prometheus.Counter
	ActiveTargets      prometheus.Gauge

	reg *prometheus.Registry
}

// New builds a Registry with its own prometheus.Registry (not the global
// default) so multiple Contexts in the same process, e.g. in tests, never
// collide on metric registration.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		RateLimiterWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weiboloader_ratelimiter_waits_total",
			Help: "Count of RateController.WaitBefore calls that blocked, by bucket.",
		}, []string{"bucket"}),
		RateLimiterBackoff: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weiboloader_ratelimiter_backoff_total",
			Help: "Count of 403/418 observations that armed a backoff delay, by bucket.",
		}, []string{"bucket"}),
		DownloadOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weiboloader_download_outcomes_total",
			Help: "Media download outcomes by result.",
		}, []string{"outcome"}),
		CheckpointSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "weiboloader_checkpoint_saves_total",
			Help: "Count of checkpoint Store.Save calls.",
		}),
		ActiveTargets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "weiboloader_active_targets",
			Help: "Number of targets currently being processed (0 or 1 in the current sequential batch model).",
		}),
		reg: reg,
	}
}

// Serve starts a blocking HTTP server exposing /metrics on addr, mirroring
// the teacher's goroutine-wrapped ListenAndServe pattern in cmd/plex-tuner.
// Callers run it in its own goroutine and cancel ctx to shut it down.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
