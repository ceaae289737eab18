// Package meshmetrics exposes a Prometheus registry of Hub-wide gauges and
// counters — peer count, auth rejects, OTA sessions by state, automation
// rule fires, and federation link state — plus an HTTP server to serve
// them.
package meshmetrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/meshhub/internal/ota"
)

// Collector owns every Hub metric and the registry they're bound to.
type Collector struct {
	registry *prometheus.Registry

	peerCount       prometheus.Gauge
	deviceCount     prometheus.Gauge
	authRejects     *prometheus.CounterVec
	otaSessions     *prometheus.GaugeVec
	ruleFires       prometheus.Counter
	federationLinks *prometheus.GaugeVec
}

// New constructs a Collector with every metric registered against a private
// registry (never the global default, so multiple Collectors never
// collide in tests).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		peerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshhub_peer_count",
			Help: "Number of discovery peers currently known.",
		}),
		deviceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshhub_device_count",
			Help: "Number of devices currently registered.",
		}),
		authRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshhub_auth_rejects_total",
			Help: "Envelope verification failures, by reason.",
		}, []string{"reason"}),
		otaSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshhub_ota_sessions",
			Help: "In-flight OTA sessions, by state.",
		}, []string{"state"}),
		ruleFires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshhub_automation_rule_fires_total",
			Help: "Commands emitted by automation rule firings.",
		}),
		federationLinks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshhub_federation_link_up",
			Help: "Federation link state per peer hub (1 connected, 0 down).",
		}, []string{"hub_id"}),
	}

	reg.MustRegister(
		c.peerCount,
		c.deviceCount,
		c.authRejects,
		c.otaSessions,
		c.ruleFires,
		c.federationLinks,
	)
	return c
}

// SetPeerCount records the current discovery peer count.
func (c *Collector) SetPeerCount(n int) {
	c.peerCount.Set(float64(n))
}

// SetDeviceCount records the current registry device count.
func (c *Collector) SetDeviceCount(n int) {
	c.deviceCount.Set(float64(n))
}

// ObserveAuthReject increments the reject counter for the given reason.
// Intended as the callback passed to meshauth.Authenticator.SetRejectObserver;
// the source node_id is intentionally not a label to avoid unbounded label
// cardinality from forged or unknown peers.
func (c *Collector) ObserveAuthReject(_ string, err error) {
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	c.authRejects.WithLabelValues(reason).Inc()
}

// ObserveOTATransition increments the gauge for the session's new state.
// It never decrements the state being left (that would need the prior
// state, which the observer callback doesn't carry), so periodically call
// RefreshOTASessions to correct the accumulated drift from a live snapshot.
// Intended as the callback passed to ota.Manager.SetObserver.
func (c *Collector) ObserveOTATransition(_ string, state ota.SessionState) {
	c.otaSessions.WithLabelValues(state.String()).Inc()
}

// RefreshOTASessions recomputes the sessions-by-state gauge from scratch
// against a live snapshot, correcting any drift ObserveOTATransition's
// increment-only counting accumulates (a session's previous state is never
// decremented there). Call this periodically, e.g. from the same ticker
// that drives ota.Manager's own watchdog.
func (c *Collector) RefreshOTASessions(sessions []ota.Session) {
	counts := map[ota.SessionState]int{}
	for _, s := range sessions {
		counts[s.State]++
	}
	for _, state := range []ota.SessionState{
		ota.StateOffered, ota.StateTransferring, ota.StateVerifying,
		ota.StateComplete, ota.StateFailed, ota.StateRejected,
	} {
		c.otaSessions.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
}

// ObserveRuleFire increments the automation rule-fire counter once per
// command an evaluation round emits.
func (c *Collector) ObserveRuleFire() {
	c.ruleFires.Inc()
}

// SetFederationLink records whether hubID's link is currently connected.
func (c *Collector) SetFederationLink(hubID string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	c.federationLinks.WithLabelValues(hubID).Set(v)
}

// StartServer mounts /metrics on a dedicated mux and serves it in the
// background. Returns the *http.Server so the caller can Shutdown it.
func (c *Collector) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("meshmetrics: server stopped", "error", err)
		}
	}()
	return srv
}

// Shutdown gracefully stops srv within the given timeout.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
