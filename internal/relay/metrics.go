package relay

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's collectors on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	claimsTotal   *prometheus.CounterVec
	payoutsTotal  *prometheus.CounterVec
	claimDuration prometheus.Histogram
	signerNonce   *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridgerelay_claims_total",
		Help: "Claim submissions by outcome",
	}, []string{"result"})

	payouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridgerelay_payouts_total",
		Help: "Payout broadcasts per destination network",
	}, []string{"network", "result"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridgerelay_claim_duration_seconds",
		Help:    "Time spent processing a claim",
		Buckets: prometheus.DefBuckets,
	})

	nonce := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridgerelay_signer_nonce",
		Help: "Last nonce used by the relay signer",
	}, []string{"network"})

	r := prometheus.NewRegistry()
	r.MustRegister(claims, payouts, duration, nonce)

	return &Metrics{
		registry:      r,
		claimsTotal:   claims,
		payoutsTotal:  payouts,
		claimDuration: duration,
		signerNonce:   nonce,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry so callers can add their own collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeClaim(result string, elapsed time.Duration) {
	m.claimsTotal.WithLabelValues(result).Inc()
	m.claimDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) incPayout(network, result string) {
	m.payoutsTotal.WithLabelValues(network, result).Inc()
}

func (m *Metrics) setNonce(network string, nonce uint64) {
	m.signerNonce.WithLabelValues(network).Set(float64(nonce))
}
