// Package metrics exposes issuer counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives issuance and verification events.
type Recorder interface {
	CardIssued(product string)
	NumberCollision()
	Verification(result string)
	ReissueDue(count int)
}

// Provider owns a private registry and the issuer collectors.
type Provider struct {
	registry    *prometheus.Registry
	issued      *prometheus.CounterVec
	collisions  prometheus.Counter
	verifyCount *prometheus.CounterVec
	reissueDue  prometheus.Gauge
}

var _ Recorder = (*Provider)(nil)

// NewProvider registers the issuer metrics under namespace.
func NewProvider(namespace string) *Provider {
	p := &Provider{
		registry: prometheus.NewRegistry(),
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cards_issued_total",
			Help:      "Cards issued, by product.",
		}, []string{"product"}),
		collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "card_number_collisions_total",
			Help:      "Generated card numbers rejected because they already exist.",
		}),
		verifyCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "card_verifications_total",
			Help:      "Card verifications, by result.",
		}, []string{"result"}),
		reissueDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cards_reissue_due",
			Help:      "Active cards inside the reissue window at the last scan.",
		}),
	}
	p.registry.MustRegister(
		p.issued,
		p.collisions,
		p.verifyCount,
		p.reissueDue,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Handler serves the registry.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Provider) CardIssued(product string) { p.issued.WithLabelValues(product).Inc() }

func (p *Provider) NumberCollision() { p.collisions.Inc() }

func (p *Provider) Verification(result string) { p.verifyCount.WithLabelValues(result).Inc() }

func (p *Provider) ReissueDue(count int) { p.reissueDue.Set(float64(count)) }

// Nop discards all events.
type Nop struct{}

func (Nop) CardIssued(string)   {}
func (Nop) NumberCollision()    {}
func (Nop) Verification(string) {}
func (Nop) ReissueDue(int)      {}
