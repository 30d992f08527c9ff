package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the service-level provisioning metrics.
type Collector struct {
	tenantsCreated  prometheus.Counter
	tenantsDeleted  prometheus.Counter
	productsCreated prometheus.Counter
	productsDeleted prometheus.Counter

	provisioningFailures *prometheus.CounterVec
	codeRetries          prometheus.Counter
	keyDerivations       *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		tenantsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisio_tenants_created_total",
			Help: "Total number of tenants successfully provisioned",
		}),
		tenantsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisio_tenants_deleted_total",
			Help: "Total number of tenants deleted",
		}),
		productsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisio_products_created_total",
			Help: "Total number of products created",
		}),
		productsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisio_products_deleted_total",
			Help: "Total number of products deleted",
		}),
		provisioningFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provisio_provisioning_failures_total",
			Help: "Provisioning pipeline failures by step",
		}, []string{"step"}),
		codeRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisio_code_collision_retries_total",
			Help: "Tenant code regenerations triggered by duplicate-key persistence failures",
		}),
		keyDerivations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provisio_key_derivations_total",
			Help: "Key material generated, by kind",
		}, []string{"kind"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provisio_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

func (c *Collector) TenantCreated()  { c.tenantsCreated.Inc() }
func (c *Collector) TenantDeleted()  { c.tenantsDeleted.Inc() }
func (c *Collector) ProductCreated() { c.productsCreated.Inc() }
func (c *Collector) ProductDeleted() { c.productsDeleted.Inc() }

func (c *Collector) ProvisioningFailure(step string) {
	c.provisioningFailures.WithLabelValues(step).Inc()
}

func (c *Collector) CodeRetry() { c.codeRetries.Inc() }

func (c *Collector) KeyDerived(kind string) {
	c.keyDerivations.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveRequest(method, path, status string, duration time.Duration) {
	c.requestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
