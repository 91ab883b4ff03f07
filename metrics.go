package gotov8

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's collectors. They are registered on the
// Registerer from Config, or on a private registry.
type Metrics struct {
	Registry prometheus.Registerer

	programsCreated   prometheus.Counter
	programsDestroyed prometheus.Counter
	programsLive      prometheus.Gauge
	crossings         *prometheus.CounterVec
	guestExceptions   prometheus.Counter
	callbacksLive     prometheus.Gauge
	codeCacheHits     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		programsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gotov8",
			Name:      "programs_created_total",
			Help:      "Programs successfully compiled",
		}),
		programsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gotov8",
			Name:      "programs_destroyed_total",
			Help:      "Programs torn down",
		}),
		programsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gotov8",
			Name:      "programs_live",
			Help:      "Programs compiled and not yet torn down",
		}),
		crossings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gotov8",
			Name:      "crossings_total",
			Help:      "Boundary crossings by operation",
		}, []string{"op"}),
		guestExceptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gotov8",
			Name:      "guest_exceptions_total",
			Help:      "Guest exceptions translated into host errors",
		}),
		callbacksLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gotov8",
			Name:      "callbacks_live",
			Help:      "Host callables currently exposed as guest functions",
		}),
		codeCacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gotov8",
			Name:      "code_cache_lookups_total",
			Help:      "V8 code cache lookups by result",
		}, []string{"result"}),
	}
}
