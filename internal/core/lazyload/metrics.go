package lazyload

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for transformation requests.
type Observer interface {
	RecordCacheLookup(hit bool)
	RecordFlight(shared bool)
	RecordFallback(reason string)
	RecordStoreError()
	RecordTransform(duration time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) RecordCacheLookup(bool)               {}
func (nopObserver) RecordFlight(bool)                    {}
func (nopObserver) RecordFallback(string)                {}
func (nopObserver) RecordStoreError()                    {}
func (nopObserver) RecordTransform(time.Duration, error) {}

// PrometheusObserver exports lazy-load metrics to Prometheus.
type PrometheusObserver struct {
	cacheLookups      *prometheus.CounterVec
	flights           *prometheus.CounterVec
	fallbacks         *prometheus.CounterVec
	storeErrors       prometheus.Counter
	transformDuration *prometheus.HistogramVec
}

// NewPrometheusObserver registers the lazy-load collectors on reg.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "lazythumb"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	observer := &PrometheusObserver{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by outcome.",
		}, []string{"outcome"}),
		flights: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flights_total",
			Help:      "Single-flight results by whether they were shared between callers.",
		}, []string{"shared"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placeholder_fallbacks_total",
			Help:      "Placeholder responses served instead of a transformed image, by reason.",
		}, []string{"reason"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_errors_total",
			Help:      "Failed attempts to publish a transformed image to the cache store.",
		}),
		transformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Latency of fetch and transform computations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	var err error
	if observer.cacheLookups, err = register(reg, observer.cacheLookups); err != nil {
		return nil, err
	}
	if observer.flights, err = register(reg, observer.flights); err != nil {
		return nil, err
	}
	if observer.fallbacks, err = register(reg, observer.fallbacks); err != nil {
		return nil, err
	}
	if observer.storeErrors, err = register(reg, observer.storeErrors); err != nil {
		return nil, err
	}
	if observer.transformDuration, err = register(reg, observer.transformDuration); err != nil {
		return nil, err
	}
	return observer, nil
}

// register registers c, reusing an identical collector that is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register lazyload metric: %w", err)
	}
	return c, nil
}

// RecordCacheLookup counts a cache hit or miss.
func (o *PrometheusObserver) RecordCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	o.cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordFlight counts a single-flight result.
func (o *PrometheusObserver) RecordFlight(shared bool) {
	label := "false"
	if shared {
		label = "true"
	}
	o.flights.WithLabelValues(label).Inc()
}

// RecordFallback counts a placeholder response.
func (o *PrometheusObserver) RecordFallback(reason string) {
	o.fallbacks.WithLabelValues(reason).Inc()
}

// RecordStoreError counts a failed publish.
func (o *PrometheusObserver) RecordStoreError() {
	o.storeErrors.Inc()
}

// RecordTransform observes computation latency.
func (o *PrometheusObserver) RecordTransform(duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.transformDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
