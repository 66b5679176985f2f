package skysim

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors updated by the composer.
type Metrics struct {
	Realizations    *prometheus.CounterVec
	FlaggedPixels   *prometheus.CounterVec
	NegativePixels  *prometheus.CounterVec
	ObservedPixels  *prometheus.GaugeVec
	ComposeDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors against reg, defaulting to the global
// registry when nil. Collectors already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	realizations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skysim_realizations_total",
		Help: "Noise realizations composed, labeled by channel and variant.",
	}, []string{"channel", "variant"}), "skysim_realizations_total")
	if err != nil {
		return nil, err
	}
	flagged, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skysim_flagged_pixels_total",
		Help: "Pixels excluded from Q/U output because their polarization covariance is not positive semi-definite.",
	}, []string{"channel"}), "skysim_flagged_pixels_total")
	if err != nil {
		return nil, err
	}
	negative, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skysim_negative_variance_pixels_total",
		Help: "Negative input variances treated as unobserved.",
	}, []string{"channel"}), "skysim_negative_variance_pixels_total")
	if err != nil {
		return nil, err
	}
	observed, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skysim_observed_pixels",
		Help: "Observed pixels of the last realization, labeled by channel and Stokes component.",
	}, []string{"channel", "component"}), "skysim_observed_pixels")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skysim_compose_duration_seconds",
		Help:    "Time spent composing one realization.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"variant"}), "skysim_compose_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Realizations:    realizations,
		FlaggedPixels:   flagged,
		NegativePixels:  negative,
		ObservedPixels:  observed,
		ComposeDuration: duration,
	}, nil
}

func (m *Metrics) observe(r *NoiseRealization, elapsed time.Duration) {
	if m == nil || r == nil {
		return
	}
	ch := strconv.Itoa(int(r.Channel))
	m.Realizations.WithLabelValues(ch, r.Variant.String()).Inc()
	m.FlaggedPixels.WithLabelValues(ch).Add(float64(r.Report.FlaggedPixels))
	m.NegativePixels.WithLabelValues(ch).Add(float64(r.Report.NegativePixels))
	m.ObservedPixels.WithLabelValues(ch, "T").Set(float64(r.Report.ObservedT))
	m.ObservedPixels.WithLabelValues(ch, "P").Set(float64(r.Report.ObservedP))
	m.ComposeDuration.WithLabelValues(r.Variant.String()).Observe(elapsed.Seconds())
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
