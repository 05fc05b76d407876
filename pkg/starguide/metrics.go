package starguide

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TrackerCollector bundles the Prometheus metrics of a Tracker.
type TrackerCollector struct {
	gatherer prometheus.Gatherer

	Frames               *prometheus.CounterVec
	StarLost             *prometheus.CounterVec
	SecondariesDropped   prometheus.Counter
	SecondariesRecovered prometheus.Counter
	SecondaryStars       prometheus.Gauge
	PrimarySNR           prometheus.Gauge
	PrimaryMass          prometheus.Gauge
	RotationCorrection   prometheus.Gauge
	UpdateDuration       prometheus.Histogram
}

// NewTrackerCollector registers tracker metrics against reg, defaulting to
// the global registry when nil. Collectors that are already registered are
// reused.
func NewTrackerCollector(reg prometheus.Registerer) (*TrackerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	frames, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "starguide_frames_total",
		Help: "Frames processed by the tracker, labeled by outcome.",
	}, []string{"result"}), "starguide_frames_total")
	if err != nil {
		return nil, err
	}
	lost, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "starguide_star_lost_total",
		Help: "Frames where the primary star could not be measured, labeled by status.",
	}, []string{"status"}), "starguide_star_lost_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "starguide_secondaries_dropped_total",
		Help: "Secondary stars removed after running out of validation chances.",
	}), "starguide_secondaries_dropped_total")
	if err != nil {
		return nil, err
	}
	recovered, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "starguide_secondaries_recovered_total",
		Help: "Lost secondary stars found again at their predicted position.",
	}), "starguide_secondaries_recovered_total")
	if err != nil {
		return nil, err
	}
	secondaries, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "starguide_secondary_stars",
		Help: "Secondary stars currently tracked.",
	}), "starguide_secondary_stars")
	if err != nil {
		return nil, err
	}
	snr, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "starguide_primary_snr",
		Help: "SNR of the primary star in the last frame.",
	}), "starguide_primary_snr")
	if err != nil {
		return nil, err
	}
	mass, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "starguide_primary_mass",
		Help: "Background-subtracted flux of the primary star in the last frame.",
	}), "starguide_primary_mass")
	if err != nil {
		return nil, err
	}
	rotation, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "starguide_rotation_correction_degrees",
		Help: "Current field rotation correction estimate.",
	}), "starguide_rotation_correction_degrees")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "starguide_frame_update_seconds",
		Help:    "Time spent measuring all tracked stars in a frame.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}), "starguide_frame_update_seconds")
	if err != nil {
		return nil, err
	}

	return &TrackerCollector{
		gatherer:             gatherer,
		Frames:               frames,
		StarLost:             lost,
		SecondariesDropped:   dropped,
		SecondariesRecovered: recovered,
		SecondaryStars:       secondaries,
		PrimarySNR:           snr,
		PrimaryMass:          mass,
		RotationCorrection:   rotation,
		UpdateDuration:       duration,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *TrackerCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *TrackerCollector) observeFrame(st FrameStatus, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Frames.WithLabelValues(st.result()).Inc()
	if !st.Status.Found() {
		c.StarLost.WithLabelValues(st.Status.String()).Inc()
	} else {
		c.PrimarySNR.Set(st.SNR)
		c.PrimaryMass.Set(st.Mass)
	}
	c.SecondaryStars.Set(float64(st.Secondaries))
	c.RotationCorrection.Set(st.RotationCorrection)
	c.UpdateDuration.Observe(elapsed.Seconds())
}

func (c *TrackerCollector) secondariesDropped(n int) {
	if c == nil || n == 0 {
		return
	}
	c.SecondariesDropped.Add(float64(n))
}

func (c *TrackerCollector) secondariesRecovered(n int) {
	if c == nil || n == 0 {
		return
	}
	c.SecondariesRecovered.Add(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, errors.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, errors.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, errors.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, errors.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
