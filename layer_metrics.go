package storekit

import (
	"context"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsLayer exports operation counts, latencies, bytes and in-flight
// calls to Prometheus. It observes calls without changing their results.
type MetricsLayer struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
	inFlight   *prometheus.GaugeVec
}

// NewMetricsLayer registers the storekit collectors on reg. Use one layer
// per registry; it can wrap any number of operators.
func NewMetricsLayer(reg prometheus.Registerer) *MetricsLayer {
	factory := promauto.With(reg)
	return &MetricsLayer{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storekit_operations_total",
				Help: "Total number of storage operations by scheme, operation and outcome",
			},
			[]string{"scheme", "operation", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "storekit_operation_duration_seconds",
				Help: "Duration of storage operations in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.025, // 25ms
					0.1,   // 100ms
					0.5,   // 500ms
					1,     // 1s
					5,     // 5s
					30,    // 30s
				},
			},
			[]string{"scheme", "operation"},
		),
		bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storekit_bytes_total",
				Help: "Total bytes read and written",
			},
			[]string{"scheme", "operation"},
		),
		inFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storekit_operations_in_flight",
				Help: "Current number of storage operations being processed",
			},
			[]string{"scheme", "operation"},
		),
	}
}

// Layer implements Layer.
func (m *MetricsLayer) Layer(inner Accessor) Accessor {
	scheme := string(inner.Info().Scheme)
	return &interceptor{
		inner: inner,
		around: func(ctx context.Context, op Operation, path string, call func(context.Context) error) error {
			gauge := m.inFlight.WithLabelValues(scheme, string(op))
			gauge.Inc()
			start := time.Now()
			err := call(ctx)
			gauge.Dec()
			m.duration.WithLabelValues(scheme, string(op)).Observe(time.Since(start).Seconds())
			m.operations.WithLabelValues(scheme, string(op), outcome(err)).Inc()
			return err
		},
		onReader: func(_ context.Context, _ string, rc io.ReadCloser) io.ReadCloser {
			cr := &countingReader{Reader: rc}
			return &readCloser{Reader: cr, close: func() error {
				m.bytes.WithLabelValues(scheme, string(OpRead)).Add(float64(cr.n))
				return rc.Close()
			}}
		},
		onWriter: func(_ context.Context, _ string, r io.Reader) io.Reader {
			return &meteredReader{Reader: r, counter: m.bytes.WithLabelValues(scheme, string(OpWrite))}
		},
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(KindOf(err))
}

// meteredReader adds to a counter as bytes are consumed. It keeps Seek
// available so retried writes can rewind.
type meteredReader struct {
	io.Reader
	counter prometheus.Counter
}

func (r *meteredReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.counter.Add(float64(n))
	return n, err
}

func (r *meteredReader) Seek(offset int64, whence int) (int64, error) {
	s, ok := r.Reader.(io.Seeker)
	if !ok {
		return 0, ErrUnsupported
	}
	return s.Seek(offset, whence)
}
