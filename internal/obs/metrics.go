package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	AcquireTotal *prometheus.CounterVec // result=success|held|replay|rejected|invalid|busy|not_found
	RenewTotal   *prometheus.CounterVec
	ReleaseTotal *prometheus.CounterVec

	OpLatencyMS *prometheus.HistogramVec // op=acquire|renew|release|force_release|sweep

	DBBusyTotal  *prometheus.CounterVec // op label; sqlite busy/locked errors
	ActiveLeases prometheus.Gauge
	ExpiredTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lease_acquire_total",
				Help: "Total acquire attempts by result",
			},
			[]string{"result"},
		),
		RenewTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lease_renew_total",
				Help: "Total renew attempts by result",
			},
			[]string{"result"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lease_release_total",
				Help: "Total release attempts by result",
			},
			[]string{"result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lease_op_latency_ms",
				Help:    "Latency of lease operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lease_db_busy_total",
				Help: "Total sqlite busy/locked errors",
			},
			[]string{"op"},
		),
		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leases_active",
			Help: "Number of currently ACTIVE leases",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_expired_total",
			Help: "Total number of leases transitioned to EXPIRED",
		}),
	}

	prometheus.MustRegister(
		m.AcquireTotal,
		m.RenewTotal,
		m.ReleaseTotal,
		m.OpLatencyMS,
		m.DBBusyTotal,
		m.ActiveLeases,
		m.ExpiredTotal,
	)

	return m
}

// Op increments the per-operation result counter.
func (m *Metrics) Op(op, result string) {
	switch op {
	case "acquire":
		m.AcquireTotal.WithLabelValues(result).Inc()
	case "renew":
		m.RenewTotal.WithLabelValues(result).Inc()
	case "release":
		m.ReleaseTotal.WithLabelValues(result).Inc()
	}
}
