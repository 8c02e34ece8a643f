package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus records engine metrics on a registry.
type Prometheus struct {
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	poolUnits    *prometheus.GaugeVec
	poolsRunning prometheus.Gauge
	poolUptime   *prometheus.HistogramVec
}

// NewPrometheus registers the procpool metrics on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "procpool",
				Name:      "tasks_total",
				Help:      "Total number of resolved tasks by group and outcome.",
			},
			[]string{"group", "outcome"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "procpool",
				Name:      "task_duration_seconds",
				Help:      "Time from delivery to resolution.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"group", "outcome"},
		),
		poolUnits: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "procpool",
				Name:      "pool_units",
				Help:      "Worker units of running pools.",
			},
			[]string{"group"},
		),
		poolsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "procpool",
			Name:      "pools_running",
			Help:      "Number of running pools.",
		}),
		poolUptime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "procpool",
				Name:      "pool_uptime_seconds",
				Help:      "How long pools ran before stopping.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"group"},
		),
	}
}

func (p *Prometheus) PoolStarted(group string, units int) {
	p.poolUnits.WithLabelValues(group).Set(float64(units))
	p.poolsRunning.Inc()
}

func (p *Prometheus) PoolStopped(group string, elapsed time.Duration) {
	p.poolUnits.DeleteLabelValues(group)
	p.poolsRunning.Dec()
	p.poolUptime.WithLabelValues(group).Observe(elapsed.Seconds())
}

func (p *Prometheus) TaskResolved(task Task) {
	outcome := string(task.Outcome)
	p.tasksTotal.WithLabelValues(task.Group, outcome).Inc()
	p.taskDuration.WithLabelValues(task.Group, outcome).Observe(task.Elapsed.Seconds())
}
