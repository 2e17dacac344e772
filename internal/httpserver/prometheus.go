package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openrtk/stalld/internal/events"
)

type cpuStateCollector struct {
	broker  *events.Broker
	cpus    []int
	metrics []cpuMetric
}

type cpuMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(summary events.CPUSummary) (float64, bool)
}

func newCPUStateCollector(cpus []int, broker *events.Broker) prometheus.Collector {
	if broker == nil || len(cpus) == 0 {
		return nil
	}

	collector := &cpuStateCollector{
		broker: broker,
		cpus:   append([]int(nil), cpus...),
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("stalld", "cpu", name),
			help,
			[]string{"cpu"},
			nil,
		)
	}

	collector.metrics = []cpuMetric{
		{
			desc:      desc("nr_running", "Runnable tasks on the CPU at the latest snapshot."),
			valueType: prometheus.GaugeValue,
			extract: func(summary events.CPUSummary) (float64, bool) {
				return float64(summary.NrRunning), true
			},
		},
		{
			desc:      desc("nr_rt_running", "Real-time runnable tasks on the CPU at the latest snapshot."),
			valueType: prometheus.GaugeValue,
			extract: func(summary events.CPUSummary) (float64, bool) {
				return float64(summary.NrRTRunning), true
			},
		},
		{
			desc:      desc("waiting_tasks", "Tasks waiting for the CPU at the latest snapshot."),
			valueType: prometheus.GaugeValue,
			extract: func(summary events.CPUSummary) (float64, bool) {
				return float64(summary.Waiting), true
			},
		},
		{
			desc:      desc("longest_wait_seconds", "Longest observed wait on the CPU."),
			valueType: prometheus.GaugeValue,
			extract: func(summary events.CPUSummary) (float64, bool) {
				return summary.LongestWait, true
			},
		},
		{
			desc:      desc("state_age_seconds", "Seconds since the CPU's state was last refreshed."),
			valueType: prometheus.GaugeValue,
			extract: func(summary events.CPUSummary) (float64, bool) {
				if summary.UpdatedAt.IsZero() {
					return 0, false
				}
				age := time.Since(summary.UpdatedAt).Seconds()
				if age < 0 {
					age = 0
				}
				return age, true
			},
		},
	}

	return collector
}

func (c *cpuStateCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *cpuStateCollector) Collect(ch chan<- prometheus.Metric) {
	for _, cpu := range c.cpus {
		summary, ok := c.broker.Summary(cpu)
		if !ok {
			continue
		}
		for _, metric := range c.metrics {
			value, ok := metric.extract(summary)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType,
				value, strconv.Itoa(summary.CPU))
		}
	}
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()

	counter := func(subsystem, name, help string, value func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "stalld",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, value)
	}

	counters := s.broker.Counters
	collectors := []prometheus.Collector{
		counter("monitor", "cycles_total", "Completed monitoring cycles.", func() float64 {
			return float64(counters().Cycles)
		}),
		counter("monitor", "detections_total", "Starving threads detected.", func() float64 {
			return float64(counters().Detections)
		}),
		counter("boost", "sessions_total", "Boost sessions opened.", func() float64 {
			return float64(counters().Boosts)
		}),
		counter("boost", "failures_total", "Boost sessions that failed to open.", func() float64 {
			return float64(counters().BoostFailures)
		}),
		counter("boost", "restore_failures_total", "Restorations that failed on a live target.", func() float64 {
			return float64(counters().RestoreFailures)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "stalld",
			Subsystem: "boost",
			Name:      "active_sessions",
			Help:      "Boost sessions currently in flight.",
		}, func() float64 {
			return float64(counters().ActiveBoosts)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "stalld",
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "stalld",
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "stalld",
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if cpuCollector := newCPUStateCollector(s.cpus, s.broker); cpuCollector != nil {
		collectors = append(collectors, cpuCollector)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
