package httpserver

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/gpumon/internal/alert"
	"github.com/skobkin/gpumon/internal/telemetry"
)

const metricsNamespace = "gpumon"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	for _, collector := range s.collectors() {
		registry.MustRegister(collector)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func (s *Server) collectors() []prometheus.Collector {
	counter := func(subsystem, name, help string, value func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value())
		})
	}

	collectors := []prometheus.Collector{
		counter("monitor", "cycles_total", "Total poll cycles completed.", func() uint64 {
			return s.source.Stats().Cycles
		}),
		counter("alerts", "sent_total", "Total alerts fired by the deduplicator.", func() uint64 {
			return s.source.Stats().Notifications
		}),
		counter("alerts", "suppressed_total", "Total alerts suppressed by the cooldown.", func() uint64 {
			return s.source.Stats().Suppressed
		}),
		counter("telemetry", "errors_total", "Total cycles where telemetry could not be read.", func() uint64 {
			return s.source.Stats().TelemetryErrors
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		counter("ws", "connections_total", "Total WebSocket connections accepted since start.", s.wsTotal.Load),
		counter("ws", "rejected_total", "Total WebSocket connection attempts rejected due to capacity.", s.wsRejected.Load),
		counter("ws", "messages_sent_total", "Total WebSocket messages sent to clients.", s.wsSent.Load),
		counter("ws", "messages_dropped_total", "Total WebSocket messages dropped due to backpressure.", s.wsDropped.Load),
		newStatusCollector(s.source),
	}

	if s.delivery != nil {
		collectors = append(collectors,
			counter("notify", "delivered_total", "Total messages accepted by a sink.", s.delivery.Delivered),
			&deliveryCollector{
				stats: s.delivery,
				failures: prometheus.NewDesc(
					prometheus.BuildFQName(metricsNamespace, "notify", "failures_total"),
					"Total failed deliveries per sink.",
					[]string{"sink"},
					nil,
				),
			},
		)
	}

	return collectors
}

type deviceMetric struct {
	desc    *prometheus.Desc
	extract func(reading telemetry.DeviceReading) float64
}

// statusCollector exports the latest published status as gauges.
type statusCollector struct {
	source    StatusSource
	devices   []deviceMetric
	healthy   *prometheus.Desc
	alertOpen *prometheus.Desc
	lastCycle *prometheus.Desc
}

func newStatusCollector(source StatusSource) *statusCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "gpu", name),
			help,
			[]string{"gpu_id"},
			nil,
		)
	}

	return &statusCollector{
		source: source,
		devices: []deviceMetric{
			{
				desc:    desc("utilization_percent", "Compute utilization reported by nvidia-smi."),
				extract: func(r telemetry.DeviceReading) float64 { return float64(r.ComputeUtilization) },
			},
			{
				desc:    desc("memory_utilization_percent", "Memory controller utilization reported by nvidia-smi."),
				extract: func(r telemetry.DeviceReading) float64 { return float64(r.MemoryUtilization) },
			},
			{
				desc:    desc("temperature_celsius", "GPU core temperature."),
				extract: func(r telemetry.DeviceReading) float64 { return float64(r.Temperature) },
			},
			{
				desc:    desc("memory_used_mib", "Used framebuffer memory in MiB."),
				extract: func(r telemetry.DeviceReading) float64 { return float64(r.MemoryUsed) },
			},
			{
				desc:    desc("memory_total_mib", "Total framebuffer memory in MiB."),
				extract: func(r telemetry.DeviceReading) float64 { return float64(r.MemoryTotal) },
			},
			{
				desc:    desc("issues", "Number of threshold breaches in the latest reading."),
				extract: func(r telemetry.DeviceReading) float64 { return float64(len(r.Issues)) },
			},
		},
		healthy: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "health", "healthy"),
			"1 when the latest snapshot had no issues.",
			nil, nil,
		),
		alertOpen: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "alert", "open"),
			"1 while an alert category is armed.",
			[]string{"category"}, nil,
		),
		lastCycle: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "last_cycle_timestamp_seconds"),
			"Unix timestamp of the latest snapshot.",
			nil, nil,
		),
	}
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.devices {
		ch <- metric.desc
	}
	ch <- c.healthy
	ch <- c.alertOpen
	ch <- c.lastCycle
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	status, ok := c.source.Latest()
	if !ok {
		return
	}

	for _, reading := range status.Snapshot.Readings {
		if reading.Error != "" {
			continue
		}
		id := strconv.Itoa(reading.ID)
		for _, metric := range c.devices {
			ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, metric.extract(reading), id)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, boolToFloat(status.Snapshot.Healthy))
	for _, category := range alert.Categories {
		_, open := status.OpenAlerts[category]
		ch <- prometheus.MustNewConstMetric(c.alertOpen, prometheus.GaugeValue, boolToFloat(open), string(category))
	}
	if !status.Snapshot.Timestamp.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastCycle, prometheus.GaugeValue, float64(status.Snapshot.Timestamp.Unix()))
	}
}

type deliveryCollector struct {
	stats    DeliveryStats
	failures *prometheus.Desc
}

func (c *deliveryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.failures
}

func (c *deliveryCollector) Collect(ch chan<- prometheus.Metric) {
	for sink, count := range c.stats.Failures() {
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(count), sink)
	}
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
