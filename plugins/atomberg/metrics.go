package atomberg

import "github.com/prometheus/client_golang/prometheus"

var (
	apiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gofan_atomberg_api_requests_total",
		Help: "Vendor API requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	datagramsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gofan_broadcast_datagrams_total",
		Help: "UDP datagrams received on the broadcast port",
	})
	datagramsUndersized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gofan_broadcast_undersized_total",
		Help: "Datagrams dropped by the size filter",
	})
	decodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gofan_broadcast_decode_failures_total",
		Help: "Datagrams that failed to decode",
	})
	subscriberDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gofan_broadcast_subscriber_drops_total",
		Help: "State events dropped because a subscriber buffer was full",
	})
	eventsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gofan_broadcast_events_total",
		Help: "State events by routing result",
	}, []string{"result"})

	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gofan_commands_total",
		Help: "Fan commands by result",
	}, []string{"result"})

	reconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gofan_reconcile_passes_total",
		Help: "Reconciliation passes by result",
	}, []string{"result"})
)

// MetricsCollector exports per-device gauges from the engine registry on scrape.
type MetricsCollector struct {
	engine *Engine

	online     *prometheus.Desc
	power      *prometheus.Desc
	speed      *prometheus.Desc
	brightness *prometheus.Desc
	lastSeen   *prometheus.Desc
	devices    *prometheus.Desc
}

func NewMetricsCollector(engine *Engine) *MetricsCollector {
	labels := []string{"device_id", "name", "room"}
	return &MetricsCollector{
		engine:     engine,
		online:     prometheus.NewDesc("gofan_fan_online", "Whether the fan is online", labels, nil),
		power:      prometheus.NewDesc("gofan_fan_power", "Whether the fan is powered on", labels, nil),
		speed:      prometheus.NewDesc("gofan_fan_speed", "Last recorded fan speed", labels, nil),
		brightness: prometheus.NewDesc("gofan_fan_light_brightness", "Last recorded light brightness", labels, nil),
		lastSeen:   prometheus.NewDesc("gofan_fan_last_update_timestamp_seconds", "Last state update time", labels, nil),
		devices:    prometheus.NewDesc("gofan_fans_registered", "Registered fans", nil, nil),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.online
	ch <- c.power
	ch <- c.speed
	ch <- c.brightness
	ch <- c.lastSeen
	ch <- c.devices
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	accessories := c.engine.Accessories()
	ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue, float64(len(accessories)))
	for _, acc := range accessories {
		labels := []string{acc.Device.DeviceID, acc.Device.DisplayName(), acc.Device.Room}
		ch <- prometheus.MustNewConstMetric(c.online, prometheus.GaugeValue, boolFloat(acc.State.IsOnline), labels...)
		ch <- prometheus.MustNewConstMetric(c.power, prometheus.GaugeValue, boolFloat(acc.State.Power), labels...)
		ch <- prometheus.MustNewConstMetric(c.speed, prometheus.GaugeValue, float64(acc.State.LastRecordedSpeed), labels...)
		ch <- prometheus.MustNewConstMetric(c.brightness, prometheus.GaugeValue, float64(acc.State.LastRecordedBrightness), labels...)
		if !acc.UpdatedAt.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastSeen, prometheus.GaugeValue, float64(acc.UpdatedAt.Unix()), labels...)
		}
	}
}

func boolFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// PackageCollectors are the process-wide counters of this package.
func PackageCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		apiRequests,
		datagramsReceived,
		datagramsUndersized,
		decodeFailures,
		subscriberDrops,
		eventsRouted,
		commandsTotal,
		reconcileTotal,
	}
}
