package core

import "github.com/prometheus/client_golang/prometheus"

// MetricsRegistry builds a registry from plugin collectors plus the daemon's
// own build and plugin health gauges.
func MetricsRegistry(version string, plugins []Plugin) *prometheus.Registry {
	registry := prometheus.NewRegistry()

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "gofan_build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": version},
	}, func() float64 { return 1 }))

	for _, plugin := range plugins {
		plugin := plugin
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "gofan_plugin_healthy",
			Help:        "1 when the plugin reports HEALTHY, 0.5 when DEGRADED, 0 on ERROR",
			ConstLabels: prometheus.Labels{"plugin": plugin.ID()},
		}, func() float64 { return healthValue(plugin.Health()) }))

		for _, collector := range plugin.Collectors() {
			registry.MustRegister(collector)
		}
	}

	return registry
}

func healthValue(status HealthStatus) float64 {
	switch status {
	case HealthHealthy:
		return 1
	case HealthDegraded:
		return 0.5
	default:
		return 0
	}
}
