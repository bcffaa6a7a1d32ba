package core

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type stubPlugin struct {
	id            string
	health        HealthStatus
	healthMessage string
	dashboards    []Dashboard
	collectors    []prometheus.Collector
}

func (s stubPlugin) ID() string { return s.id }

func (s stubPlugin) Manifest() Manifest {
	return Manifest{PluginID: s.id, DisplayName: "Demo", Version: "0.1.0"}
}

func (s stubPlugin) Dashboards() []Dashboard { return s.dashboards }

func (s stubPlugin) RegisterGRPC(*grpc.Server) {}

func (s stubPlugin) Collectors() []prometheus.Collector { return s.collectors }

func (s stubPlugin) Health() HealthStatus { return s.health }

func (s stubPlugin) HealthMessage() string { return s.healthMessage }

type lifecyclePlugin struct {
	stubPlugin
	startErr error
	log      *[]string
}

func (l lifecyclePlugin) Start(context.Context) error {
	*l.log = append(*l.log, "start "+l.id)
	return l.startErr
}

func (l lifecyclePlugin) Stop() {
	*l.log = append(*l.log, "stop "+l.id)
}

func TestValidatePlugins(t *testing.T) {
	require.NoError(t, ValidatePlugins([]Plugin{stubPlugin{id: "atomberg"}}))
	assert.Error(t, ValidatePlugins([]Plugin{stubPlugin{id: ""}}))
	assert.Error(t, ValidatePlugins([]Plugin{stubPlugin{id: "Bad-ID"}}))
	assert.Error(t, ValidatePlugins([]Plugin{stubPlugin{id: "demo"}, stubPlugin{id: "demo"}}))
}

func TestDashboardsMap(t *testing.T) {
	plugin := stubPlugin{id: "demo", dashboards: []Dashboard{{Name: "fans", JSON: []byte("{}")}}}
	got := DashboardsMap([]Plugin{plugin})
	assert.Equal(t, map[string][]byte{"/dashboards/demo/fans.json": []byte("{}")}, got)
}

func TestStartStopPlugins(t *testing.T) {
	var log []string
	plugins := []Plugin{
		lifecyclePlugin{stubPlugin: stubPlugin{id: "one"}, log: &log},
		stubPlugin{id: "plain"},
		lifecyclePlugin{stubPlugin: stubPlugin{id: "two"}, log: &log},
	}
	require.NoError(t, StartPlugins(context.Background(), plugins))
	StopPlugins(plugins)
	assert.Equal(t, []string{"start one", "start two", "stop two", "stop one"}, log)
}

func TestStartPluginsRollsBack(t *testing.T) {
	var log []string
	plugins := []Plugin{
		lifecyclePlugin{stubPlugin: stubPlugin{id: "one"}, log: &log},
		lifecyclePlugin{stubPlugin: stubPlugin{id: "two"}, startErr: errors.New("boom"), log: &log},
	}
	err := StartPlugins(context.Background(), plugins)
	require.Error(t, err)
	assert.Equal(t, []string{"start one", "start two", "stop one"}, log)
}

func TestOverallHealth(t *testing.T) {
	assert.Equal(t, HealthHealthy, OverallHealth(nil))
	assert.Equal(t, HealthDegraded, OverallHealth([]Plugin{stubPlugin{id: "a", health: HealthHealthy}, stubPlugin{id: "b", health: HealthDegraded}}))
	assert.Equal(t, HealthError, OverallHealth([]Plugin{stubPlugin{id: "a", health: HealthDegraded}, stubPlugin{id: "b", health: HealthError}}))
}

func TestMetricsRegistry(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "demo_total", Help: "demo"})
	counter.Inc()
	registry := MetricsRegistry("test", []Plugin{stubPlugin{id: "demo", health: HealthDegraded, collectors: []prometheus.Collector{counter}}})
	families, err := registry.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				values[family.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[family.GetName()] = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["gofan_build_info"])
	assert.Equal(t, 0.5, values["gofan_plugin_healthy"])
	assert.Equal(t, 1.0, values["demo_total"])
}
