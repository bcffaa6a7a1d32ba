package core

import (
	"context"
	"fmt"
)

// StartPlugins starts every plugin implementing Lifecycle, in order. On
// failure the plugins already started are stopped again.
func StartPlugins(ctx context.Context, plugins []Plugin) error {
	var started []Lifecycle
	for _, plugin := range plugins {
		lc, ok := plugin.(Lifecycle)
		if !ok {
			continue
		}
		if err := lc.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].Stop()
			}
			return fmt.Errorf("start plugin %s: %w", plugin.ID(), err)
		}
		started = append(started, lc)
	}
	return nil
}

// StopPlugins stops plugins in reverse order.
func StopPlugins(plugins []Plugin) {
	for i := len(plugins) - 1; i >= 0; i-- {
		if lc, ok := plugins[i].(Lifecycle); ok {
			lc.Stop()
		}
	}
}

// OverallHealth folds plugin health into one status: any error wins, then
// any degradation.
func OverallHealth(plugins []Plugin) HealthStatus {
	status := HealthHealthy
	for _, plugin := range plugins {
		switch plugin.Health() {
		case HealthError:
			return HealthError
		case HealthDegraded:
			status = HealthDegraded
		}
	}
	return status
}
