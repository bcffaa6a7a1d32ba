package server

import (
	"encoding/json"
	"net/http"

	"github.com/joshp123/gofan/internal/core"
)

type pluginHealth struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthReport struct {
	Status  string         `json:"status"`
	Plugins []pluginHealth `json:"plugins"`
}

// HealthHandler reports plugin health. Degraded plugins keep the endpoint
// at 200; an errored plugin turns it into 503.
func HealthHandler(plugins []core.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := healthReport{Status: string(core.OverallHealth(plugins)), Plugins: []pluginHealth{}}
		for _, p := range plugins {
			report.Plugins = append(report.Plugins, pluginHealth{
				ID:      p.ID(),
				Status:  string(p.Health()),
				Message: p.HealthMessage(),
			})
		}

		code := http.StatusOK
		if report.Status == string(core.HealthError) {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	}
}
