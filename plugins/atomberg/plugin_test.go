package atomberg

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/gofan/internal/config"
	"github.com/joshp123/gofan/internal/core"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func vendorServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/get_access_token":
			_, _ = io.WriteString(w, `{"status":"Success","message":{"access_token":"access"}}`)
		case "/v1/get_list_of_devices":
			_, _ = io.WriteString(w, `{"status":"Success","message":{"devices_list":[{"device_id":"fan1","name":"Study"}]}}`)
		case "/v1/get_device_state":
			_, _ = io.WriteString(w, `{"status":"Success","message":{"device_state":[{"device_id":"fan1","is_online":true,"power":false,"last_recorded_speed":1}]}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
schema_version: 1
atomberg:
  api_key: key
  refresh_token: refresh
cache:
  backend: none
`))
	require.NoError(t, err)
	cfg.Atomberg.BaseURL = baseURL
	cfg.Atomberg.BroadcastPort = freeUDPPort(t)
	return cfg
}

func TestPluginStartReconcilesAndRoutes(t *testing.T) {
	server := vendorServer(t)
	defer server.Close()

	cfg := testConfig(t, server.URL)
	p := NewPlugin(cfg, zerolog.Nop())
	require.NoError(t, core.ValidatePlugins([]core.Plugin{p}))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.Eventually(t, func() bool {
		_, ok := p.Engine().Accessory("fan1")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, core.HealthHealthy, p.Health())

	<-p.listener.Ready()
	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", itoa(int64(cfg.Atomberg.BroadcastPort))))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(EncodeBroadcast(DeviceState{DeviceID: "fan1", Power: true, LastRecordedSpeed: 5}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		acc, _ := p.Engine().Accessory("fan1")
		return acc.State.LastRecordedSpeed == 5 && acc.State.Power
	}, 5*time.Second, 20*time.Millisecond)

	assert.NotEmpty(t, p.Collectors())
	assert.Len(t, p.Dashboards(), 1)
}

func TestPluginInitFailureReportsError(t *testing.T) {
	cfg := &config.Config{Atomberg: config.AtombergConfig{BaseURL: "http://unused"}}
	p := NewPlugin(cfg, zerolog.Nop())
	assert.Equal(t, core.HealthError, p.Health())
	assert.Contains(t, p.HealthMessage(), "api key")
	require.NoError(t, p.Start(context.Background()))
	p.Stop()
}

func TestPluginRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	cfg.Atomberg.PollSchedule = "whenever"
	p := NewPlugin(cfg, zerolog.Nop())
	assert.Equal(t, core.HealthError, p.Health())
	assert.Contains(t, p.HealthMessage(), "poll_schedule")
}
