package atomberg

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/joshp123/gofan/internal/config"
)

const (
	historyMeasurement = "fan_state"
	historyPingTimeout = 5 * time.Second
)

type pointWriter interface {
	WritePoint(point *write.Point)
}

// HistoryHost records every state update as an InfluxDB point.
type HistoryHost struct {
	writer pointWriter
	logger zerolog.Logger
	now    func() time.Time
	closer func()
}

func NewHistoryHost(cfg config.InfluxDBConfig, logger zerolog.Logger) (*HistoryHost, error) {
	token, err := cfg.ResolveToken()
	if err != nil {
		return nil, fmt.Errorf("influxdb token: %w", err)
	}

	client := influxdb2.NewClient(cfg.URL, token)
	ctx, cancel := context.WithTimeout(context.Background(), historyPingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil || !healthy {
		client.Close()
		if err == nil {
			err = fmt.Errorf("server not healthy")
		}
		return nil, fmt.Errorf("influxdb ping %s: %w", cfg.URL, err)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	h := newHistoryHost(writeAPI, logger)
	go h.logErrors(writeAPI)
	h.closer = func() {
		writeAPI.Flush()
		client.Close()
	}
	return h, nil
}

func newHistoryHost(writer pointWriter, logger zerolog.Logger) *HistoryHost {
	return &HistoryHost{
		writer: writer,
		logger: logger.With().Str("component", "history").Logger(),
		now:    time.Now,
	}
}

func (h *HistoryHost) logErrors(writeAPI api.WriteAPI) {
	for err := range writeAPI.Errors() {
		h.logger.Warn().Err(err).Msg("influxdb write failed")
	}
}

// Close flushes pending points.
func (h *HistoryHost) Close() {
	if h.closer != nil {
		h.closer()
	}
}

type historyConsumer struct {
	host *HistoryHost

	mu     sync.Mutex
	device Device
}

func (c *historyConsumer) UpdateState(state DeviceState) {
	c.mu.Lock()
	device := c.device
	c.mu.Unlock()
	c.host.record(device, state)
}

func (h *HistoryHost) Register(device Device, state DeviceState, _ Controller) (Consumer, error) {
	h.record(device, state)
	return &historyConsumer{host: h, device: device}, nil
}

func (h *HistoryHost) Update(device Device, consumer Consumer) {
	if c, ok := consumer.(*historyConsumer); ok {
		c.mu.Lock()
		c.device = device
		c.mu.Unlock()
	}
}

func (h *HistoryHost) Remove(Device, Consumer) {}

func (h *HistoryHost) record(device Device, state DeviceState) {
	ts := state.Timestamp()
	if ts.IsZero() {
		ts = h.now()
	}
	tags := map[string]string{"device_id": device.DeviceID}
	if device.Name != "" {
		tags["name"] = device.Name
	}
	if device.Room != "" {
		tags["room"] = device.Room
	}
	fields := map[string]interface{}{
		"online": state.IsOnline,
	}
	if state.IsOnline {
		fields["power"] = state.Power
		fields["led"] = state.LED
		fields["sleep"] = state.SleepMode
		fields["speed"] = state.LastRecordedSpeed
		fields["brightness"] = state.LastRecordedBrightness
		fields["timer_hours"] = state.TimerHours
		fields["timer_elapsed_mins"] = state.TimerTimeElapsedMins
		if state.LastRecordedColor != "" {
			fields["color"] = state.LastRecordedColor
		}
	}
	h.writer.WritePoint(influxdb2.NewPoint(historyMeasurement, tags, fields, ts))
}
