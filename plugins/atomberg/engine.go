package atomberg

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joshp123/gofan/internal/cache"
)

// API is the subset of the vendor client the engine needs.
type API interface {
	ListDevices(ctx context.Context) ([]Device, error)
	FetchStates(ctx context.Context, selector string) ([]DeviceState, error)
	SendCommand(ctx context.Context, cmd Command) (bool, error)
}

// Plan partitions one reconciliation pass.
type Plan struct {
	Added   []Device
	Updated []Device
	Removed []string
}

// NewPlan diffs the remote inventory against the locally registered ids.
// Duplicate remote ids keep their first occurrence.
func NewPlan(remote []Device, local map[string]bool) Plan {
	var plan Plan
	seen := make(map[string]bool, len(remote))
	for _, d := range remote {
		if d.DeviceID == "" || seen[d.DeviceID] {
			continue
		}
		seen[d.DeviceID] = true
		if local[d.DeviceID] {
			plan.Updated = append(plan.Updated, d)
		} else {
			plan.Added = append(plan.Added, d)
		}
	}
	for id := range local {
		if !seen[id] {
			plan.Removed = append(plan.Removed, id)
		}
	}
	sort.Strings(plan.Removed)
	return plan
}

// Result summarises a reconciliation pass by device id.
type Result struct {
	Added             []string
	Updated           []string
	Removed           []string
	StatesUnavailable bool
}

type entry struct {
	device    Device
	state     DeviceState
	consumer  Consumer
	updatedAt time.Time
	restored  bool
}

type EngineOptions struct {
	API    API
	Host   Host
	Store  cache.Store
	Logger zerolog.Logger
}

// Engine keeps the registry of accessories in step with the cloud inventory
// and routes broadcast events to them.
type Engine struct {
	api    API
	host   Host
	store  cache.Store
	logger zerolog.Logger
	now    func() time.Time

	// serialises Restore and Reconcile
	passMu sync.Mutex

	mu       sync.Mutex
	entries  map[string]*entry
	lastPass time.Time
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("api is required")
	}
	host := opts.Host
	if host == nil {
		host = NopHost{}
	}
	store := opts.Store
	if store == nil {
		store = cache.Nop{}
	}
	return &Engine{
		api:     opts.API,
		host:    host,
		store:   store,
		logger:  opts.Logger.With().Str("component", "engine").Logger(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}, nil
}

// SetHost swaps the accessory host. Call it before the first Restore or
// Reconcile.
func (e *Engine) SetHost(host Host) {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	if host == nil {
		host = NopHost{}
	}
	e.host = host
}

// Restore registers accessories from the cache. Restored entries stay
// offline until a pass or a broadcast confirms them.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	records, err := e.store.Load(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("accessory cache could not be loaded; starting empty")
		return 0, fmt.Errorf("load cache: %w", err)
	}

	restored := 0
	for _, rec := range records {
		var device Device
		var state DeviceState
		if err := json.Unmarshal(rec.Device, &device); err != nil || device.DeviceID == "" {
			e.logger.Warn().Str("device_id", rec.ID).Msg("skipping unreadable cached device")
			continue
		}
		if err := json.Unmarshal(rec.State, &state); err != nil {
			state = DeviceState{}
		}
		state.DeviceID = device.DeviceID
		state.IsOnline = false

		e.mu.Lock()
		_, exists := e.entries[device.DeviceID]
		e.mu.Unlock()
		if exists {
			continue
		}

		consumer, err := e.host.Register(device, state, e.controller(device.DeviceID))
		if err != nil {
			e.logger.Error().Err(err).Str("device_id", device.DeviceID).Msg("host refused cached accessory")
			continue
		}
		e.mu.Lock()
		e.entries[device.DeviceID] = &entry{
			device:    device,
			state:     state,
			consumer:  consumer,
			updatedAt: rec.UpdatedAt,
			restored:  true,
		}
		e.mu.Unlock()
		restored++
	}
	if restored > 0 {
		e.logger.Info().Int("count", restored).Msg("restored accessories from cache")
	}
	return restored, nil
}

// Reconcile runs one pass against the cloud inventory. An inventory failure
// aborts the pass and leaves the registry untouched.
func (e *Engine) Reconcile(ctx context.Context) (Result, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	devices, err := e.api.ListDevices(ctx)
	if err != nil {
		reconcileTotal.WithLabelValues("list_failed").Inc()
		e.logger.Error().Err(err).Msg("could not fetch the device list; existing accessories are kept. Check the API key, refresh token and network")
		return Result{}, fmt.Errorf("list devices: %w", err)
	}

	var result Result
	states := make(map[string]DeviceState)
	fetched, err := e.api.FetchStates(ctx, SelectorAll)
	if err != nil {
		result.StatesUnavailable = true
		e.logger.Warn().Err(err).Msg("could not fetch device states; fans will show as offline")
	}
	for _, s := range fetched {
		states[s.DeviceID] = s
	}
	stateFor := func(id string) DeviceState {
		if s, ok := states[id]; ok {
			return s
		}
		return OfflinePlaceholder(id)
	}

	e.mu.Lock()
	local := make(map[string]bool, len(e.entries))
	for id := range e.entries {
		local[id] = true
	}
	e.mu.Unlock()

	plan := NewPlan(devices, local)
	now := e.now()

	for _, device := range plan.Added {
		state := stateFor(device.DeviceID)
		consumer, err := e.host.Register(device, state, e.controller(device.DeviceID))
		if err != nil {
			e.logger.Error().Err(err).Str("device_id", device.DeviceID).Msg("host refused accessory")
			continue
		}
		e.mu.Lock()
		e.entries[device.DeviceID] = &entry{device: device, state: state, consumer: consumer, updatedAt: now}
		e.mu.Unlock()
		result.Added = append(result.Added, device.DeviceID)
		e.logger.Info().Str("device_id", device.DeviceID).Str("name", device.DisplayName()).Msg("accessory added")
	}

	for _, device := range plan.Updated {
		e.mu.Lock()
		ent, ok := e.entries[device.DeviceID]
		if !ok {
			e.mu.Unlock()
			continue
		}
		merged := mergeState(ent.state, stateFor(device.DeviceID))
		ent.device = device
		ent.state = merged
		ent.updatedAt = now
		ent.restored = false
		consumer := ent.consumer
		e.mu.Unlock()

		e.host.Update(device, consumer)
		consumer.UpdateState(merged)
		result.Updated = append(result.Updated, device.DeviceID)
	}

	for _, id := range plan.Removed {
		e.mu.Lock()
		ent, ok := e.entries[id]
		delete(e.entries, id)
		e.mu.Unlock()
		if !ok {
			continue
		}
		e.host.Remove(ent.device, ent.consumer)
		result.Removed = append(result.Removed, id)
		e.logger.Info().Str("device_id", id).Msg("accessory removed")
	}

	e.mu.Lock()
	e.lastPass = now
	e.mu.Unlock()

	reconcileTotal.WithLabelValues("ok").Inc()
	e.logger.Info().
		Int("added", len(result.Added)).
		Int("updated", len(result.Updated)).
		Int("removed", len(result.Removed)).
		Bool("states_unavailable", result.StatesUnavailable).
		Msg("reconciliation pass complete")

	e.persist(ctx)
	return result, nil
}

// Route forwards a broadcast to its accessory. Unknown devices are dropped.
func (e *Engine) Route(event StateEvent) bool {
	e.mu.Lock()
	ent, ok := e.entries[event.DeviceID]
	if !ok {
		e.mu.Unlock()
		eventsRouted.WithLabelValues("unknown_device").Inc()
		e.logger.Debug().Str("device_id", event.DeviceID).Msg("broadcast for unregistered device dropped")
		return false
	}
	state := event.State
	state.DeviceID = event.DeviceID
	merged := mergeState(ent.state, state)
	ent.state = merged
	if merged.IsOnline {
		ent.restored = false
	}
	ent.updatedAt = event.ReceivedAt
	if ent.updatedAt.IsZero() {
		ent.updatedAt = e.now()
	}
	consumer := ent.consumer
	e.mu.Unlock()

	consumer.UpdateState(merged)
	eventsRouted.WithLabelValues("routed").Inc()
	return true
}

// Run routes events until ctx is done or events is closed.
func (e *Engine) Run(ctx context.Context, events <-chan StateEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			e.Route(event)
		}
	}
}

// RefreshState fetches one device state from the cloud and routes it.
func (e *Engine) RefreshState(ctx context.Context, deviceID string) (DeviceState, error) {
	if _, ok := e.Accessory(deviceID); !ok {
		return DeviceState{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	states, err := e.api.FetchStates(ctx, deviceID)
	if err != nil {
		return DeviceState{}, fmt.Errorf("fetch state %s: %w", deviceID, err)
	}
	for _, s := range states {
		if s.DeviceID == deviceID {
			e.Route(StateEvent{DeviceID: deviceID, State: s, Source: "cloud", ReceivedAt: e.now()})
			acc, _ := e.Accessory(deviceID)
			return acc.State, nil
		}
	}
	return DeviceState{}, fmt.Errorf("fetch state %s: not in response", deviceID)
}

// SendCommand validates cmd against the registry, then sends it.
func (e *Engine) SendCommand(ctx context.Context, cmd Command) error {
	logger := e.logger.With().Str("device_id", cmd.DeviceID).Logger()
	if err := cmd.Validate(); err != nil {
		commandsTotal.WithLabelValues("rejected").Inc()
		logger.Warn().Err(err).Msg("command rejected")
		return err
	}

	e.mu.Lock()
	ent, ok := e.entries[cmd.DeviceID]
	online := ok && ent.state.IsOnline
	e.mu.Unlock()

	if !ok {
		commandsTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, cmd.DeviceID)
	}
	if !online {
		commandsTotal.WithLabelValues("rejected").Inc()
		logger.Warn().Msg("command rejected: fan is offline")
		return fmt.Errorf("%w: %s", ErrDeviceOffline, cmd.DeviceID)
	}

	accepted, err := e.api.SendCommand(ctx, cmd)
	if err != nil {
		commandsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("command failed; accessory stays registered")
		return fmt.Errorf("send command to %s: %w", cmd.DeviceID, err)
	}
	if !accepted {
		commandsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("send command to %s: not accepted", cmd.DeviceID)
	}
	commandsTotal.WithLabelValues("sent").Inc()
	logger.Info().Msg("command sent")
	return nil
}

// Accessories returns a snapshot ordered by device id.
func (e *Engine) Accessories() []Accessory {
	e.mu.Lock()
	out := make([]Accessory, 0, len(e.entries))
	for _, ent := range e.entries {
		out = append(out, ent.snapshot())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Device.DeviceID < out[j].Device.DeviceID })
	return out
}

func (e *Engine) Accessory(deviceID string) (Accessory, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[deviceID]
	if !ok {
		return Accessory{}, false
	}
	return ent.snapshot(), true
}

// LastPass is the time of the last successful reconciliation.
func (e *Engine) LastPass() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPass
}

func (ent *entry) snapshot() Accessory {
	return Accessory{Device: ent.device, State: ent.state, UpdatedAt: ent.updatedAt, Restored: ent.restored}
}

func (e *Engine) persist(ctx context.Context) {
	accessories := e.Accessories()
	records := make([]cache.Record, 0, len(accessories))
	for _, acc := range accessories {
		device, err := json.Marshal(acc.Device)
		if err != nil {
			continue
		}
		state, err := json.Marshal(acc.State)
		if err != nil {
			continue
		}
		records = append(records, cache.Record{
			ID:        acc.Device.DeviceID,
			Device:    device,
			State:     state,
			UpdatedAt: acc.UpdatedAt,
		})
	}
	if err := e.store.Save(ctx, records); err != nil {
		e.logger.Warn().Err(err).Msg("accessory cache could not be saved")
	}
}

func (e *Engine) controller(deviceID string) Controller {
	return deviceController{engine: e, deviceID: deviceID}
}

type deviceController struct {
	engine   *Engine
	deviceID string
}

func (c deviceController) DeviceID() string { return c.deviceID }

func (c deviceController) Send(ctx context.Context, cmd Command) error {
	cmd.DeviceID = c.deviceID
	return c.engine.SendCommand(ctx, cmd)
}

// mergeState applies next over prev. An offline report only clears the
// online flag and keeps the last known attributes.
func mergeState(prev, next DeviceState) DeviceState {
	if next.IsOnline {
		return next
	}
	out := prev
	out.DeviceID = next.DeviceID
	out.IsOnline = false
	if next.TSEpochSeconds != 0 {
		out.TSEpochSeconds = next.TSEpochSeconds
	}
	return out
}
