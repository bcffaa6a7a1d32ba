package atomberg

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/joshp123/gofan/internal/cache"
	"github.com/joshp123/gofan/internal/config"
	"github.com/joshp123/gofan/internal/core"
	"github.com/joshp123/gofan/internal/rate"
	"github.com/joshp123/gofan/internal/session"
)

//go:embed dashboard.json
var dashboardJSON []byte

const (
	pluginID         = "atomberg"
	reconcileTimeout = time.Minute
	eventBuffer      = 256
)

// Plugin implements the gofan plugin contract for Atomberg fans.
type Plugin struct {
	cfg    *config.Config
	logger zerolog.Logger

	session  *session.Manager
	client   *Client
	listener *Listener
	engine   *Engine
	store    cache.Store
	cron     *cron.Cron

	initErr error

	mu          sync.Mutex
	closers     []func()
	listenErr   error
	hostWarning string
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	firstPass   sync.Once
}

// NewPlugin builds the plugin from config. Construction errors surface
// through Health instead of failing startup.
func NewPlugin(cfg *config.Config, logger zerolog.Logger) *Plugin {
	p := &Plugin{cfg: cfg, logger: logger.With().Str("plugin", pluginID).Logger()}
	if err := p.init(); err != nil {
		p.initErr = err
		p.logger.Error().Err(err).Msg("atomberg plugin disabled")
	}
	return p
}

func (p *Plugin) init() error {
	a := p.cfg.Atomberg
	apiKey, err := a.ResolveAPIKey()
	if err != nil {
		return fmt.Errorf("api key: %w", err)
	}
	refreshToken, err := a.ResolveRefreshToken()
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}

	limits := rate.Provider(pluginID).
		MaxRequestsPer(rate.Minute, a.RequestsPerMin).
		MaxRequestsPer(rate.Day, a.RequestsPerDay)
	httpClient := rate.WrapHTTP(limits, &http.Client{Timeout: 15 * time.Second})

	p.session, err = session.NewManager(session.Declaration{
		Provider:     pluginID,
		TokenURL:     TokenURL(a.BaseURL),
		APIKey:       apiKey,
		RefreshToken: refreshToken,
	}, session.Options{
		RefreshInterval: a.RefreshInterval,
		RetryDelay:      a.RetryDelay,
		HTTPClient:      httpClient,
		Logger:          p.logger,
	})
	if err != nil {
		return err
	}

	p.client, err = NewClient(ClientOptions{
		BaseURL:    a.BaseURL,
		APIKey:     apiKey,
		Session:    p.session,
		HTTPClient: httpClient,
		Logger:     p.logger,
	})
	if err != nil {
		return err
	}

	p.store, err = cache.Open(p.cfg.Cache, pluginID)
	if err != nil {
		p.logger.Warn().Err(err).Str("backend", p.cfg.Cache.Backend).Msg("accessory cache unavailable; continuing without it")
		p.store = cache.Nop{}
	}

	p.engine, err = NewEngine(EngineOptions{API: p.client, Store: p.store, Logger: p.logger})
	if err != nil {
		return err
	}

	p.listener = NewListener(ListenerOptions{
		Addr:            ListenAddr(a.BroadcastPort),
		MinDatagramSize: a.MinDatagramSize,
		Logger:          p.logger,
	})

	p.cron = cron.New(cron.WithLogger(cronLogger{logger: p.logger}))
	if _, err := p.cron.AddFunc(a.PollSchedule, func() { p.reconcile("schedule") }); err != nil {
		return fmt.Errorf("poll_schedule %q: %w", a.PollSchedule, err)
	}
	return nil
}

func (p *Plugin) ID() string {
	return pluginID
}

func (p *Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    pluginID,
		DisplayName: "Atomberg",
		Version:     "0.1.0",
		Services:    []string{ServiceName},
	}
}

func (p *Plugin) Dashboards() []core.Dashboard {
	return []core.Dashboard{{Name: "atomberg-fans", JSON: dashboardJSON}}
}

func (p *Plugin) RegisterGRPC(server *grpc.Server) {
	var sess SessionStatusSource
	if p.session != nil {
		sess = p.session
	}
	RegisterAtombergService(server, p.engine, sess)
}

func (p *Plugin) Collectors() []prometheus.Collector {
	collectors := PackageCollectors()
	collectors = append(collectors, session.MetricsCollectors()...)
	collectors = append(collectors, rate.MetricsCollectors()...)
	if p.engine != nil {
		collectors = append(collectors, NewMetricsCollector(p.engine))
	}
	return collectors
}

func (p *Plugin) Health() core.HealthStatus {
	status, _ := p.health()
	return status
}

func (p *Plugin) HealthMessage() string {
	_, msg := p.health()
	return msg
}

func (p *Plugin) health() (core.HealthStatus, string) {
	if p.initErr != nil {
		return core.HealthError, p.initErr.Error()
	}
	p.mu.Lock()
	listenErr, hostWarning := p.listenErr, p.hostWarning
	p.mu.Unlock()

	switch {
	case listenErr != nil:
		return core.HealthDegraded, "broadcast listener: " + listenErr.Error()
	case !p.session.Authenticated():
		return core.HealthDegraded, "not authenticated with the Atomberg cloud"
	case hostWarning != "":
		return core.HealthDegraded, hostWarning
	}
	return core.HealthHealthy, ""
}

// Engine exposes the reconciliation engine, nil when the plugin failed to
// initialise.
func (p *Plugin) Engine() *Engine {
	return p.engine
}

// Start connects the hosts, restores the cache, starts the listener and
// polling, then logs in. The first successful login triggers a pass.
func (p *Plugin) Start(ctx context.Context) error {
	if p.initErr != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.runCtx = runCtx
	p.cancel = cancel
	p.mu.Unlock()

	p.engine.SetHost(p.connectHosts())

	if _, err := p.engine.Restore(runCtx); err != nil {
		p.logger.Warn().Err(err).Msg("starting without cached accessories")
	}

	events, unsubscribe := p.listener.Subscribe(eventBuffer)
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		defer unsubscribe()
		if err := p.listener.Run(runCtx); err != nil {
			p.logger.Error().Err(err).Int("port", p.cfg.Atomberg.BroadcastPort).Msg("broadcast listener failed; live updates disabled")
			p.mu.Lock()
			p.listenErr = err
			p.mu.Unlock()
		}
	}()
	go func() {
		defer p.wg.Done()
		p.engine.Run(runCtx, events)
	}()

	p.session.OnAuthenticated(func() {
		p.firstPass.Do(func() {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.reconcile("login")
			}()
		})
	})
	p.cron.Start()

	if err := p.session.Start(runCtx); err != nil {
		p.logger.Warn().Err(err).Msg("initial login failed; retrying in the background")
	}
	return nil
}

// Stop halts polling, the listener and the session timers, then closes the
// hosts and the cache.
func (p *Plugin) Stop() {
	if p.initErr != nil {
		return
	}
	<-p.cron.Stop().Done()
	p.session.Stop()

	p.mu.Lock()
	cancel := p.cancel
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	if closer, ok := p.store.(io.Closer); ok {
		_ = closer.Close()
	}
}

func (p *Plugin) connectHosts() Host {
	var hosts []Host
	var warnings []string

	if p.cfg.MQTT.Enabled {
		mqttHost, err := NewMQTTHost(p.cfg.MQTT, p.logger)
		if err != nil {
			p.logger.Error().Err(err).Msg("mqtt bridge disabled")
			warnings = append(warnings, "mqtt: "+err.Error())
		} else {
			hosts = append(hosts, mqttHost)
			p.addCloser(mqttHost.Close)
		}
	}
	if p.cfg.InfluxDB.Enabled {
		history, err := NewHistoryHost(p.cfg.InfluxDB, p.logger)
		if err != nil {
			p.logger.Error().Err(err).Msg("influxdb history disabled")
			warnings = append(warnings, "influxdb: "+err.Error())
		} else {
			hosts = append(hosts, history)
			p.addCloser(history.Close)
		}
	}

	if len(warnings) > 0 {
		p.mu.Lock()
		p.hostWarning = fmt.Sprint(warnings)
		p.mu.Unlock()
	}
	if len(hosts) == 0 {
		return NopHost{}
	}
	return Hosts(hosts...)
}

func (p *Plugin) addCloser(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closers = append(p.closers, fn)
}

func (p *Plugin) reconcile(trigger string) {
	if !p.session.Authenticated() {
		p.logger.Debug().Str("trigger", trigger).Msg("skipping reconciliation; not authenticated")
		return
	}
	p.mu.Lock()
	base := p.runCtx
	p.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, reconcileTimeout)
	defer cancel()
	if _, err := p.engine.Reconcile(ctx); err != nil {
		p.logger.Warn().Err(err).Str("trigger", trigger).Msg("reconciliation pass failed")
	}
}

type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
