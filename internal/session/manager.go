package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	DefaultRefreshInterval = 23 * time.Hour
	DefaultRetryDelay      = 30 * time.Second

	statusSuccess   = "Success"
	maxPayloadBytes = 1 << 20
)

// Declaration defines the vendor login exchange.
type Declaration struct {
	Provider     string
	TokenURL     string
	APIKey       string
	RefreshToken string
}

// Options tunes timing and collaborators. Zero values pick defaults.
type Options struct {
	RefreshInterval time.Duration
	RetryDelay      time.Duration
	HTTPClient      *http.Client
	Clock           Clock
	Logger          zerolog.Logger
}

// Manager owns the access credential, its refresh timer and its retry timer.
type Manager struct {
	decl            Declaration
	refreshInterval time.Duration
	retryDelay      time.Duration
	httpClient      *http.Client
	clock           Clock
	logger          zerolog.Logger

	mu sync.Mutex
	// everything below is guarded by mu
	ctx          context.Context
	token        *oauth2.Token
	generation   uint64
	refreshTimer Timer
	retryTimer   Timer
	onAuth       []func()
	stopped      bool
}

var _ oauth2.TokenSource = (*Manager)(nil)

func NewManager(decl Declaration, opts Options) (*Manager, error) {
	if decl.Provider == "" {
		return nil, fmt.Errorf("provider is required")
	}
	if decl.TokenURL == "" {
		return nil, fmt.Errorf("tokenURL is required")
	}
	if decl.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if decl.RefreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	m := &Manager{
		decl:            decl,
		refreshInterval: opts.RefreshInterval,
		retryDelay:      opts.RetryDelay,
		httpClient:      opts.HTTPClient,
		clock:           opts.Clock,
		logger:          opts.Logger.With().Str("component", "session").Str("provider", decl.Provider).Logger(),
		ctx:             context.Background(),
	}
	if m.refreshInterval <= 0 {
		m.refreshInterval = DefaultRefreshInterval
	}
	if m.retryDelay <= 0 {
		m.retryDelay = DefaultRetryDelay
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if m.clock == nil {
		m.clock = realClock{}
	}
	tokenValid.WithLabelValues(decl.Provider).Set(0)
	return m, nil
}

// Start performs the first login. Failures are retried on the retry timer,
// so the returned error is informational.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.stopped = false
	m.mu.Unlock()
	return m.Login(ctx)
}

// Stop cancels the refresh and retry timers. In-flight logins are discarded.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.generation++
	m.stopTimersLocked()
}

// OnAuthenticated registers a hook fired after every successful login.
func (m *Manager) OnAuthenticated(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAuth = append(m.onAuth, fn)
}

// Login runs the login exchange. Every call first cancels the pending retry
// and refresh timers; a login superseded while in flight leaves the
// credential and timers to the newer call.
func (m *Manager) Login(ctx context.Context) error {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.stopTimersLocked()
	m.mu.Unlock()

	accessToken, err := m.exchange(ctx)

	m.mu.Lock()
	if gen != m.generation || m.stopped {
		m.mu.Unlock()
		m.logger.Debug().Uint64("generation", gen).Msg("login superseded")
		return err
	}

	// ScheduleRetry may have armed a timer while the exchange was in flight.
	m.stopTimersLocked()
	if err != nil {
		m.token = nil
		m.retryTimer = m.clock.AfterFunc(m.retryDelay, m.timerLogin)
		m.mu.Unlock()

		reason := "unknown"
		var loginErr *LoginError
		if errors.As(err, &loginErr) {
			reason = loginErr.Reason
		}
		loginFailure.WithLabelValues(m.decl.Provider, reason).Inc()
		retryScheduled.WithLabelValues(m.decl.Provider, "login_failure").Inc()
		tokenValid.WithLabelValues(m.decl.Provider).Set(0)
		m.logger.Error().
			Err(err).
			Dur("retry_in", m.retryDelay).
			Msg("login failed; check the API key and refresh token, retry scheduled")
		return err
	}

	m.token = &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      m.clock.Now().Add(m.refreshInterval),
	}
	m.refreshTimer = m.clock.AfterFunc(m.refreshInterval, m.timerLogin)
	hooks := append([]func(){}, m.onAuth...)
	m.mu.Unlock()

	loginSuccess.WithLabelValues(m.decl.Provider).Inc()
	tokenValid.WithLabelValues(m.decl.Provider).Set(1)
	m.logger.Info().Dur("refresh_in", m.refreshInterval).Msg("login succeeded")

	for _, hook := range hooks {
		hook()
	}
	return nil
}

// ScheduleRetry replaces any pending retry with a fresh one. Dependents call
// it when the vendor rejects the credential with 401.
func (m *Manager) ScheduleRetry(reason string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = m.clock.AfterFunc(m.retryDelay, m.timerLogin)
	m.mu.Unlock()

	retryScheduled.WithLabelValues(m.decl.Provider, "unauthorized").Inc()
	m.logger.Warn().Str("reason", reason).Dur("retry_in", m.retryDelay).Msg("credential rejected, re-login scheduled")
}

// Token implements oauth2.TokenSource.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil || m.token.AccessToken == "" {
		return nil, ErrUnauthenticated
	}
	token := *m.token
	return &token, nil
}

// AccessToken returns the bare credential or ErrUnauthenticated.
func (m *Manager) AccessToken() (string, error) {
	token, err := m.Token()
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (m *Manager) Authenticated() bool {
	_, err := m.Token()
	return err == nil
}

// Status is a point-in-time view of the session.
type Status struct {
	Provider      string
	Authenticated bool
	ExpiresAt     time.Time
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{Provider: m.decl.Provider}
	if m.token != nil && m.token.AccessToken != "" {
		status.Authenticated = true
		status.ExpiresAt = m.token.Expiry
	}
	return status
}

func (m *Manager) timerLogin() {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	_ = m.Login(ctx)
}

func (m *Manager) stopTimersLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

func (m *Manager) exchange(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.decl.TokenURL, nil)
	if err != nil {
		return "", &LoginError{Reason: "request", Err: err}
	}
	req.Header.Set("x-api-key", m.decl.APIKey)
	req.Header.Set("Authorization", "Bearer "+m.decl.RefreshToken)
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", &LoginError{Reason: "transport", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return "", &LoginError{Reason: "transport", Status: resp.StatusCode, Err: err}
	}
	payload := strings.TrimSpace(string(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &LoginError{Reason: "http_status", Status: resp.StatusCode, Payload: payload}
	}

	var envelope struct {
		Status  string          `json:"status"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", &LoginError{Reason: "decode", Status: resp.StatusCode, Payload: payload, Err: err}
	}
	if envelope.Status != statusSuccess {
		return "", &LoginError{Reason: "status", Status: resp.StatusCode, Payload: payload}
	}

	var message struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(envelope.Message, &message); err != nil || message.AccessToken == "" {
		return "", &LoginError{Reason: "empty_token", Status: resp.StatusCode, Payload: payload, Err: err}
	}
	return message.AccessToken, nil
}
