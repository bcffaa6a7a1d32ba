package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRefresh = time.Hour
	testRetry   = 5 * time.Second
)

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) active(d time.Duration) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if t.d == d && !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) fire(t *fakeTimer) {
	c.mu.Lock()
	t.fired = true
	c.now = c.now.Add(t.d)
	c.mu.Unlock()
	t.f()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func successResponse(r *http.Request, token string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"status":"Success","message":{"access_token":"` + token + `"}}`)),
		Request:    r,
	}
}

func newTestManager(t *testing.T, client *http.Client, clock Clock) *Manager {
	t.Helper()
	m, err := NewManager(Declaration{
		Provider:     "atomberg",
		TokenURL:     "http://vendor.test/v1/get_access_token",
		APIKey:       "api-key",
		RefreshToken: "refresh-token",
	}, Options{
		RefreshInterval: testRefresh,
		RetryDelay:      testRetry,
		HTTPClient:      client,
		Clock:           clock,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return m
}

func TestLoginSendsCredentialsAndSchedulesRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/get_access_token", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "api-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "Bearer refresh-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"status":"Success","message":{"access_token":"access-1"}}`)
	}))
	defer server.Close()

	clock := newFakeClock()
	m, err := NewManager(Declaration{
		Provider:     "atomberg",
		TokenURL:     server.URL + "/v1/get_access_token",
		APIKey:       "api-key",
		RefreshToken: "refresh-token",
	}, Options{RefreshInterval: testRefresh, RetryDelay: testRetry, Clock: clock, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = m.Token()
	require.ErrorIs(t, err, ErrUnauthenticated)

	require.NoError(t, m.Start(context.Background()))

	token, err := m.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Len(t, clock.active(testRefresh), 1)
	assert.Empty(t, clock.active(testRetry))

	status := m.Status()
	assert.True(t, status.Authenticated)
	assert.Equal(t, clock.Now().Add(testRefresh), status.ExpiresAt)
}

func TestLoginFailsTwiceThenSucceeds(t *testing.T) {
	var calls int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return successResponse(r, "access-3"), nil
	})}
	clock := newFakeClock()
	m := newTestManager(t, client, clock)

	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrLoginFailed)
	assert.False(t, m.Authenticated())

	retries := clock.active(testRetry)
	require.Len(t, retries, 1)
	clock.fire(retries[0])
	assert.False(t, m.Authenticated())

	retries = clock.active(testRetry)
	require.Len(t, retries, 1)
	clock.fire(retries[0])

	assert.True(t, m.Authenticated())
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Len(t, clock.active(testRefresh), 1)
	assert.Empty(t, clock.active(testRetry))
}

func TestLoginFailureClearsCredential(t *testing.T) {
	var fail atomic.Bool
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if fail.Load() {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"status":"Failure","message":"invalid refresh token"}`)),
				Request:    r,
			}, nil
		}
		return successResponse(r, "access"), nil
	})}
	clock := newFakeClock()
	m := newTestManager(t, client, clock)

	require.NoError(t, m.Login(context.Background()))
	require.True(t, m.Authenticated())

	fail.Store(true)
	refresh := clock.active(testRefresh)
	require.Len(t, refresh, 1)
	clock.fire(refresh[0])

	assert.False(t, m.Authenticated())
	assert.Empty(t, clock.active(testRefresh))
	assert.Len(t, clock.active(testRetry), 1)
}

func TestLoginErrorCarriesPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"message":"Forbidden"}`)
	}))
	defer server.Close()

	m, err := NewManager(Declaration{
		Provider: "atomberg", TokenURL: server.URL, APIKey: "k", RefreshToken: "r",
	}, Options{Clock: newFakeClock(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	err = m.Login(context.Background())
	var loginErr *LoginError
	require.ErrorAs(t, err, &loginErr)
	assert.Equal(t, http.StatusForbidden, loginErr.Status)
	assert.Equal(t, "http_status", loginErr.Reason)
	assert.Contains(t, loginErr.Payload, "Forbidden")
}

func TestConcurrentLoginsCoalesce(t *testing.T) {
	var calls int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return successResponse(r, "access"), nil
	})}
	clock := newFakeClock()
	m := newTestManager(t, client, clock)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Login(context.Background())
		}()
	}
	wg.Wait()

	assert.True(t, m.Authenticated())
	assert.Len(t, clock.active(testRefresh), 1)
	assert.Empty(t, clock.active(testRetry))
}

func TestScheduleRetryKeepsSingleRetryTimer(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return successResponse(r, "access"), nil
	})}
	clock := newFakeClock()
	m := newTestManager(t, client, clock)
	require.NoError(t, m.Login(context.Background()))

	m.ScheduleRetry("401")
	m.ScheduleRetry("401")
	retries := clock.active(testRetry)
	require.Len(t, retries, 1)

	clock.fire(retries[0])
	assert.True(t, m.Authenticated())
	assert.Len(t, clock.active(testRefresh), 1)
	assert.Empty(t, clock.active(testRetry))
}

func TestOnAuthenticatedHook(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return successResponse(r, "access"), nil
	})}
	m := newTestManager(t, client, newFakeClock())

	var fired int32
	m.OnAuthenticated(func() { atomic.AddInt32(&fired, 1) })
	require.NoError(t, m.Login(context.Background()))
	require.NoError(t, m.Login(context.Background()))
	assert.EqualValues(t, 2, atomic.LoadInt32(&fired))
}

func TestStopCancelsTimers(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("down")
	})}
	clock := newFakeClock()
	m := newTestManager(t, client, clock)
	_ = m.Start(context.Background())
	require.Len(t, clock.active(testRetry), 1)

	m.Stop()
	assert.Empty(t, clock.active(testRetry))
	m.ScheduleRetry("401")
	assert.Empty(t, clock.active(testRetry))
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Declaration{}, Options{})
	assert.Error(t, err)
	_, err = NewManager(Declaration{Provider: "p", TokenURL: "u", APIKey: "k"}, Options{})
	assert.Error(t, err)
}

func TestRetryScheduledDuringLoginIsReplaced(t *testing.T) {
	for _, tc := range []struct {
		name        string
		fail        bool
		wantRetry   int
		wantRefresh int
	}{
		{name: "failure", fail: true, wantRetry: 1, wantRefresh: 0},
		{name: "success", fail: false, wantRetry: 0, wantRefresh: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			entered := make(chan struct{})
			release := make(chan struct{})
			client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				close(entered)
				<-release
				if tc.fail {
					return nil, errors.New("connection reset")
				}
				return successResponse(r, "access"), nil
			})}
			clock := newFakeClock()
			m := newTestManager(t, client, clock)

			done := make(chan error, 1)
			go func() { done <- m.Login(context.Background()) }()

			<-entered
			m.ScheduleRetry("401 from get_device_state")
			require.Len(t, clock.active(testRetry), 1)
			close(release)
			<-done

			assert.Len(t, clock.active(testRetry), tc.wantRetry)
			assert.Len(t, clock.active(testRefresh), tc.wantRefresh)
		})
	}
}

func TestLoginFailureCountedByReason(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusForbidden,
			Body:       io.NopCloser(strings.NewReader(`{"message":"Forbidden"}`)),
			Request:    r,
		}, nil
	})}
	m := newTestManager(t, client, newFakeClock())

	counter := loginFailure.WithLabelValues("atomberg", "http_status")
	before := counterValue(t, counter)
	require.Error(t, m.Login(context.Background()))
	assert.Equal(t, before+1, counterValue(t, counter))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, c.Write(&metric))
	return metric.GetCounter().GetValue()
}
