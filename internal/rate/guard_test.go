package rate

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func TestGuardBudget(t *testing.T) {
	clock := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := newGuardAt(Provider("atomberg").MaxRequestsPer(Minute, 2), clock.now)

	assert.True(t, g.ShouldCall().Allowed)
	assert.True(t, g.ShouldCall().Allowed)
	denied := g.ShouldCall()
	assert.False(t, denied.Allowed)
	assert.Equal(t, "budget minute", denied.Reason)

	clock.t = clock.t.Add(30 * time.Second)
	assert.True(t, g.ShouldCall().Allowed)
}

func TestGuardCooldownOn429(t *testing.T) {
	clock := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := newGuardAt(Provider("atomberg").MaxRequestsPer(Minute, 100), clock.now)

	g.RecordResponse(http.StatusTooManyRequests, http.Header{"Retry-After": []string{"10"}})
	d := g.ShouldCall()
	assert.False(t, d.Allowed)
	assert.Equal(t, "cooldown", d.Reason)
	assert.Equal(t, clock.t.Add(10*time.Second), d.RetryAt)

	clock.t = clock.t.Add(11 * time.Second)
	assert.True(t, g.ShouldCall().Allowed)
}

func TestWrapHTTPRefusesWithoutNetwork(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := WrapHTTP(Provider("atomberg").MaxRequestsPer(Day, 1), nil)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	_, err = client.Get(server.URL)
	var limited RateLimitError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, "atomberg", limited.Provider)
	assert.Equal(t, 1, hits)
}

func TestDeclarationIsImmutable(t *testing.T) {
	base := Provider("atomberg").MaxRequestsPer(Minute, 5)
	derived := base.MaxRequestsPer(Day, 10)
	assert.Len(t, base.Limits(), 1)
	assert.Len(t, derived.Limits(), 2)
}
