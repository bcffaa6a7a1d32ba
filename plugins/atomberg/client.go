package atomberg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/joshp123/gofan/internal/rate"
)

const (
	pathAccessToken = "/v1/get_access_token"
	pathDevices     = "/v1/get_list_of_devices"
	pathDeviceState = "/v1/get_device_state"
	pathSendCommand = "/v1/send_command"

	SelectorAll = "all"

	statusSuccess   = "Success"
	maxResponseBody = 1 << 20
)

// Session is the credential owner the client depends on.
type Session interface {
	oauth2.TokenSource
	ScheduleRetry(reason string)
}

type ClientOptions struct {
	BaseURL    string
	APIKey     string
	Session    Session
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the Atomberg developer API.
type Client struct {
	baseURL    string
	apiKey     string
	session    Session
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 15 * time.Second}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  opts.APIKey,
		session: opts.Session,
		httpClient: &http.Client{
			Timeout:   base.Timeout,
			Transport: &oauth2.Transport{Source: opts.Session, Base: transport},
		},
		logger: opts.Logger.With().Str("component", "atomberg_client").Logger(),
	}, nil
}

// TokenURL is the login endpoint under baseURL.
func TokenURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + pathAccessToken
}

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var msg struct {
		DevicesList []Device `json:"devices_list"`
	}
	if err := c.do(ctx, http.MethodGet, pathDevices, nil, nil, &msg); err != nil {
		return nil, err
	}
	return msg.DevicesList, nil
}

// FetchStates returns states for selector, a device id or SelectorAll.
func (c *Client) FetchStates(ctx context.Context, selector string) ([]DeviceState, error) {
	if selector == "" {
		selector = SelectorAll
	}
	var msg struct {
		DeviceState []DeviceState `json:"device_state"`
	}
	query := url.Values{"device_id": []string{selector}}
	if err := c.do(ctx, http.MethodGet, pathDeviceState, query, nil, &msg); err != nil {
		return nil, err
	}
	return msg.DeviceState, nil
}

// SendCommand transmits cmd as-is. The boolean reports vendor acceptance.
func (c *Client) SendCommand(ctx context.Context, cmd Command) (bool, error) {
	body, err := json.Marshal(struct {
		DeviceID string  `json:"device_id"`
		Command  Command `json:"command"`
	}{DeviceID: cmd.DeviceID, Command: cmd})
	if err != nil {
		return false, fmt.Errorf("encode command: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, pathSendCommand, nil, body, nil); err != nil {
		return false, err
	}
	return true, nil
}

type envelope struct {
	Status  string          `json:"status"`
	Message json.RawMessage `json:"message"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body []byte, out any) error {
	logger := c.logger.With().Str("endpoint", endpoint).Logger()

	if _, err := c.session.Token(); err != nil {
		apiRequests.WithLabelValues(endpoint, "unauthenticated").Inc()
		return fmt.Errorf("atomberg %s: %w", endpoint, err)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		apiRequests.WithLabelValues(endpoint, "request_error").Inc()
		logger.Error().Err(err).Msg("could not build request")
		return &TransportError{Endpoint: endpoint, Op: "build request", Err: err}
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var limited rate.RateLimitError
		if errors.As(err, &limited) {
			apiRequests.WithLabelValues(endpoint, "rate_limited").Inc()
			logger.Warn().Str("reason", limited.Reason).Time("retry_at", limited.RetryAt).Msg("request refused by rate guard")
			return limited
		}
		apiRequests.WithLabelValues(endpoint, "no_response").Inc()
		logger.Error().Err(err).Msg("no response from vendor api; check network connectivity")
		return &TransportError{Endpoint: endpoint, Op: "no response", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		apiRequests.WithLabelValues(endpoint, "no_response").Inc()
		logger.Error().Err(err).Int("status", resp.StatusCode).Msg("response body could not be read")
		return &TransportError{Endpoint: endpoint, Op: "read body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiRequests.WithLabelValues(endpoint, "http_error").Inc()
		statusErr := &HTTPStatusError{Endpoint: endpoint, Status: resp.StatusCode, Body: string(payload)}
		if statusErr.Unauthorized() {
			c.session.ScheduleRetry("401 from " + endpoint)
		}
		event := logger.Error().Int("status", resp.StatusCode)
		if cause := StatusCause(resp.StatusCode); cause != "" {
			event = event.Str("cause", cause)
		} else {
			event = event.Str("body", strings.TrimSpace(string(payload)))
		}
		event.Msg("vendor api request failed")
		return statusErr
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		apiRequests.WithLabelValues(endpoint, "decode_error").Inc()
		logger.Error().Err(err).Str("body", strings.TrimSpace(string(payload))).Msg("vendor api returned malformed json")
		return &DecodeError{Stage: endpoint, Err: err}
	}
	if env.Status != statusSuccess {
		apiRequests.WithLabelValues(endpoint, "api_error").Inc()
		apiErr := &APIError{Endpoint: endpoint, Status: env.Status, Message: messageText(env.Message)}
		logger.Error().Str("status", env.Status).Str("message", apiErr.Message).Msg("vendor api reported failure")
		return apiErr
	}

	apiRequests.WithLabelValues(endpoint, "ok").Inc()
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Message, out); err != nil {
		logger.Error().Err(err).Str("body", strings.TrimSpace(string(payload))).Msg("unexpected message shape")
		return &DecodeError{Stage: endpoint, Err: err}
	}
	return nil
}

func messageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
