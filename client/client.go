// Package client implements the offline-first sync engine: an HTTP client
// for the sync server, a request dispatcher with cache strategies, a sync
// queue processor replaying offline mutations, and the realtime channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
)

const (
	// DefaultRequestTimeout bounds a single network round-trip.
	DefaultRequestTimeout = 10 * time.Second
	// headerMutationID carries the idempotency key on mutation calls.
	headerMutationID = "X-Syncd-Mutation-ID"
	// headerCreatedAt carries the client-side mutation creation time.
	headerCreatedAt = "X-Syncd-Created-At"
)

// APIError describes an error response from the sync server.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// RetryAfter is the parsed retry delay hint, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("syncd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("syncd: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// IsRetryable reports whether the failure is transient: transport errors,
// 5xx responses, timeouts and rate limiting. Definitive client errors (4xx
// other than 429) are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusTooManyRequests {
			return true
		}
		return apiErr.Status >= http.StatusInternalServerError
	}
	// Anything that never produced an HTTP status is a network failure.
	return true
}

// IsResourceGone reports whether the server rejected the call because the
// resource was deleted server-side.
func IsResourceGone(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusGone
}

// IsAuthExpired reports whether the server rejected the credentials.
func IsAuthExpired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Option customises client construction.
type Option func(*Client)

// WithLogger assigns the client logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRequestTimeout bounds each network round-trip.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// Client talks to the sync server's resource API.
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         pslog.Logger
}

// New constructs a client for the server at baseURL authenticating with the
// supplied bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:        baseURL,
		token:          token,
		httpClient:     &http.Client{},
		requestTimeout: DefaultRequestTimeout,
		logger:         pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = svcfields.WithSubsystem(c.logger, "client.http")
	return c
}

// GetResource fetches the current server state of one resource.
func (c *Client) GetResource(ctx context.Context, resourceType, id string) (api.Resource, error) {
	var res api.Resource
	err := c.do(ctx, http.MethodGet, c.resourcePath(resourceType, id), nil, nil, &res)
	return res, err
}

// ApplyMutation sends one mutation to the server. The mutation id travels as
// the idempotency key, so replays of an applied mutation are no-ops.
func (c *Client) ApplyMutation(ctx context.Context, m api.MutationRequest) (api.MutationResult, error) {
	method := http.MethodPost
	switch m.Action {
	case api.ActionUpdate:
		method = http.MethodPut
	case api.ActionDelete:
		method = http.MethodDelete
	}
	headers := http.Header{}
	headers.Set(headerMutationID, m.MutationID)
	if m.CreatedAt != 0 {
		headers.Set(headerCreatedAt, strconv.FormatInt(m.CreatedAt, 10))
	}
	var body []byte
	if m.Action != api.ActionDelete {
		body = m.Payload
	}
	var result api.MutationResult
	err := c.do(ctx, method, c.resourcePath(m.ResourceType, m.ResourceID), headers, body, &result)
	return result, err
}

// WebsocketURL returns the realtime channel endpoint for this client.
func (c *Client) WebsocketURL() string {
	url := c.baseURL
	switch {
	case len(url) >= 8 && url[:8] == "https://":
		url = "wss://" + url[8:]
	case len(url) >= 7 && url[:7] == "http://":
		url = "ws://" + url[7:]
	}
	return url + "/v1/ws"
}

// Token returns the bearer token used by the client.
func (c *Client) Token() string {
	return c.token
}

func (c *Client) resourcePath(resourceType, id string) string {
	return "/v1/resource/" + resourceType + "/" + id
}

func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	c.logger.Trace("client.http.request", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.transport_error", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logger.Debug("client.http.error", "method", method, "path", path, "status", resp.StatusCode)
		return c.decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	apiErr := &APIError{Status: resp.StatusCode}
	if len(data) > 0 {
		// Keep the status even when the envelope does not decode.
		_ = json.Unmarshal(data, &apiErr.Response)
	}
	apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	if apiErr.RetryAfter == 0 && apiErr.Response.RetryAfterSeconds > 0 {
		apiErr.RetryAfter = time.Duration(apiErr.Response.RetryAfterSeconds) * time.Second
	}
	return apiErr
}

func parseRetryAfter(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
