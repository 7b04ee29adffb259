package regfox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the public Webconnex API prefix.
	DefaultBaseURL = "https://api.webconnex.com/v2/public"

	apiKeyHeader = "apiKey"

	headerBurstLimit     = "X-Burst-Limit"
	headerBurstRemaining = "X-Burst-Remaining"
	headerBurstReset     = "X-Burst-Limit-Reset"
	headerDailyLimit     = "X-Daily-Limit"
	headerDailyRemaining = "X-Daily-Remaining"
	headerDailyReset     = "X-Daily-Limit-Reset"

	// maxErrorBodyBytes bounds how much of an error response is retained
	// for diagnostics.
	maxErrorBodyBytes = 64 * 1024
)

var (
	errMissingAPIKey         = errors.New("api key is required")
	errInvalidBaseURL        = errors.New("base url must be absolute")
	ErrInvalidClientConfig   = errors.New("regfox: invalid client config")
	errUnexpectedPayloadType = errors.New("response data is neither object nor array")
	errMissingPageCursor     = errors.New("response advertises more pages without a cursor")
)

// RateLimitWindow holds one remote-reported quota window.
type RateLimitWindow struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// RateLimitSnapshot is the most recent pair of quota windows reported by the
// remote service. It starts zeroed and is undefined until the first request
// completes.
type RateLimitSnapshot struct {
	Burst RateLimitWindow `json:"burst"`
	Daily RateLimitWindow `json:"daily"`
}

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues authenticated calls against the remote registration API,
// auto-paginates list endpoints, and publishes the latest rate-limit quotas.
// All methods are safe for concurrent use.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	limitMu sync.Mutex
	limits  RateLimitSnapshot
}

// NewClient constructs a client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingAPIKey)
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || !parsed.IsAbs() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errInvalidBaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Limits returns the current rate-limit snapshot without a network call.
func (c *Client) Limits() RateLimitSnapshot {
	c.limitMu.Lock()
	defer c.limitMu.Unlock()
	return c.limits
}

// APIRequest performs a single HTTP exchange against the remote service and
// refreshes the rate-limit snapshot from the response headers. The raw JSON
// body is returned undecoded.
func (c *Client) APIRequest(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, &TransportError{Op: path, Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &TransportError{Op: path, Err: err}
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: path, Err: err}
	}
	defer response.Body.Close()

	c.updateLimits(response.Header)

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		// Only failure diagnostics are bounded; success payloads are read
		// in full below.
		diagnostic, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))

		if limited := c.classifyRateLimit(path, response.StatusCode, diagnostic); limited != nil {
			c.logger.Warn("remote quota exhausted",
				zap.String("path", path),
				zap.Int("status", response.StatusCode))
			return nil, limited
		}
		return nil, &TransportError{
			Op:     path,
			Status: response.StatusCode,
			Err:    fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(diagnostic))),
		}
	}

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, &TransportError{Op: path, Status: response.StatusCode, Err: err}
	}
	return payload, nil
}

func (c *Client) classifyRateLimit(path string, status int, body []byte) *RateLimitError {
	if status == http.StatusTooManyRequests ||
		(status >= http.StatusBadRequest && bytes.Contains(bytes.ToLower(body), []byte("limit exceeded"))) {
		return &RateLimitError{
			Op:     path,
			Status: status,
			Body:   string(body),
			Limits: c.Limits(),
		}
	}
	return nil
}

func (c *Client) updateLimits(header http.Header) {
	if header.Get(headerBurstLimit) == "" {
		return
	}

	snapshot := RateLimitSnapshot{
		Burst: RateLimitWindow{
			Limit:     headerInt(header, headerBurstLimit),
			Remaining: headerInt(header, headerBurstRemaining),
			Reset:     headerEpoch(header, headerBurstReset),
		},
		Daily: RateLimitWindow{
			Limit:     headerInt(header, headerDailyLimit),
			Remaining: headerInt(header, headerDailyRemaining),
			Reset:     headerEpoch(header, headerDailyReset),
		},
	}

	c.limitMu.Lock()
	c.limits = snapshot
	c.limitMu.Unlock()
}

func headerInt(header http.Header, name string) int {
	value, err := strconv.Atoi(strings.TrimSpace(header.Get(name)))
	if err != nil {
		return 0
	}
	return value
}

func headerEpoch(header http.Header, name string) time.Time {
	seconds, err := strconv.ParseInt(strings.TrimSpace(header.Get(name)), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

type pageEnvelope struct {
	Data          json.RawMessage `json:"data"`
	HasMore       bool            `json:"hasMore"`
	StartingAfter FlexString      `json:"startingAfter"`
}

// APIGet fetches a GET endpoint, following the hasMore/startingAfter cursor
// until the collection is exhausted. The whole result set is materialized
// before returning. A single-object endpoint yields exactly one element.
func (c *Client) APIGet(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	query := url.Values{}
	for key, values := range params {
		query[key] = append([]string(nil), values...)
	}

	var items []json.RawMessage
	for {
		payload, err := c.APIRequest(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return nil, err
		}

		var page pageEnvelope
		if err := json.Unmarshal(payload, &page); err != nil {
			return nil, &TransportError{Op: path, Err: err}
		}

		trimmed := bytes.TrimSpace(page.Data)
		switch {
		case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
			return items, nil
		case trimmed[0] == '{':
			return []json.RawMessage{page.Data}, nil
		case trimmed[0] == '[':
			var pageItems []json.RawMessage
			if err := json.Unmarshal(page.Data, &pageItems); err != nil {
				return nil, &TransportError{Op: path, Err: err}
			}
			items = append(items, pageItems...)
		default:
			return nil, &TransportError{Op: path, Err: errUnexpectedPayloadType}
		}

		if !page.HasMore {
			return items, nil
		}
		cursor := strings.TrimSpace(page.StartingAfter.String())
		if cursor == "" {
			// Re-issuing the same request would loop forever against the
			// remote quota.
			return nil, &TransportError{Op: path, Err: errMissingPageCursor}
		}
		query.Set("startingAfter", cursor)
	}
}

func decodeItems[T any](path string, items []json.RawMessage) ([]T, error) {
	decoded := make([]T, 0, len(items))
	for _, item := range items {
		var value T
		if err := json.Unmarshal(item, &value); err != nil {
			return nil, &TransportError{Op: path, Err: err}
		}
		decoded = append(decoded, value)
	}
	return decoded, nil
}

// SearchRegistrants lists registrants matching the given query parameters.
func (c *Client) SearchRegistrants(ctx context.Context, params url.Values) ([]Registrant, error) {
	const path = "/search/registrants"
	items, err := c.APIGet(ctx, path, params)
	if err != nil {
		return nil, err
	}
	return decodeItems[Registrant](path, items)
}

// GetRegistrant fetches a single registrant by its remote identifier.
func (c *Client) GetRegistrant(ctx context.Context, id int64) (Registrant, error) {
	path := fmt.Sprintf("/search/registrants/%d", id)
	items, err := c.APIGet(ctx, path, nil)
	if err != nil {
		return Registrant{}, err
	}
	registrants, err := decodeItems[Registrant](path, items)
	if err != nil {
		return Registrant{}, err
	}
	if len(registrants) == 0 {
		return Registrant{}, nil
	}
	return registrants[0], nil
}

// SearchOrders lists orders matching the given query parameters.
func (c *Client) SearchOrders(ctx context.Context, params url.Values) ([]Order, error) {
	const path = "/search/orders"
	items, err := c.APIGet(ctx, path, params)
	if err != nil {
		return nil, err
	}
	return decodeItems[Order](path, items)
}

// Forms lists the event forms accessible with the configured API key.
func (c *Client) Forms(ctx context.Context) ([]Form, error) {
	const path = "/forms"
	items, err := c.APIGet(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeItems[Form](path, items)
}

// CheckIn records a check-in for a registrant on the remote service.
func (c *Client) CheckIn(ctx context.Context, request CheckInRequest) (CheckInResult, error) {
	return c.postCheckinState(ctx, "/registrant/check-in", request)
}

// CheckOut records a check-out for a registrant on the remote service.
func (c *Client) CheckOut(ctx context.Context, request CheckInRequest) (CheckInResult, error) {
	return c.postCheckinState(ctx, "/registrant/check-out", request)
}

func (c *Client) postCheckinState(ctx context.Context, path string, request CheckInRequest) (CheckInResult, error) {
	payload, err := c.APIRequest(ctx, http.MethodPost, path, nil, request)
	if err != nil {
		return CheckInResult{}, err
	}

	var result CheckInResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return CheckInResult{}, &TransportError{Op: path, Err: err}
	}
	return result, nil
}
