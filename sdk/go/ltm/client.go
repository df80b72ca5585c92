package ltm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the LTM server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// using Timeout is created.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 10 seconds.
	Timeout time.Duration

	// ReadyInterval is the initial delay between health probes in WaitReady.
	// Defaults to 250ms.
	ReadyInterval time.Duration
}

// Client is an HTTP client for the LTM episode API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL       string
	client        *http.Client
	readyInterval time.Duration
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ltm: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	interval := cfg.ReadyInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		client:        httpClient,
		readyInterval: interval,
	}, nil
}

// Register reserves a fresh episode uid.
func (c *Client) Register(ctx context.Context) (int64, error) {
	var resp RegisterResponse
	if err := c.post(ctx, "/v1/episodes/register", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.UID, nil
}

// AddEpisodes stores episodes. With update set, existing uids are replaced;
// otherwise they are reported back in Conflicts.
func (c *Client) AddEpisodes(ctx context.Context, episodes []Episode, update bool) (*AddEpisodesResponse, error) {
	body := AddEpisodesRequest{Episodes: episodes, Update: update}
	var resp AddEpisodesResponse
	if err := c.post(ctx, "/v1/episodes", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateTree recomputes the time spans of the composite episodes under uid.
func (c *Client) UpdateTree(ctx context.Context, uid int64) (*UpdateTreeResponse, error) {
	var resp UpdateTreeResponse
	path := "/v1/episodes/" + strconv.FormatInt(uid, 10) + "/update-tree"
	if err := c.post(ctx, path, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns store counters.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, "/v1/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Drop deletes every stored episode and reservation.
func (c *Client) Drop(ctx context.Context) (*DropResponse, error) {
	var resp DropResponse
	if err := c.doDelete(ctx, "/v1/episodes", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitReady blocks until the server answers a health probe or ctx is done.
// Probes back off exponentially with no overall deadline of their own.
func (c *Client) WaitReady(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.readyInterval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		_, err := c.Health(ctx)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("ltm: wait ready: %w", err)
	}
	return nil
}

// AcquireID reserves one uid for a new execution. It is Register under the
// name the episode tracker expects.
func (c *Client) AcquireID(ctx context.Context) (int64, error) {
	return c.Register(ctx)
}

// Store ships one completed episode.
func (c *Client) Store(ctx context.Context, ep Episode) error {
	return c.StoreBatch(ctx, []Episode{ep})
}

// StoreBatch ships completed episodes in one request.
func (c *Client) StoreBatch(ctx context.Context, episodes []Episode) error {
	resp, err := c.AddEpisodes(ctx, episodes, false)
	if err != nil {
		return err
	}
	if len(resp.Conflicts) > 0 {
		return &Error{
			StatusCode: http.StatusConflict,
			Code:       CodeConflict,
			Message:    fmt.Sprintf("episodes already stored: %v", resp.Conflicts),
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

// apiEnvelope is the standard {"data": ...} wrapper returned by the server.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ltm: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("ltm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("ltm: create request: %w", err)
	}
	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("ltm: create request: %w", err)
	}
	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ltm: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ltm: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("ltm: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
