// Package couch implements the outbound ports against a CouchDB-compatible
// HTTP API.
package couch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
	"github.com/Sentinel-Gate/Syncgate/internal/port/outbound"
)

const (
	// maxResponseBodySize is the maximum response body size from the backend.
	maxResponseBodySize = 64 * 1024 * 1024 // 64MB

	// DefaultTimeout bounds ordinary requests.
	DefaultTimeout = 30 * time.Second

	// longPollGrace is added to a long-poll's own timeout so the backend
	// answers before the request deadline fires.
	longPollGrace = 5 * time.Second
)

// Client talks to the backend with the gateway's service credentials.
// It implements outbound.DocumentStore, outbound.Passthrough,
// outbound.CacheInvalidator and auth.IdentityResolver.
type Client struct {
	base       string
	username   string
	password   string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption is a functional option for configuring Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request timeout. Long-poll change requests get
// their own timeout on top.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCredentials sets the service account used for every call but Login.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the backend at rawURL.
func NewClient(rawURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", rawURL)
	}
	if u.User != nil {
		return nil, errors.New("invalid backend url: put credentials in backend.username/password, not the url")
	}

	c := &Client{
		base:    strings.TrimRight(u.String(), "/"),
		timeout: DefaultTimeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// request describes one backend call.
type request struct {
	method  string
	path    string
	params  url.Values
	body    any
	rawBody []byte
	// anonymous skips the service credentials.
	anonymous bool
	timeout   time.Duration
}

// send performs req and returns the status and body. Non-2xx statuses are
// returned as *outbound.UpstreamError.
func (c *Client) send(ctx context.Context, req request) (int, []byte, error) {
	timeout := c.timeout
	if req.timeout > 0 {
		timeout = req.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.base + "/" + req.path
	if len(req.params) > 0 {
		endpoint += "?" + req.params.Encode()
	}

	var body io.Reader
	switch {
	case req.rawBody != nil:
		body = bytes.NewReader(req.rawBody)
	case req.body != nil:
		data, err := json.Marshal(req.body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if !req.anonymous && c.username != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, &outbound.UpstreamError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return resp.StatusCode, nil, &outbound.UpstreamError{Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("backend request",
		"method", req.method,
		"path", req.path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode >= 300 {
		return resp.StatusCode, data, decodeError(resp.StatusCode, data)
	}
	return resp.StatusCode, data, nil
}

// do performs req and decodes a successful JSON reply into out.
func (c *Client) do(ctx context.Context, req request, out any) error {
	_, data, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &outbound.UpstreamError{Status: http.StatusBadGateway, Code: "bad_gateway", Reason: "invalid backend response", Err: err}
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(data, &body)
	if body.Error == "" {
		body.Error = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &outbound.UpstreamError{Status: status, Code: body.Error, Reason: body.Reason}
}

// dbPath returns the escaped path of db, with an optional sub path.
func dbPath(db string, sub ...string) string {
	p := url.PathEscape(db)
	for _, s := range sub {
		p += "/" + s
	}
	return p
}

// docPath escapes a document id. Design and local ids keep their prefix
// separator unescaped.
func docPath(db, id string) string {
	for _, prefix := range []string{"_design/", "_local/"} {
		if rest, ok := strings.CutPrefix(id, prefix); ok {
			return dbPath(db, prefix+url.PathEscape(rest))
		}
	}
	return dbPath(db, url.PathEscape(id))
}

// longPollTimeout returns the request timeout for a change feed call.
func (c *Client) longPollTimeout(params url.Values) time.Duration {
	if params.Get("feed") != "longpoll" {
		return 0
	}
	ms, err := strconv.Atoi(params.Get("timeout"))
	if err != nil || ms <= 0 {
		// CouchDB's default longpoll timeout is 60s.
		ms = 60_000
	}
	return time.Duration(ms)*time.Millisecond + longPollGrace
}

// Compile-time interface verification.
var (
	_ outbound.DocumentStore    = (*Client)(nil)
	_ outbound.Passthrough      = (*Client)(nil)
	_ outbound.CacheInvalidator = (*Client)(nil)
)
