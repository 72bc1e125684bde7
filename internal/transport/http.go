package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Config holds HTTP transport configuration.
type Config struct {
	BaseURL        string        // e.g., "http://localhost:5127/api"
	ConnectTimeout time.Duration // Dial and response-header timeout; the body itself is unbounded
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:5127/api",
		ConnectTimeout: 30 * time.Second,
	}
}

// HTTP is a Transport backed by net/http.
type HTTP struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTP creates a new HTTP transport.
func NewHTTP(cfg Config) *HTTP {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &HTTP{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			// No overall Timeout: a stream may legitimately run for minutes.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ConnectTimeout,
				MaxIdleConnsPerHost:   4,
			},
		},
	}
}

// NewHTTPWithClient creates a transport using an existing client.
func NewHTTPWithClient(baseURL string, c *http.Client) *HTTP {
	return &HTTP{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// Do sends the request. Any error returned before a status line is read is a
// *TransportError; context cancellation is passed through unwrapped.
func (h *HTTP) Do(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, h.baseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, &TransportError{Op: "execute request", Err: err}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// BaseURL returns the configured base URL.
func (h *HTTP) BaseURL() string {
	return h.baseURL
}
