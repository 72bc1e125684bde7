// Package image executes single-shot image generation requests.
package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashutoshrp06/brainstream/internal/auth"
	"github.com/ashutoshrp06/brainstream/internal/types"
)

// Request is the body of an image generation call.
type Request struct {
	ConversationID string `json:"-"`
	Prompt         string `json:"prompt"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
}

// Response is the body returned by the image endpoint.
type Response struct {
	Success        bool                   `json:"success"`
	Images         []types.GeneratedImage `json:"images,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Model          string                 `json:"model,omitempty"`
	Provider       string                 `json:"provider,omitempty"`
	ConversationID string                 `json:"conversationId,omitempty"`
}

// Executor performs one image generation request.
type Executor interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (*Response, error)

// Generate calls f.
func (f ExecutorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Client is an HTTP Executor.
type Client struct {
	baseURL     string
	credentials auth.Supplier
	client      *http.Client
}

// NewClient creates an image client. Image generation is slow, so the timeout
// is generous.
func NewClient(baseURL string, credentials auth.Supplier, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 3 * time.Minute
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		credentials: credentials,
		client:      &http.Client{Timeout: timeout},
	}
}

// Generate posts the request and decodes the response. A non-2xx status with a
// decodable body is returned as a response; the engine treats success=false as failure.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/image-generation/conversations/" + url.PathEscape(req.ConversationID) + "/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if c.credentials != nil {
		token, err := c.credentials.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve credentials: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("image service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	if (resp.StatusCode < 200 || resp.StatusCode >= 300) && out.Success {
		out.Success = false
		if out.Error == "" {
			out.Error = fmt.Sprintf("image service returned status %d", resp.StatusCode)
		}
	}

	return &out, nil
}
