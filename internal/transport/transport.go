// Package transport performs the network call behind a send and hands back a
// status code plus the raw response body.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Request is an outbound call.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Response is an established response. The caller owns Body and must close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Transport issues a request and returns once response headers are available.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportError is a failure before any HTTP status was observed
// (connection refused, DNS failure, TLS handshake, reset before headers).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

// Do calls f.
func (f Func) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
