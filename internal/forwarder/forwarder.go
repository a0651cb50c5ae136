// Package forwarder implements the tunnel client: it receives webhook
// requests from the relay server and replays them against a local HTTP server.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"webhookrelay/internal/logging"
	"webhookrelay/internal/tunnel"
)

// DefaultPreviewLength bounds body previews in logs.
const DefaultPreviewLength = 256

// Forwarder replays tunnel requests against a local base URL.
type Forwarder struct {
	target  *url.URL
	client  *http.Client
	log     *slog.Logger
	preview int
}

// NewForwarder creates a Forwarder for targetURL whose local calls time out after timeout.
func NewForwarder(targetURL string, timeout time.Duration, log *slog.Logger) (*Forwarder, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("target url %q needs a scheme and host", targetURL)
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Forwarder{
		target: u,
		client: &http.Client{
			Timeout: timeout,
			// the original caller sees redirects as they are
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:     log,
		preview: DefaultPreviewLength,
	}, nil
}

// URL returns the local URL a request with path and query is sent to.
func (f *Forwarder) URL(path, query string) string {
	u := *f.target
	u.Path = strings.TrimRight(f.target.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawPath = ""
	u.RawQuery = query
	u.Fragment = ""
	return u.String()
}

// Forward replays req locally. It always returns a response carrying req.ID;
// local failures become 502 responses whose body is the error text.
func (f *Forwarder) Forward(ctx context.Context, req *tunnel.Request) *tunnel.Response {
	resp, _ := f.forward(ctx, req)
	return resp
}

// forward is Forward that also reports whether the local call succeeded.
func (f *Forwarder) forward(ctx context.Context, req *tunnel.Request) (*tunnel.Response, bool) {
	start := time.Now()
	resp, err := f.do(ctx, req)
	if err != nil {
		f.log.Warn("local forward failed", "id", req.ID, "method", req.Method, "path", req.Path, "error", err)
		return FailureResponse(req.ID, err), false
	}
	body, _ := resp.Body()
	f.log.Info("forwarded response",
		"id", req.ID,
		"status", resp.StatusCode.Code(),
		"duration", time.Since(start),
		"body", logging.Preview(body, f.preview))
	return resp, true
}

func (f *Forwarder) do(ctx context.Context, req *tunnel.Request) (*tunnel.Response, error) {
	body, err := req.Body()
	if err != nil {
		return nil, err
	}
	target := f.URL(req.Path, req.Query)
	f.log.Info("forwarding request",
		"id", req.ID,
		"method", req.Method,
		"url", target,
		"body", logging.Preview(body, f.preview))

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build local request: %w", err)
	}
	for k, v := range req.Headers.HTTPHeader() {
		httpReq.Header[k] = v
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read local response: %w", err)
	}
	return &tunnel.Response{
		ID:         req.ID,
		StatusCode: tunnel.Status(resp.StatusCode),
		Headers:    tunnel.FilterHeaders(resp.Header),
		BodyB64:    tunnel.EncodeBody(respBody),
	}, nil
}

// FailureResponse is the 502 answer for a request that could not be forwarded.
func FailureResponse(id string, err error) *tunnel.Response {
	return &tunnel.Response{
		ID:         id,
		StatusCode: http.StatusBadGateway,
		Headers:    tunnel.Headers{"Content-Type": {"text/plain; charset=utf-8"}},
		BodyB64:    tunnel.EncodeBody([]byte(err.Error())),
	}
}
