// Package client provides the pooled HTTP client used to reach upstream origins.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"voicenav-proxy/internal/config"
	"voicenav-proxy/internal/metrics"
	"voicenav-proxy/internal/model"
)

// defaultReplayLimit bounds the request body kept for redirects when the
// config leaves it unset.
const defaultReplayLimit = 10 << 20

// UpstreamClient sends requests to arbitrary upstream origins.
type UpstreamClient struct {
	httpClient  *http.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics
	replayLimit int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// Only connection setup and the wait for response headers are bounded; a body
// that keeps streaming is left alone and ends with the inbound request context.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	dialer := &net.Dialer{
		Timeout:   cfg.Upstream.ConnectTimeout(),
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.Upstream.ConnectTimeout(),
		ResponseHeaderTimeout: cfg.Upstream.Timeout(),
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify, //nolint:gosec // opt-in, see config.UpstreamConfig
		},
	}

	replayLimit := cfg.Upstream.RedirectBodyMaxBytes
	if replayLimit <= 0 {
		replayLimit = defaultReplayLimit
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport:     transport,
			CheckRedirect: redirectPolicy(cfg.Upstream.MaxRedirects),
		},
		logger:      logger.With("component", "upstream_client"),
		metrics:     m,
		replayLimit: replayLimit,
	}
}

// redirectPolicy follows up to limit redirects so callers only see a terminal response.
func redirectPolicy(limit int) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		return nil
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body. Failures are
// returned as *DispatchError.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		de := newDispatchError(err)
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.DispatchErrors.WithLabelValues(string(de.Kind)).Inc()
		}
		return nil, de
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled. The Host header is always the target's host.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := c.newRequest(ctx, method, url, header, body)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Upgrade sends a protocol upgrade request. When the upstream switches
// protocols the returned Tunnel carries the raw connection; otherwise Conn is
// nil and Response holds an ordinary response whose body the caller must close.
func (c *UpstreamClient) Upgrade(ctx context.Context, url string, header http.Header) (*model.Tunnel, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, header, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return &model.Tunnel{Response: resp}, nil
	}

	conn, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		_ = resp.Body.Close()
		return nil, &DispatchError{Kind: KindProtocol, Err: fmt.Errorf("101 response body is not writable")}
	}
	resp.Body = http.NoBody

	return &model.Tunnel{Response: resp, Conn: conn}, nil
}

func (c *UpstreamClient) newRequest(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Request, error) {
	var replay *replayBody
	if body != nil && body != http.NoBody {
		replay = newReplayBody(body, c.replayLimit)
		body = replay
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &DispatchError{Kind: KindProtocol, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	if header == nil {
		header = make(http.Header)
	}
	req.Header = header
	req.Host = req.URL.Host

	// Keep the inbound framing so the body is streamed with its declared length
	// rather than re-chunked.
	if cl := header.Get("Content-Length"); cl != "" && replay != nil {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > 0 {
			req.ContentLength = n
		} else if err == nil && n == 0 {
			req.Body = http.NoBody
			replay = nil
		}
	}

	// Without GetBody the client hands 307 and 308 responses back to the
	// caller instead of following them.
	if replay != nil {
		req.GetBody = replay.GetBody
	}

	return req, nil
}
