// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html/charset"

	"voicenav-proxy/internal/client"
	"voicenav-proxy/internal/config"
	"voicenav-proxy/internal/model"
	"voicenav-proxy/internal/resolver"
	"voicenav-proxy/internal/rewrite"
)

// navigationHeaders make every proxied request look like a top-level browser
// navigation. They replace whatever the embedding frame sent.
var navigationHeaders = []struct{ name, value string }{
	{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"},
	{"Accept-Language", "en-US,en;q=0.5"},
	{"Connection", "keep-alive"},
	{"Upgrade-Insecure-Requests", "1"},
	{"Sec-Fetch-Dest", "document"},
	{"Sec-Fetch-Mode", "navigate"},
	{"Sec-Fetch-Site", "none"},
	{"Sec-Fetch-User", "?1"},
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client        *client.UpstreamClient
	cfg           *config.Config
	logger        *slog.Logger
	prefix        string
	defaultTarget *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	prefix := cfg.Proxy.MountPrefix
	if prefix == "" {
		prefix = resolver.DefaultPrefix
	}

	s := &ProxyService{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "proxy_service"),
		prefix: prefix,
	}

	if cfg.Proxy.DefaultTarget != "" {
		u, err := url.Parse(cfg.Proxy.DefaultTarget)
		if err != nil {
			return nil, fmt.Errorf("parse proxy default_target: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("proxy default_target %q must be an absolute http(s) URL", cfg.Proxy.DefaultTarget)
		}
		if u.Path == "" {
			u.Path = "/"
		}
		s.defaultTarget = u
	}

	return s, nil
}

// Prefix returns the mount prefix proxied paths start with.
func (s *ProxyService) Prefix() string {
	return s.prefix
}

// Target resolves the upstream URL for an escaped request path. A path that
// names no target at all falls back to the configured default target.
func (s *ProxyService) Target(path string) (*url.URL, error) {
	u, err := resolver.Resolve(path, s.prefix)
	if err == nil {
		return u, nil
	}
	if s.defaultTarget != nil && errors.Is(err, resolver.ErrEmptyTarget) &&
		strings.Trim(strings.TrimPrefix(path, s.prefix), "/") == "" {
		d := *s.defaultTarget
		return &d, nil
	}
	return nil, err
}

// Forward sends a ProxyRequest to the upstream it addresses and returns the
// response with rewritten headers. The caller is responsible for closing the
// response body.
//
// Resolution failures wrap resolver.ErrResolution and never reach the network;
// upstream failures carry a *client.DispatchError.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := s.Target(pr.Path)
	if err != nil {
		return nil, err
	}
	upstreamURL := resolver.WithQuery(target, pr.RawQuery)
	header := s.prepareHeader(pr)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", target.String(),
	)

	body := pr.Body
	if body == nil {
		body = http.NoBody
	}

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL.String(), header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", target.Host, err)
	}

	contentType := resp.Header.Get("Content-Type")
	transcode := s.cfg.Proxy.TranscodeHTML && rewrite.IsHTML(contentType) &&
		resp.Header.Get("Content-Encoding") == ""

	resp.Header = rewrite.Response(resp.Header)

	if transcode {
		if err := transcodeBody(resp, contentType); err != nil {
			return nil, fmt.Errorf("forward to %s: %w", target.Host, err)
		}
	}

	return resp, nil
}

// Upgrade forwards a protocol upgrade handshake. On success the Tunnel holds
// the raw upstream connection and the 101 response with upgrade-safe headers.
// If the upstream declines, Conn is nil and Response is an ordinary rewritten
// response.
func (s *ProxyService) Upgrade(pr *model.ProxyRequest) (*model.Tunnel, error) {
	target, err := s.Target(pr.Path)
	if err != nil {
		return nil, err
	}
	upstreamURL := resolver.WithQuery(target, pr.RawQuery)
	header := s.prepareUpgradeHeader(pr)

	s.logger.Debug("forwarding upgrade",
		"target", target.String(),
		"protocol", header.Get("Upgrade"),
	)

	tun, err := s.client.Upgrade(pr.Ctx, upstreamURL.String(), header)
	if err != nil {
		return nil, fmt.Errorf("upgrade to %s: %w", target.Host, err)
	}

	if tun.Conn == nil {
		tun.Response.Header = rewrite.Response(tun.Response.Header)
	} else {
		tun.Response.Header = rewrite.Upgrade(tun.Response.Header)
	}
	return tun, nil
}

func (s *ProxyService) prepareHeader(pr *model.ProxyRequest) http.Header {
	h := s.baseHeader(pr)
	for _, nh := range navigationHeaders {
		h.Set(nh.name, nh.value)
	}
	// Let the transport negotiate and decode compression so the body can be
	// transcoded.
	if s.cfg.Proxy.TranscodeHTML {
		h.Del("Accept-Encoding")
	}
	return h
}

func (s *ProxyService) prepareUpgradeHeader(pr *model.ProxyRequest) http.Header {
	protocol := pr.Header.Get("Upgrade")
	h := s.baseHeader(pr)
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", protocol)
	return h
}

// baseHeader copies the inbound headers without hop-by-hop headers or Host and
// adds X-Forwarded-* when enabled.
func (s *ProxyService) baseHeader(pr *model.ProxyRequest) http.Header {
	h := pr.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	rewrite.StripHopByHop(h)
	h.Del("Host")

	if s.cfg.Proxy.ForwardHeaders() {
		appendForwarded(h, pr)
	}
	return h
}

func appendForwarded(h http.Header, pr *model.ProxyRequest) {
	if ip := clientIP(pr.RemoteAddr); ip != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	if pr.Host != "" {
		h.Set("X-Forwarded-Host", pr.Host)
	}
	if pr.Scheme != "" {
		h.Set("X-Forwarded-Proto", pr.Scheme)
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// transcodeBody decodes an HTML body in its declared or sniffed charset into
// UTF-8. The length changes, so Content-Length is dropped.
func transcodeBody(resp *model.ProxyResponse, contentType string) error {
	r, err := charset.NewReader(resp.Body, contentType)
	if err != nil {
		_ = resp.Body.Close()
		return &client.DispatchError{Kind: client.KindProtocol, Err: fmt.Errorf("transcode html: %w", err)}
	}
	resp.Body = struct {
		io.Reader
		io.Closer
	}{r, resp.Body}
	resp.Header.Del("Content-Length")
	return nil
}
