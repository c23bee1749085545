// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents an inbound request addressed to the proxy mount.
// Path is the escaped request path including the mount prefix; it is the only
// field that determines the upstream target.
type ProxyRequest struct {
	Ctx        context.Context
	Method     string
	Path       string
	RawQuery   string
	Header     http.Header
	Body       io.ReadCloser
	RemoteAddr string
	Scheme     string
	Host       string
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Tunnel is an upgraded upstream connection together with the handshake
// response that accepted it.
type Tunnel struct {
	Response *ProxyResponse
	Conn     io.ReadWriteCloser
}
