// Package rewrite turns upstream response headers into headers that let the
// embedding frame display and read the proxied page.
package rewrite

import (
	"net/http"
	"strconv"
	"strings"
)

// PermissiveCSP replaces whatever policy the upstream declared.
const PermissiveCSP = "default-src 'self' 'unsafe-inline' 'unsafe-eval' data: blob: *"

// HTMLContentType is forced on every HTML response.
const HTMLContentType = "text/html;charset=utf-8"

// CORS allow-lists shared by proxied responses and the preflight handler.
var (
	AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	AllowHeaders = []string{"Content-Type", "Authorization", "Accept", "X-Requested-With"}
)

// MaxAgeSeconds is the preflight cache lifetime advertised to browsers.
const MaxAgeSeconds = 86400

// blockedHeaders prevent framing or restrict what the embedded page may load.
var blockedHeaders = []string{
	"X-Frame-Options",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Content-Security-Policy",
	"X-WebKit-CSP",
}

// hopByHopHeaders describe the upstream connection, not the payload.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Response returns a rewritten copy of upstream response headers. It never
// modifies h.
func Response(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}

	StripHopByHop(out)
	for _, name := range blockedHeaders {
		out.Del(name)
	}

	out.Set("Content-Security-Policy", PermissiveCSP)
	setCORS(out)
	out.Set("X-Content-Type-Options", "nosniff")
	out.Set("X-XSS-Protection", "1; mode=block")

	if IsHTML(out.Get("Content-Type")) {
		out.Set("Content-Type", HTMLContentType)
	}

	return out
}

// Upgrade rewrites the headers of a 101 handshake response. Connection and
// Upgrade must survive for the client to accept the switch.
func Upgrade(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, name := range blockedHeaders {
		out.Del(name)
	}
	out.Set("Access-Control-Allow-Origin", "*")
	return out
}

// ErrorHeaders sets the headers carried by proxy error responses so the error
// page stays visible inside the frame.
func ErrorHeaders(h http.Header) {
	for _, name := range blockedHeaders {
		h.Del(name)
	}
	h.Set("Content-Type", "text/plain")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Content-Security-Policy", PermissiveCSP)
}

// StripHopByHop removes hop-by-hop headers, including any named in Connection.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// IsHTML reports whether a Content-Type value names an HTML document.
func IsHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", strings.Join(AllowMethods, ", "))
	h.Set("Access-Control-Allow-Headers", strings.Join(AllowHeaders, ", "))
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Max-Age", strconv.Itoa(MaxAgeSeconds))
}
