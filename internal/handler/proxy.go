package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"voicenav-proxy/internal/client"
	"voicenav-proxy/internal/metrics"
	"voicenav-proxy/internal/model"
	"voicenav-proxy/internal/resolver"
	"voicenav-proxy/internal/rewrite"
	"voicenav-proxy/internal/service"
)

// Bodies of the two plain-text error responses the proxy route produces.
const (
	proxyErrorBody = "Proxy Error"
	badRequestBody = "Bad Request"
)

// ProxyHandler forwards requests under the mount prefix to the upstream they
// address and streams the response back.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle proxies the request, or tunnels it when it asks for a WebSocket
// upgrade. Every failure ends in a response on this connection; nothing is
// propagated to other requests.
func (h *ProxyHandler) Handle(c echo.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("proxy panic",
				"panic", r,
				"path", c.Request().URL.Path,
			)
			err = h.writeProxyError(c)
		}
	}()

	pr := newProxyRequest(c)

	if c.IsWebSocket() {
		return h.tunnel(c, pr)
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	return h.stream(c, resp)
}

func newProxyRequest(c echo.Context) *model.ProxyRequest {
	req := c.Request()
	return &model.ProxyRequest{
		Ctx:        req.Context(),
		Method:     req.Method,
		Path:       req.URL.EscapedPath(),
		RawQuery:   req.URL.RawQuery,
		Header:     req.Header,
		Body:       req.Body,
		RemoteAddr: req.RemoteAddr,
		Scheme:     c.Scheme(),
		Host:       req.Host,
	}
}

// stream writes the rewritten upstream status and headers, then copies the
// body with a flush after every chunk.
func (h *ProxyHandler) stream(c echo.Context, resp *model.ProxyResponse) error {
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	for key, vals := range resp.Header {
		res.Header()[key] = vals
	}
	res.WriteHeader(resp.StatusCode)
	res.Flush()

	// Once the status is sent a failed copy can only truncate the body.
	if _, err := io.Copy(flushWriter{res}, resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, resolver.ErrResolution) {
		h.logger.Info("unresolvable proxy path", "err", err, "path", path)
		rewrite.ErrorHeaders(c.Response().Header())
		return c.Blob(http.StatusBadRequest, "text/plain", []byte(badRequestBody))
	}

	kind := client.KindOf(err)
	if kind == client.KindCanceled {
		h.logger.Info("client went away", "err", err, "path", path)
	} else {
		h.logger.Error("proxy error", "err", err, "kind", string(kind), "path", path)
	}

	return h.writeProxyError(c)
}

// writeProxyError sends the uniform 500 response, unless the upstream status
// has already gone out.
func (h *ProxyHandler) writeProxyError(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	rewrite.ErrorHeaders(c.Response().Header())
	return c.Blob(http.StatusInternalServerError, "text/plain", []byte(proxyErrorBody))
}

type flushWriter struct {
	res *echo.Response
}

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.res.Write(p)
	if err == nil {
		w.res.Flush()
	}
	return n, err
}
