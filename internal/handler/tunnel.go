package handler

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"voicenav-proxy/internal/model"
)

// tunnel completes a WebSocket handshake with the upstream and then relays raw
// bytes in both directions until either side closes.
func (h *ProxyHandler) tunnel(c echo.Context, pr *model.ProxyRequest) error {
	tun, err := h.service.Upgrade(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	if tun.Conn == nil {
		return h.stream(c, tun.Response)
	}
	upstream := tun.Conn
	defer func() { _ = upstream.Close() }()

	conn, brw, err := c.Response().Hijack()
	if err != nil {
		h.logger.Error("hijack client connection", "err", err, "path", c.Request().URL.Path)
		return h.writeProxyError(c)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Time{})

	res := c.Response()
	res.Status = tun.Response.StatusCode
	res.Committed = true

	if h.metrics != nil {
		h.metrics.TunnelsActive.Inc()
		defer h.metrics.TunnelsActive.Dec()
	}

	if _, err := fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\n", tun.Response.StatusCode, http.StatusText(tun.Response.StatusCode)); err != nil {
		return nil
	}
	if err := tun.Response.Header.Write(brw); err != nil {
		return nil
	}
	if _, err := brw.WriteString("\r\n"); err != nil {
		return nil
	}
	if err := brw.Flush(); err != nil {
		return nil
	}

	h.logger.Debug("tunnel open", "path", c.Request().URL.Path)

	// brw.Reader may already hold bytes the client sent after its handshake.
	done := make(chan struct{}, 2)
	relay := func(dst io.Writer, src io.Reader) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go relay(upstream, brw.Reader)
	go relay(conn, upstream)

	<-done
	_ = conn.Close()
	_ = upstream.Close()
	<-done

	h.logger.Debug("tunnel closed", "path", c.Request().URL.Path)
	return nil
}
