package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"voicenav-proxy/internal/rewrite"
)

func TestSecurityHeaders_AddsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
	if v := rec.Header().Get("Content-Security-Policy"); v != rewrite.PermissiveCSP {
		t.Errorf("Content-Security-Policy = %q, want %q", v, rewrite.PermissiveCSP)
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "" {
		t.Errorf("X-Frame-Options = %q, want empty so responses stay frameable", v)
	}
}

func TestSecurityHeaders_HandlerOverrides(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/test", func(c echo.Context) error {
		c.Response().Header().Set("Content-Security-Policy", "default-src *")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Values("Content-Security-Policy"); len(v) != 1 || v[0] != "default-src *" {
		t.Errorf("Content-Security-Policy = %q, want single handler value", v)
	}
}

func TestSecurityHeaders_KeepsUpgradeRequestHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())

	var gotUpgrade string
	e.GET("/test", func(c echo.Context) error {
		gotUpgrade = c.Request().Header.Get("Upgrade")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotUpgrade != "websocket" {
		t.Errorf("Upgrade = %q, want %q", gotUpgrade, "websocket")
	}
}
