package middleware

import (
	"github.com/labstack/echo/v4"

	"voicenav-proxy/internal/rewrite"
)

// SecurityHeaders returns an Echo middleware that sets baseline response
// headers before the handler runs. Proxied responses replace them with the
// rewritten upstream headers.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Content-Security-Policy", rewrite.PermissiveCSP)
			return next(c)
		}
	}
}
