package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"voicenav-proxy/internal/rewrite"
)

// CORS answers preflight requests for every path with the same allow-lists
// that proxied responses carry.
func CORS() echo.MiddlewareFunc {
	cors := echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     rewrite.AllowMethods,
		AllowHeaders:     rewrite.AllowHeaders,
		AllowCredentials: true,
		// The embedding frame is served from another origin and sends cookies.
		UnsafeWildcardOriginWithAllowCredentials: true,
		MaxAge: rewrite.MaxAgeSeconds,
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		withCORS := cors(next)
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodOptions || req.Header.Get(echo.HeaderOrigin) != "" {
				return withCORS(c)
			}

			// echo answers an OPTIONS without Origin with a bare 204.
			h := c.Response().Header()
			h.Add(echo.HeaderVary, echo.HeaderOrigin)
			h.Set(echo.HeaderAccessControlAllowMethods, strings.Join(rewrite.AllowMethods, ","))
			h.Set(echo.HeaderAccessControlAllowHeaders, strings.Join(rewrite.AllowHeaders, ","))
			h.Set(echo.HeaderAccessControlAllowCredentials, "true")
			h.Set(echo.HeaderAccessControlMaxAge, strconv.Itoa(rewrite.MaxAgeSeconds))
			return c.NoContent(http.StatusNoContent)
		}
	}
}
