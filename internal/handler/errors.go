package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorHandler is the process-wide fallback for errors that no handler turned
// into a response: router misses, middleware rejections and recovered panics.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg := http.StatusText(he.Code)
			switch m := he.Message.(type) {
			case nil:
			case string:
				if m != "" {
					msg = m
				}
			default:
				msg = fmt.Sprint(m)
			}
			if c.Request().Method == http.MethodHead {
				_ = c.NoContent(he.Code)
				return
			}
			_ = c.JSON(he.Code, map[string]string{"error": msg})
			return
		}

		logger.Error("unhandled error",
			"err", err,
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
		)
		_ = c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "Internal Server Error",
			"message": err.Error(),
		})
	}
}
