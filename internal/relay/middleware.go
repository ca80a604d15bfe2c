package relay

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	echo "github.com/labstack/echo/v4"
)

// Logging логирует HTTP запросы.
func Logging(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration", time.Since(start),
				"remote_addr", c.RealIP(),
			)
			return nil
		}
	}
}

// Recovery восстанавливается после паники.
func Recovery(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic recovered",
						"error", r,
						"stack", string(debug.Stack()),
						"path", c.Request().URL.Path,
					)
					err = errorJSON(c, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
				}
			}()

			return next(c)
		}
	}
}
