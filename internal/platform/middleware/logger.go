package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// probePaths are scraped constantly by the load balancer and Prometheus;
// they log at debug so billing traffic stays readable.
var probePaths = map[string]struct{}{
	"/health":    {},
	"/health/db": {},
	"/metrics":   {},
}

// Logger emits one structured line per request, tagged with the request id
// set by RequestID.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			path := req.URL.Path
			evt := logger.Info()
			if _, probe := probePaths[path]; probe && err == nil {
				evt = logger.Debug()
			}
			if err != nil {
				evt = logger.Error().Err(err)
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", path).
				Int("status", c.Response().Status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
