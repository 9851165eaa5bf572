package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets the response headers for a JSON-only API whose
// payloads are per-member bills and spend balances. Responses are never
// cacheable and never embeddable.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "0")

			// No resource loading, no framing: nothing here renders in a
			// browser.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			// Bill amounts and accumulator balances must not land in shared
			// caches.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
