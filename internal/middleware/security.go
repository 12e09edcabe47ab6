package middleware

import (
	"github.com/labstack/echo/v4"

	"wms-proxy-go/internal/service"
)

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the inbound request and adds security headers to the response. The
// response headers are set before the handler runs because streamed replies
// commit headers on the first write.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			service.RemoveHopByHop(c.Request().Header)

			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
