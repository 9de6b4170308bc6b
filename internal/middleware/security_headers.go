package middleware

import (
	"strings"

	"github.com/damacus/datalab-buckets/internal/utils"
	"github.com/labstack/echo/v4"
)

// baseHeaders go on every response. The service answers JSON and file
// downloads only, so no content may load or frame it.
var baseHeaders = [][2]string{
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"},
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
}

const hsts = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets baseHeaders, forbids caching of API and login
// responses (they carry bucket contents and tokens) and adds HSTS on HTTPS.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range baseHeaders {
				h.Set(kv[0], kv[1])
			}

			path := c.Request().URL.Path
			if strings.HasPrefix(path, "/api/") || path == "/login" {
				h.Set("Cache-Control", "no-store")
			}
			if utils.IsSecureRequest(c.Request()) {
				h.Set("Strict-Transport-Security", hsts)
			}
			return next(c)
		}
	}
}
