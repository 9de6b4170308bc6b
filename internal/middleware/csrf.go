package middleware

import (
	"net/http"

	"github.com/damacus/datalab-buckets/internal/utils"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
)

const (
	CSRFHeader = "X-CSRF-Token"
	// CSRFCookie stays readable by scripts so clients can echo it back.
	CSRFCookie = "csrf"
)

// CSRF is a double-submit check for requests that ride on the session
// cookie. Safe methods receive the token cookie; unsafe ones must repeat
// it in CSRFHeader. Requests without a session cookie cannot act as a
// user and skip the check.
func CSRF() echo.MiddlewareFunc {
	return echoMiddleware.CSRFWithConfig(echoMiddleware.CSRFConfig{
		TokenLookup:    "header:" + CSRFHeader,
		CookieName:     CSRFCookie,
		CookiePath:     "/",
		CookieSameSite: http.SameSiteStrictMode,
		Skipper: func(c echo.Context) bool {
			if isSafeMethod(c.Request().Method) {
				return false
			}
			_, err := c.Cookie(utils.CookieName)
			return err != nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return echo.NewHTTPError(http.StatusForbidden, "Missing or invalid CSRF token")
		},
	})
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
