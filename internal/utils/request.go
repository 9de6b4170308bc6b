package utils

import (
	"net/http"
	"strings"
)

// IsSecureRequest reports whether the client reached us over HTTPS,
// directly or through a TLS-terminating proxy.
func IsSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
