package handlers

import (
	"net/http"

	"github.com/damacus/datalab-buckets/internal/browser"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/labstack/echo/v4"
)

type EndpointsHandler struct {
	registry *browser.Registry
}

func NewEndpointsHandler(registry *browser.Registry) *EndpointsHandler {
	return &EndpointsHandler{registry: registry}
}

type endpointInfo struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	URL      string `json:"url"`
}

// ListEndpoints returns the configured endpoints without their secrets
func (h *EndpointsHandler) ListEndpoints(c echo.Context) error {
	if _, err := GetSession(c); err != nil {
		return err
	}
	out := []endpointInfo{}
	for _, ep := range h.registry.Endpoints() {
		provider := ep.Provider
		if provider == "" {
			provider = services.ProviderDataLab
		}
		out = append(out, endpointInfo{Name: ep.Name, Provider: provider, URL: ep.URL})
	}
	return c.JSON(http.StatusOK, out)
}

// EndpointStatus checks every endpoint with the user's credentials
func (h *EndpointsHandler) EndpointStatus(c echo.Context) error {
	sess, err := GetSession(c)
	if err != nil {
		return err
	}
	statuses := h.registry.Status(c.Request().Context(), sess.User, SessionTokens(sess))

	online := 0
	for _, st := range statuses {
		if st.Online {
			online++
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"endpoints": statuses,
		"online":    online,
		"total":     len(statuses),
	})
}
