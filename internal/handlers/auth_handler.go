package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/damacus/datalab-buckets/internal/auth"
	"github.com/damacus/datalab-buckets/internal/browser"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// LoginClient exchanges credentials for tokens
type LoginClient interface {
	Login(ctx context.Context, username, password string) (auth.Tokens, error)
}

type AuthHandler struct {
	authService *services.AuthService
	login       LoginClient
	registry    *browser.Registry
	log         zerolog.Logger
}

func NewAuthHandler(authService *services.AuthService, login LoginClient, registry *browser.Registry, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		login:       login,
		registry:    registry,
		log:         log,
	}
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// Login checks the credentials with the auth service and seals the token
// pair into the session cookie
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid login request")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Username and password are required")
	}

	// 1. Validate Credentials with the auth service
	tokens, err := h.login.Login(c.Request().Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrUnauthorized) {
		return echo.NewHTTPError(http.StatusUnauthorized, "Authentication Failed: Invalid Credentials")
	}
	if err != nil {
		h.log.Error().Err(err).Str("user", req.Username).Msg("login failed")
		return echo.NewHTTPError(http.StatusBadGateway, "Authentication service unavailable")
	}

	user := tokens.Subject()
	if user == "" {
		user = req.Username
	}

	// 2. Seed the user's token gate so open sessions pick up the new pair
	h.registry.Gate(user, tokens)

	// 3. Set Cookie
	sess := services.Session{User: user, AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}
	if err := SetSessionCookie(c, h.authService, sess); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create session")
	}

	h.log.Info().Str("user", user).Msg("logged in")
	return c.JSON(http.StatusOK, map[string]string{"user": user})
}

// Logout clears the session and closes the user's bucket sessions
func (h *AuthHandler) Logout(c echo.Context) error {
	if cookie, err := c.Cookie(utils.CookieName); err == nil {
		if sess, err := h.authService.DecryptSession(cookie.Value); err == nil {
			h.registry.CloseUser(sess.User)
		}
	}
	ClearSessionCookie(c)
	return c.NoContent(http.StatusNoContent)
}

// Me returns the logged-in user and how long the access token remains valid
func (h *AuthHandler) Me(c echo.Context) error {
	sess, err := GetSession(c)
	if err != nil {
		return err
	}
	out := map[string]interface{}{"user": sess.User}
	tokens, ok := h.registry.Tokens(sess.User)
	if !ok {
		tokens = SessionTokens(sess)
	}
	if exp, ok := tokens.Expiry(); ok {
		out["expiresAt"] = exp
	}
	if lifetime := h.authService.Lifetime(); lifetime > 0 && !sess.IssuedAt.IsZero() {
		out["sessionExpiresAt"] = sess.IssuedAt.Add(lifetime)
	}
	return c.JSON(http.StatusOK, out)
}
