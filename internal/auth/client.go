package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var ErrUnauthorized = errors.New("invalid credentials")

// Client talks to the DataLab auth service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        zerolog.Logger
}

func NewClient(baseURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		log:        log.With().Str("component", "auth-client").Logger(),
	}
}

// Login exchanges user credentials for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (Tokens, error) {
	return c.post(ctx, "/login", map[string]string{
		"username": username,
		"password": password,
	})
}

// Refresh implements Refresher.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	if refreshToken == "" {
		return Tokens{}, ErrNoTokens
	}
	return c.post(ctx, "/refresh", map[string]string{"refresh_token": refreshToken})
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (Tokens, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Tokens{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("auth request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Tokens{}, fmt.Errorf("read auth response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Tokens{}, ErrUnauthorized
	case resp.StatusCode >= 300:
		msg := firstString(data, "message", "error", "detail")
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Tokens{}, fmt.Errorf("auth %s: %d %s", path, resp.StatusCode, msg)
	}

	t := Tokens{
		AccessToken:  firstString(data, "access_token", "accessToken", "data.access_token"),
		RefreshToken: firstString(data, "refresh_token", "refreshToken", "data.refresh_token"),
	}
	if t.Empty() {
		return Tokens{}, fmt.Errorf("auth %s: response carries no access token", path)
	}
	return t, nil
}

func firstString(data []byte, paths ...string) string {
	for _, p := range paths {
		if v := gjson.GetBytes(data, p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
