// Package auth is the HTTP client for the login and register endpoints.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/asim/courier/session"
)

// Client talks to the auth API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type authResponse struct {
	Token   string `json:"token"`
	Role    string `json:"role"`
	Message string `json:"message"`
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, username, password, role string) (session.Session, error) {
	resp, err := c.post(ctx, "/login", credentials{Username: username, Password: password, Role: role})
	if err != nil {
		return session.Session{}, err
	}
	if resp.Token == "" {
		return session.Session{}, fmt.Errorf("login: server returned no token")
	}
	return session.Session{Token: resp.Token, Role: resp.Role}, nil
}

// Register creates an account. The caller logs in separately afterwards.
func (c *Client) Register(ctx context.Context, username, password, role string) error {
	_, err := c.post(ctx, "/register", credentials{Username: username, Password: password, Role: role})
	return err
}

func (c *Client) post(ctx context.Context, path string, creds credentials) (*authResponse, error) {
	if !session.ValidRole(creds.Role) {
		return nil, fmt.Errorf("invalid role %q", creds.Role)
	}

	body, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	// an empty body on success (register) is fine
	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF && resp.StatusCode < 300 {
		return nil, fmt.Errorf("auth response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return nil, fmt.Errorf("auth failed: %s", out.Message)
		}
		return nil, fmt.Errorf("auth failed: status %d", resp.StatusCode)
	}

	return &out, nil
}
