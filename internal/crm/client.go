// Package crm is the thin REST client over the remote auth+data backend. It
// maps every response onto the agent's error taxonomy: authentication
// failures, permanent validation rejections and everything-else-is-transient.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/leadminder/internal/leads"
	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

var errMissingBaseURL = errors.New("crm: base URL is required")

// Config describes a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks HTTP+JSON to the remote CRM backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// TokenResponse is the payload of both token-refresh and password-grant calls.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Refresh exchanges a refresh token for a new session. A 401/403 means the
// refresh token itself is dead and the user must log in again.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.postTokenForm(ctx, "refresh", form)
}

// PasswordLogin performs the password grant flow.
func (c *Client) PasswordLogin(ctx context.Context, username, password string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)
	return c.postTokenForm(ctx, "login", form)
}

func (c *Client) postTokenForm(ctx context.Context, op string, form url.Values) (TokenResponse, error) {
	endpoint := c.baseURL + "/auth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, &TransientError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, &TransientError{Op: op, Err: err}
	}
	defer c.closeBody(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return TokenResponse{}, fmt.Errorf("%w: %s returned status %d", ErrAuthExpired, op, resp.StatusCode)
	default:
		return TokenResponse{}, &TransientError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, readBodySnippet(resp.Body))}
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return TokenResponse{}, &TransientError{Op: op, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if token.AccessToken == "" {
		return TokenResponse{}, &TransientError{Op: op, Err: errors.New("token response missing access_token")}
	}
	return token, nil
}

// FetchLeads reads the full lead projection from the backend.
func (c *Client) FetchLeads(ctx context.Context, accessToken string) ([]leads.Snapshot, error) {
	const op = "fetch_leads"
	endpoint := c.baseURL + "/v1/leads"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer c.closeBody(resp)

	if err := c.classify(op, resp, false); err != nil {
		return nil, err
	}

	var snapshots []leads.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshots); err != nil {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("decode leads: %w", err)}
	}
	return snapshots, nil
}

// UpdateLead applies a partial mutation to one lead. The backend treats the
// mutation as idempotent on the lead id.
func (c *Client) UpdateLead(ctx context.Context, accessToken, leadID string, patch json.RawMessage) error {
	const op = "update_lead"
	endpoint := fmt.Sprintf("%s/v1/leads/%s", c.baseURL, url.PathEscape(leadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(patch))
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer c.closeBody(resp)

	return c.classify(op, resp, true)
}

// classify maps a response status onto the error taxonomy. Validation
// rejections only exist for mutations; reads treat 4xx as transient.
func (c *Client) classify(op string, resp *http.Response, mutation bool) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned status %d", ErrAuthExpired, op, resp.StatusCode)
	case mutation && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity):
		return &ValidationError{Op: op, StatusCode: resp.StatusCode, Message: readBodySnippet(resp.Body)}
	default:
		return &TransientError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, readBodySnippet(resp.Body))}
	}
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.Warn("closing response body failed", zap.Error(err))
	}
}

func readBodySnippet(body io.Reader) string {
	snippet, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(snippet))
}
