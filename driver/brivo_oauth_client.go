// ABOUTME: This file implements the OAuth2 driver for the Brivo platform
// ABOUTME: Handles code exchange, token refresh, and raw authenticated dispatch

package driver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"brivo-uploader/models"
)

// OAuth2 specific error types for better error handling
var (
	ErrInvalidAuthCode     = errors.New("authorization code is invalid, expired, or already consumed")
	ErrInvalidRefreshToken = errors.New("refresh token is invalid or expired")
	ErrTokenRevoked        = errors.New("refresh token has been revoked")
	ErrInvalidGrant        = errors.New("invalid grant type or parameters")
	ErrRateLimited         = errors.New("OAuth2 API rate limit exceeded")
	ErrTemporaryFailure    = errors.New("temporary OAuth2 service failure")
)

// OAuth2ErrorResponse represents an error response from the OAuth2 token endpoint.
type OAuth2ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// APIResponse carries the raw outcome of an authenticated resource request.
// Status handling, retries, and error translation happen above this layer.
type APIResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// BrivoOAuthClient talks to the Brivo authorization server and resource API.
type BrivoOAuthClient struct {
	clientID     string
	clientSecret string
	apiKey       string
	redirectURI  string
	authBaseURL  string // Authorization server base URL
	apiBaseURL   string // Resource API base URL
	basicAuth    string // Pre-computed Basic credentials for the token endpoint
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewBrivoOAuthClient creates a new OAuth2 client for the Brivo API.
// Empty base URLs select the production endpoints; tests inject their own.
func NewBrivoOAuthClient(clientID, clientSecret, apiKey, redirectURI, authBaseURL, apiBaseURL string, logger *slog.Logger) *BrivoOAuthClient {
	if logger == nil {
		logger = slog.Default()
	}
	if authBaseURL == "" {
		authBaseURL = "https://auth.brivo.com"
	}
	if apiBaseURL == "" {
		apiBaseURL = "https://api.brivo.com/v1/api"
	}

	return &BrivoOAuthClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		apiKey:       apiKey,
		redirectURI:  redirectURI,
		authBaseURL:  authBaseURL,
		apiBaseURL:   apiBaseURL,
		basicAuth:    base64.StdEncoding.EncodeToString([]byte(clientID + ":" + clientSecret)),
		logger:       logger,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   2,
			},
		},
	}
}

// AuthorizeURL builds the provider authorization URL the operator is sent to.
func (c *BrivoOAuthClient) AuthorizeURL(state string) string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {c.clientID},
	}
	if c.redirectURI != "" {
		q.Set("redirect_uri", c.redirectURI)
	}
	if state != "" {
		q.Set("state", state)
	}
	return c.authBaseURL + "/oauth/authorize?" + q.Encode()
}

// ExchangeCode exchanges an authorization code for the first token pair.
// The code is single-use on the server side, so callers must never retry
// this call automatically.
func (c *BrivoOAuthClient) ExchangeCode(ctx context.Context, code string) (*models.BrivoTokenResponse, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.redirectURI},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	response, err := c.postTokenEndpoint(ctx, data)
	if err != nil {
		return nil, c.mapTokenEndpointError(err, true)
	}

	c.logger.Info("OAuth2 code exchange successful",
		"expires_in_seconds", response.ExpiresIn,
		"has_refresh_token", response.RefreshToken != "")

	return response, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *BrivoOAuthClient) RefreshToken(ctx context.Context, refreshToken string) (*models.BrivoTokenResponse, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	response, err := c.postTokenEndpoint(ctx, data)
	if err != nil {
		return nil, c.mapTokenEndpointError(err, false)
	}

	c.logger.Info("OAuth2 refresh successful",
		"expires_in_seconds", response.ExpiresIn,
		"has_new_refresh_token", response.RefreshToken != "")

	return response, nil
}

// tokenEndpointError keeps the raw status and body of a failed token request
// so mapTokenEndpointError can classify it.
type tokenEndpointError struct {
	statusCode int
	body       []byte
}

func (e *tokenEndpointError) Error() string {
	return fmt.Sprintf("token endpoint returned status %d: %s", e.statusCode, string(e.body))
}

func (c *BrivoOAuthClient) postTokenEndpoint(ctx context.Context, data url.Values) (*models.BrivoTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBaseURL+"/oauth/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	req.Header.Set("Authorization", "Basic "+c.basicAuth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("User-Agent", "brivo-uploader/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemporaryFailure, err)
	}
	defer resp.Body.Close()

	// Check for HTTP errors FIRST before parsing JSON
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Error("OAuth2 token request failed",
			"status_code", resp.StatusCode,
			"response_body", string(body),
			"grant_type", data.Get("grant_type"))
		return nil, &tokenEndpointError{statusCode: resp.StatusCode, body: body}
	}

	var tokenResponse models.BrivoTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	return &tokenResponse, nil
}

// mapTokenEndpointError classifies a token endpoint failure into the driver's
// sentinel errors. isCodeExchange distinguishes a rejected authorization code
// from a rejected refresh token.
func (c *BrivoOAuthClient) mapTokenEndpointError(err error, isCodeExchange bool) error {
	var endpointErr *tokenEndpointError
	if !errors.As(err, &endpointErr) {
		return err
	}

	bodyStr := string(endpointErr.body)

	switch endpointErr.statusCode {
	case http.StatusUnauthorized:
		var oauthErr OAuth2ErrorResponse
		if jsonErr := json.Unmarshal(endpointErr.body, &oauthErr); jsonErr == nil && oauthErr.Error == "invalid_grant" {
			c.logger.Error("Grant rejected by authorization server",
				"oauth2_error", oauthErr.Error,
				"description", oauthErr.ErrorDescription)
			if isCodeExchange {
				return fmt.Errorf("%w: %s", ErrInvalidAuthCode, oauthErr.ErrorDescription)
			}
			return fmt.Errorf("%w: %s", ErrInvalidRefreshToken, oauthErr.ErrorDescription)
		}
		if isCodeExchange {
			return fmt.Errorf("%w: %s", ErrInvalidAuthCode, bodyStr)
		}
		return fmt.Errorf("%w: %s", ErrInvalidRefreshToken, bodyStr)

	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrTokenRevoked, bodyStr)

	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, bodyStr)

	case http.StatusBadRequest:
		var oauthErr OAuth2ErrorResponse
		if jsonErr := json.Unmarshal(endpointErr.body, &oauthErr); jsonErr == nil && oauthErr.Error != "" {
			if oauthErr.Error == "invalid_grant" {
				if isCodeExchange {
					return fmt.Errorf("%w: %s", ErrInvalidAuthCode, oauthErr.ErrorDescription)
				}
				return fmt.Errorf("%w: %s", ErrInvalidRefreshToken, oauthErr.ErrorDescription)
			}
			return fmt.Errorf("%w: %s - %s", ErrInvalidGrant, oauthErr.Error, oauthErr.ErrorDescription)
		}
		return fmt.Errorf("%w: %s", ErrInvalidGrant, bodyStr)

	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrTemporaryFailure, endpointErr.statusCode)

	default:
		return fmt.Errorf("OAuth2 token request failed with status %d: %s", endpointErr.statusCode, bodyStr)
	}
}

// Do executes one authenticated resource request and returns the raw outcome.
// Endpoint is a path relative to the API base URL. No retry logic lives here.
func (c *BrivoOAuthClient) Do(ctx context.Context, method, endpoint string, query url.Values, body []byte, accessToken string) (*APIResponse, error) {
	reqURL := c.apiBaseURL + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticated request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "brivo-uploader/1.0")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute authenticated request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("Authenticated request completed",
		"method", method,
		"endpoint", endpoint,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds())

	return &APIResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// SetHTTPClient allows injecting a custom HTTP client (useful for testing with proxies).
func (c *BrivoOAuthClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
