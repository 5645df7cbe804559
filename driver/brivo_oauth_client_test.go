// ABOUTME: Tests for the Brivo OAuth2 driver against fake token and API servers
// ABOUTME: Covers grant error mapping, request headers, and raw dispatch

package driver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *BrivoOAuthClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewBrivoOAuthClient(
		"client-id", "client-secret", "api-key-123",
		"https://example.com/callback",
		server.URL, server.URL, nil,
	)
}

func TestExchangeCode_Success(t *testing.T) {
	var gotAuth, gotAPIKey, gotGrantType, gotCode string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("api-key")
		gotGrantType = r.PostForm.Get("grant_type")
		gotCode = r.PostForm.Get("code")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","token_type":"Bearer","expires_in":3600,"refresh_token":"new-refresh"}`))
	})

	response, err := client.ExchangeCode(context.Background(), "auth-code-1")

	require.NoError(t, err)
	assert.Equal(t, "new-access", response.AccessToken)
	assert.Equal(t, "new-refresh", response.RefreshToken)
	assert.Equal(t, 3600, response.ExpiresIn)
	assert.Contains(t, gotAuth, "Basic ")
	assert.Equal(t, "api-key-123", gotAPIKey)
	assert.Equal(t, "authorization_code", gotGrantType)
	assert.Equal(t, "auth-code-1", gotCode)
}

func TestExchangeCode_InvalidGrantMapsToInvalidAuthCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"code already consumed"}`))
	})

	_, err := client.ExchangeCode(context.Background(), "stale-code")

	assert.ErrorIs(t, err, ErrInvalidAuthCode)
}

func TestRefreshToken_Success(t *testing.T) {
	var gotGrantType, gotRefreshToken string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotGrantType = r.PostForm.Get("grant_type")
		gotRefreshToken = r.PostForm.Get("refresh_token")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"refreshed-access","token_type":"Bearer","expires_in":3600}`))
	})

	response, err := client.RefreshToken(context.Background(), "refresh-1")

	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", response.AccessToken)
	assert.Empty(t, response.RefreshToken)
	assert.Equal(t, "refresh_token", gotGrantType)
	assert.Equal(t, "refresh-1", gotRefreshToken)
}

func TestRefreshToken_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"401 invalid_grant", http.StatusUnauthorized, `{"error":"invalid_grant","error_description":"expired"}`, ErrInvalidRefreshToken},
		{"401 opaque", http.StatusUnauthorized, `unauthorized`, ErrInvalidRefreshToken},
		{"400 invalid_grant", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"revoked"}`, ErrInvalidRefreshToken},
		{"400 other oauth error", http.StatusBadRequest, `{"error":"unsupported_grant_type"}`, ErrInvalidGrant},
		{"403 revoked", http.StatusForbidden, `forbidden`, ErrTokenRevoked},
		{"429 rate limited", http.StatusTooManyRequests, `slow down`, ErrRateLimited},
		{"503 temporary", http.StatusServiceUnavailable, `maintenance`, ErrTemporaryFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.RefreshToken(context.Background(), "refresh-1")

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAuthorizeURL_CarriesClientAndState(t *testing.T) {
	client := NewBrivoOAuthClient(
		"client-id", "client-secret", "api-key-123",
		"https://example.com/callback", "https://auth.example.com", "", nil,
	)

	rawURL := client.AuthorizeURL("state-abc")

	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	assert.Equal(t, "/oauth/authorize", parsed.Path)
	assert.Equal(t, "code", parsed.Query().Get("response_type"))
	assert.Equal(t, "client-id", parsed.Query().Get("client_id"))
	assert.Equal(t, "https://example.com/callback", parsed.Query().Get("redirect_uri"))
	assert.Equal(t, "state-abc", parsed.Query().Get("state"))
}

func TestDo_SendsBearerAndAPIKey(t *testing.T) {
	var gotAuth, gotAPIKey, gotPath, gotFilter string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("api-key")
		gotPath = r.URL.Path
		gotFilter = r.URL.Query().Get("filter")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":[]}`))
	})

	resp, err := client.Do(context.Background(), http.MethodGet, "/users",
		url.Values{"filter": {"cf_1__eq:42"}}, nil, "access-token-1")

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer access-token-1", gotAuth)
	assert.Equal(t, "api-key-123", gotAPIKey)
	assert.Equal(t, "/users", gotPath)
	assert.Equal(t, "cf_1__eq:42", gotFilter)
	assert.JSONEq(t, `{"data":[]}`, string(resp.Body))
}

func TestDo_ReturnsErrorStatusWithoutMapping(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"no such user"}`))
	})

	resp, err := client.Do(context.Background(), http.MethodGet, "/users/99", nil, nil, "access")

	// Status handling lives above the driver.
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
