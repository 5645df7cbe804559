// ABOUTME: This file implements the HTTP endpoints for the authorization flow
// ABOUTME: Covers login redirect, callback code exchange, logout, and token status

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"brivo-uploader/driver"
	"brivo-uploader/models"
	"brivo-uploader/service"
)

// OAuthExchanger issues authorize URLs and swaps callback codes for tokens.
type OAuthExchanger interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*models.BrivoTokenResponse, error)
}

// TokenAdmitter is the slice of the lifecycle service the auth flow drives.
type TokenAdmitter interface {
	AdmitToken(ctx context.Context, response *models.BrivoTokenResponse) (*models.OAuth2Token, error)
	Clear(ctx context.Context) error
	Status(ctx context.Context) service.TokenStatus
}

// StateSigner issues and verifies the state parameter for the redirect.
type StateSigner interface {
	Issue() (string, error)
	Verify(state string) error
}

// AuthHandler serves the 3-legged authorization endpoints.
type AuthHandler struct {
	exchanger OAuthExchanger
	lifecycle TokenAdmitter
	state     StateSigner
	logger    *slog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(exchanger OAuthExchanger, lifecycle TokenAdmitter, state StateSigner, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &AuthHandler{
		exchanger: exchanger,
		lifecycle: lifecycle,
		state:     state,
		logger:    logger,
	}
}

// Register wires the auth endpoints into the mux.
func (h *AuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/login", h.HandleLogin)
	mux.HandleFunc("GET /auth/callback", h.HandleCallback)
	mux.HandleFunc("POST /auth/logout", h.HandleLogout)
	mux.HandleFunc("GET /auth/status", h.HandleStatus)
}

// loginResponse carries the URL the operator must visit to authorize.
type loginResponse struct {
	AuthorizeURL string    `json:"authorize_url"`
	Timestamp    time.Time `json:"timestamp"`
}

// HandleLogin returns the Brivo authorize URL with a signed state parameter.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := h.state.Issue()
	if err != nil {
		h.logger.Error("Failed to issue OAuth state", "error", err)
		respondWithError(w, http.StatusInternalServerError, "STATE_ISSUE_FAILED", "failed to start authorization")
		return
	}

	respondWithJSON(w, http.StatusOK, loginResponse{
		AuthorizeURL: h.exchanger.AuthorizeURL(state),
		Timestamp:    time.Now(),
	})
}

// HandleCallback completes the authorization flow: verifies state, exchanges
// the code, and admits the resulting token pair.
func (h *AuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		h.logger.Warn("Authorization denied at provider",
			"error", errCode,
			"description", query.Get("error_description"))
		respondWithError(w, http.StatusBadRequest, "AUTHORIZATION_DENIED", errCode)
		return
	}

	if err := h.state.Verify(query.Get("state")); err != nil {
		h.logger.Warn("Rejected callback with bad state")
		respondWithError(w, http.StatusBadRequest, "INVALID_STATE", "invalid or expired state parameter")
		return
	}

	code := query.Get("code")
	if code == "" {
		respondWithError(w, http.StatusBadRequest, "MISSING_CODE", "authorization code is required")
		return
	}

	response, err := h.exchanger.ExchangeCode(r.Context(), code)
	if err != nil {
		// A rejected code means the login must restart; only token-endpoint
		// outages are the gateway's fault.
		if errors.Is(err, driver.ErrInvalidAuthCode) {
			h.logger.Warn("Authorization code rejected", "error", err)
			respondWithError(w, http.StatusBadRequest, "INVALID_AUTHORIZATION_CODE",
				"authorization code is invalid or already used; restart the login flow")
			return
		}
		h.logger.Error("Authorization code exchange failed", "error", err)
		respondWithError(w, http.StatusBadGateway, "CODE_EXCHANGE_FAILED", "failed to exchange authorization code")
		return
	}

	token, err := h.lifecycle.AdmitToken(r.Context(), response)
	if err != nil {
		h.logger.Error("Failed to admit exchanged token", "error", err)
		respondWithError(w, http.StatusInternalServerError, "TOKEN_ADMIT_FAILED", "failed to store token")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":     "authorized",
		"expires_at": token.ExpiresAt,
		"scope":      token.Scope,
		"timestamp":  time.Now(),
	})
}

// HandleLogout drops the stored token pair.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.Clear(r.Context()); err != nil {
		h.logger.Error("Failed to clear token", "error", err)
		respondWithError(w, http.StatusInternalServerError, "LOGOUT_FAILED", "failed to clear stored token")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":    "logged_out",
		"timestamp": time.Now(),
	})
}

// HandleStatus reports the token lifecycle state for monitoring.
func (h *AuthHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.lifecycle.Status(r.Context()))
}

// errorResponse is the shared error payload shape.
type errorResponse struct {
	Status    string    `json:"status"`
	ErrorCode string    `json:"error_code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func respondWithError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	respondWithJSON(w, statusCode, errorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}

// statusForAPIError maps the error taxonomy onto an HTTP status for clients
// of this service.
func statusForAPIError(err error) (int, string) {
	var apiErr *models.APIError
	if !errors.As(err, &apiErr) {
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}

	switch apiErr.Kind {
	case models.KindAuthFailure:
		return http.StatusUnauthorized, "AUTH_FAILURE"
	case models.KindPermissionDenied:
		return http.StatusForbidden, "PERMISSION_DENIED"
	case models.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case models.KindRateLimited:
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case models.KindTransientFailure:
		return http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"
	case models.KindConfiguration:
		return http.StatusInternalServerError, "CONFIGURATION_ERROR"
	default:
		return http.StatusBadGateway, "MALFORMED_UPSTREAM_RESPONSE"
	}
}
