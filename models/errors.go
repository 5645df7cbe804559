// ABOUTME: This file defines the error taxonomy for remote API failures
// ABOUTME: Maps HTTP status codes and OAuth2 error payloads to typed error kinds

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a remote failure for callers above the client layer.
type ErrorKind string

const (
	KindAuthFailure       ErrorKind = "auth_failure"        // Code or refresh token invalid/revoked; re-authorization required
	KindTransientFailure  ErrorKind = "transient_failure"   // Network error or 5xx; retriable with backoff
	KindRateLimited       ErrorKind = "rate_limited"        // 429; retriable with backoff
	KindNotFound          ErrorKind = "not_found"           // 404
	KindPermissionDenied  ErrorKind = "permission_denied"   // 403
	KindMalformedResponse ErrorKind = "malformed_response"  // Unexpected payload shape; never retried
	KindConfiguration     ErrorKind = "configuration_error" // Missing credentials; fatal at startup
)

// APIError is the only error shape the client layer surfaces for remote
// failures. Raw transport errors never cross this boundary.
type APIError struct {
	HTTPStatus int       `json:"http_status"`
	Kind       ErrorKind `json:"kind"`
	Retriable  bool      `json:"retriable"`
	Message    string    `json:"message"`
}

func (e *APIError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("brivo api error [%d] %s: %s", e.HTTPStatus, e.Kind, e.Message)
	}
	return fmt.Sprintf("brivo api error %s: %s", e.Kind, e.Message)
}

// NewAPIError builds an APIError with retriability derived from the kind.
func NewAPIError(status int, kind ErrorKind, message string) *APIError {
	return &APIError{
		HTTPStatus: status,
		Kind:       kind,
		Retriable:  kind == KindTransientFailure || kind == KindRateLimited,
		Message:    message,
	}
}

// brivoErrorPayload covers the two shapes the Brivo API reports errors in:
// sometimes {"message": ...}, sometimes {"error": ..., "error_description": ...}.
type brivoErrorPayload struct {
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// APIErrorFromResponse translates a non-2xx remote response into the taxonomy.
func APIErrorFromResponse(status int, body []byte) *APIError {
	message := messageFromBody(body)
	return NewAPIError(status, KindFromStatus(status), message)
}

func messageFromBody(body []byte) string {
	var payload brivoErrorPayload
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			if payload.ErrorDescription != "" {
				return payload.Error + " - " + payload.ErrorDescription
			}
			return payload.Error
		}
	}
	if len(body) == 0 {
		return "empty error response"
	}
	return string(body)
}

// KindFromStatus maps an HTTP status code to an ErrorKind.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthFailure
	case status == http.StatusForbidden:
		return KindPermissionDenied
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindTransientFailure
	default:
		return KindMalformedResponse
	}
}

// IsRetriable reports whether err carries a retriable APIError.
func IsRetriable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retriable
	}
	return false
}

// IsAuthFailure reports whether err carries an authentication failure that
// requires re-authorization.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindAuthFailure
	}
	return false
}

// KindOf extracts the ErrorKind from err, or an empty kind when err does not
// carry an APIError.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
