package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/example/taskhub/internal/auth"
	"github.com/example/taskhub/internal/policy"
	"github.com/example/taskhub/internal/store"
	"github.com/example/taskhub/internal/token"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeDomainError translates a domain error into an HTTP response. All
// recoverable errors of the core map to 4xx; store timeouts map to 503 so
// clients can tell a transient failure from an authorization verdict.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusConflict, "EMAIL_TAKEN", "Email is already registered")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
	case errors.Is(err, token.ErrExpired):
		writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Credential has expired")
	case errors.Is(err, token.ErrInvalidSignature), errors.Is(err, token.ErrWrongKind),
		errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid credential")
	case errors.Is(err, store.ErrSessionRevoked):
		// Distinguishable from ordinary expiry in logs; to the client it is
		// just an invalid refresh token.
		log.Printf("security: rotation attempted with revoked token")
		writeError(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "Refresh token is no longer valid")
	case errors.Is(err, store.ErrUnknownToken), errors.Is(err, store.ErrSubjectMismatch):
		writeError(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "Refresh token is no longer valid")
	case errors.Is(err, policy.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "You do not have access to this resource")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "STORE_TIMEOUT", "Storage did not respond in time")
	case errors.Is(err, store.ErrAllocationConflict):
		log.Printf("allocation retries exhausted: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not allocate resource number")
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}
