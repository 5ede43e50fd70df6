// Package middleware provides HTTP middleware components for the KPIFlow API.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// publicEndpoints defines public endpoints that bypass authentication.
// These endpoints are accessible without credentials (e.g., K8s health probes,
// monitoring tools).
//
// Security note: Only health check endpoints should be in this map.
// Never add business logic endpoints to this bypass list.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// This should only be called during route setup for health check endpoints.
//
// Example:
//
//	middleware.RegisterPublicEndpoint("/health")
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

type (
	// AuthError represents an authentication error with a specific type.
	AuthError struct {
		Type    error
		Message string
	}
)

// Authentication error types for granular error handling.
var (
	// ErrMissingCredential is returned when no credential is provided in headers.
	ErrMissingCredential = errors.New("missing ingest credential")

	// ErrInvalidCredential is returned for malformed, unknown, or mismatched
	// credentials. One generic error prevents client enumeration.
	ErrInvalidCredential = errors.New("invalid ingest credential")
)

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type, enabling standard errors.Is() and errors.As() behavior.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// extractCredential extracts the ingest credential from request headers.
// It checks the X-Ingest-Secret header first (primary), then falls back to
// Authorization: Bearer (secondary). The credential value is a
// "clientID:secret" pair.
//
// Returns (credential, true) if found and clean, ("", false) otherwise.
//
// Security considerations:
// - Rejects values containing newlines (header injection prevention)
// - Trims whitespace
// - Case-sensitive "Bearer " prefix check
// - X-Ingest-Secret takes precedence over Authorization header.
func extractCredential(r *http.Request) (string, bool) {
	if cred := r.Header.Get("X-Ingest-Secret"); cred != "" {
		return validateCredentialValue(cred)
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")

			return validateCredentialValue(token)
		}
	}

	return "", false
}

// validateCredentialValue cleans a raw header value.
// Returns (cleanedValue, true) if usable, ("", false) otherwise.
//
// Validation rules:
// - Rejects values containing newlines (\r or \n) for header injection prevention
// - Trims leading/trailing whitespace
// - Rejects empty values after trimming.
func validateCredentialValue(value string) (string, bool) {
	if strings.ContainsAny(value, "\r\n") {
		return "", false
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}

	return value, true
}

// authenticateClient validates a "clientID:secret" credential against the
// registry and returns the authenticated client ID.
//
// Security considerations:
// - Timing attack prevention: failure paths burn a dummy bcrypt comparison
// - Constant-time comparison for plaintext secrets, bcrypt for hashed ones
// - Generic error messages to prevent client enumeration
//
// All authentication failures are logged at ERROR level with a failure_type
// field for filtering and aggregation.
func authenticateClient(
	ctx context.Context,
	registry *SecretRegistry,
	cred string,
	logger *slog.Logger,
) (string, error) {
	clientID, secret, err := splitCredential(cred)
	if err != nil {
		performDummyBcryptComparison()

		logger.Error("authentication failed: malformed credential",
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "format_validation"),
		)

		return "", &AuthError{
			Type:    ErrInvalidCredential,
			Message: "Invalid or missing ingest credential",
		}
	}

	if _, err := ParseSecret(secret); err != nil {
		performDummyBcryptComparison()

		logger.Error("authentication failed: invalid secret format",
			slog.String("client_id", clientID),
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "format_validation"),
		)

		return "", &AuthError{
			Type:    ErrInvalidCredential,
			Message: "Invalid or missing ingest credential",
		}
	}

	if !registry.Verify(clientID, secret) {
		logger.Error("authentication failed: secret mismatch or unknown client",
			slog.String("client_id", clientID),
			slog.String("secret", MaskSecret(secret)),
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "verification"),
		)

		return "", &AuthError{
			Type:    ErrInvalidCredential,
			Message: "Invalid or missing ingest credential",
		}
	}

	return clientID, nil
}

// AuthenticateClient creates an authentication middleware that validates
// ingest credentials and enriches the request context with client information.
//
// The middleware:
// - Extracts credentials from X-Ingest-Secret (primary) or Authorization: Bearer (fallback)
// - Validates the "clientID:secret" pair against the registry
// - Enriches the request context with ClientContext
// - Returns RFC 7807 compliant error responses on failure
//
// Example usage:
//
//	registry, _ := middleware.LoadSecretRegistry()
//	handler = middleware.AuthenticateClient(registry, logger)(handler)
func AuthenticateClient(registry *SecretRegistry, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Public endpoints bypass authentication
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			cred, found := extractCredential(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{
					Type:    ErrMissingCredential,
					Message: "Missing ingest credential",
				})

				return
			}

			clientID, err := authenticateClient(r.Context(), registry, cred, logger)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			clientCtx := ClientContext{
				ClientID: clientID,
				AuthTime: time.Now(),
			}
			ctx := SetClientContext(r.Context(), clientCtx)

			logger.Info("Ingest client authenticated",
				slog.String("client_id", clientID),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError writes an RFC 7807 compliant error response for authentication failures.
// It maps authentication errors to appropriate HTTP status codes and logs the failure.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	statusCode := http.StatusUnauthorized

	var authErr *AuthError
	if errors.As(err, &authErr) {
		switch {
		case errors.Is(authErr.Type, ErrMissingCredential):
			statusCode = http.StatusUnauthorized
		case errors.Is(authErr.Type, ErrInvalidCredential):
			statusCode = http.StatusUnauthorized
		default:
			statusCode = http.StatusUnauthorized
		}
	}

	// Log authentication failure (no sensitive data)
	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	detail := err.Error()
	if err := writeRFC7807Error(w, r, statusCode, detail, correlationID); err != nil {
		logger.Error("failed to write response with RFC 7807 error format",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("detail", detail),
			slog.Any("error", err),
		)

		// Fallback to plain text if writeRFC7807Error fails
		http.Error(w, detail, statusCode)
	}
}

// writeRFC7807Error writes an RFC 7807 compliant error response without importing the api package.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
) error {
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = "Authentication Failed"
	}

	problem := map[string]interface{}{
		"type":          fmt.Sprintf("https://kpiflow.io/problems/%d", statusCode),
		"title":         title,
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
