// Package middleware provides HTTP middleware components for the KPIFlow API.
package middleware

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/kpiflow-io/kpiflow/internal/config"
)

const (
	// Ingest secret format constants.
	secretRandomBytes = 32
	secretPrefix      = "kpiflow_sk_"
	secretLength      = len(secretPrefix) + 2*secretRandomBytes // 75
	maskPrefixLen     = 15                                      // Show "kpiflow_sk_1234"
	maskSuffixLen     = 4                                       // Show last 4 chars

	// bcryptCost defines the computational cost for hashed secrets.
	// Cost 10 = ~60ms per comparison, slow on purpose.
	bcryptCost  = 10
	bcryptLimit = 72

	// credentialSeparator splits "clientID:secret" pairs in headers and env.
	credentialSeparator = ":"

	// EnvIngestSecrets holds plaintext credentials: "client-a:kpiflow_sk_...,client-b:...".
	EnvIngestSecrets = "KPIFLOW_INGEST_SECRETS"

	// EnvIngestSecretHashes holds bcrypt-hashed credentials: "client-c:$2a$10$...".
	EnvIngestSecretHashes = "KPIFLOW_INGEST_SECRET_HASHES" // pragma: allowlist secret
)

// Sentinel errors for ingest secret handling.
var (
	// ErrClientIDEmpty is returned when a credential lists no client ID.
	ErrClientIDEmpty = errors.New("client ID cannot be empty")

	// ErrSecretEmpty is returned when a secret value is empty.
	ErrSecretEmpty = errors.New("secret cannot be empty")

	// ErrInvalidSecretFormat is returned when a secret doesn't carry the kpiflow_sk_ prefix.
	ErrInvalidSecretFormat = errors.New("invalid secret format")

	// ErrInvalidSecretLength is returned when a secret has the wrong length.
	ErrInvalidSecretLength = errors.New("invalid secret length")

	// ErrInvalidHashFormat is returned when a stored hash is not a bcrypt hash.
	ErrInvalidHashFormat = errors.New("invalid secret hash format")

	// ErrMalformedCredential is returned when a "clientID:secret" pair cannot be split.
	ErrMalformedCredential = errors.New("malformed credential")
)

// credential is one registered client secret, either plaintext or bcrypt-hashed.
type credential struct {
	plain string
	hash  string
}

// SecretRegistry holds the ingest credentials the server accepts. The
// registry is built once at startup from environment variables and never
// mutated afterwards, so lookups need no locking.
type SecretRegistry struct {
	clients map[string]credential
}

// NewSecretRegistry creates an empty registry.
func NewSecretRegistry() *SecretRegistry {
	return &SecretRegistry{clients: make(map[string]credential)}
}

// LoadSecretRegistry builds a registry from environment variables:
//
//   - KPIFLOW_INGEST_SECRETS: comma-separated "clientID:secret" pairs with
//     plaintext secrets in the standard kpiflow_sk_ format
//   - KPIFLOW_INGEST_SECRET_HASHES: comma-separated "clientID:hash" pairs
//     with bcrypt hashes, for deployments that keep plaintext out of env
//
// Returns an empty registry when neither variable is set; the server treats
// an empty registry as authentication disabled.
func LoadSecretRegistry() (*SecretRegistry, error) {
	registry := NewSecretRegistry()

	for _, pair := range config.ParseCommaSeparatedList(config.GetEnvStr(EnvIngestSecrets, "")) {
		clientID, secret, err := splitCredential(pair)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvIngestSecrets, err)
		}

		if err := registry.AddPlain(clientID, secret); err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvIngestSecrets, err)
		}
	}

	for _, pair := range config.ParseCommaSeparatedList(config.GetEnvStr(EnvIngestSecretHashes, "")) {
		clientID, hash, err := splitCredential(pair)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvIngestSecretHashes, err)
		}

		if err := registry.AddHashed(clientID, hash); err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvIngestSecretHashes, err)
		}
	}

	return registry, nil
}

// AddPlain registers a plaintext secret for a client.
func (r *SecretRegistry) AddPlain(clientID, secret string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}

	if _, err := ParseSecret(secret); err != nil {
		return fmt.Errorf("client %s: %w", clientID, err)
	}

	r.clients[clientID] = credential{plain: secret}

	return nil
}

// AddHashed registers a bcrypt-hashed secret for a client.
func (r *SecretRegistry) AddHashed(clientID, hash string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}

	if hash == "" {
		return fmt.Errorf("client %s: %w", clientID, ErrSecretEmpty)
	}

	// bcrypt hashes start with "$2a$", "$2b$" or "$2y$".
	if !strings.HasPrefix(hash, "$2") {
		return fmt.Errorf("client %s: %w", clientID, ErrInvalidHashFormat)
	}

	r.clients[clientID] = credential{hash: hash}

	return nil
}

// Len returns the number of registered clients.
func (r *SecretRegistry) Len() int {
	if r == nil {
		return 0
	}

	return len(r.clients)
}

// Verify checks a client's secret in constant time. Unknown clients burn a
// dummy bcrypt comparison so lookups cannot be distinguished by timing.
func (r *SecretRegistry) Verify(clientID, secret string) bool {
	if r == nil || clientID == "" || secret == "" {
		performDummyBcryptComparison()

		return false
	}

	cred, ok := r.clients[clientID]
	if !ok {
		performDummyBcryptComparison()

		return false
	}

	if cred.hash != "" {
		return compareSecretHash(cred.hash, secret)
	}

	return secureCompare(cred.plain, secret)
}

// splitCredential splits a "clientID:value" pair on the first separator.
// bcrypt hashes never contain ':', so the first split is unambiguous.
func splitCredential(pair string) (clientID, value string, err error) {
	idx := strings.Index(pair, credentialSeparator)
	if idx <= 0 || idx == len(pair)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedCredential, pair)
	}

	return strings.TrimSpace(pair[:idx]), strings.TrimSpace(pair[idx+1:]), nil
}

// GenerateSecret creates a new ingest secret: "kpiflow_sk_" + 64 hex chars.
func GenerateSecret() (string, error) {
	randomBytes := make([]byte, secretRandomBytes)

	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return secretPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseSecret validates the standard ingest secret format.
func ParseSecret(secret string) (string, error) {
	if secret == "" {
		return "", ErrSecretEmpty
	}

	if !strings.HasPrefix(secret, secretPrefix) {
		return "", ErrInvalidSecretFormat
	}

	if len(secret) != secretLength {
		return "", ErrInvalidSecretLength
	}

	return secret, nil
}

// HashSecret generates a bcrypt hash of an ingest secret for deployments
// that keep plaintext secrets out of the environment.
//
// Bcrypt has a 72-byte input limit; longer inputs are pre-hashed with
// SHA-256 so the full secret always participates in the comparison.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", ErrSecretEmpty
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(secret), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}

	return string(hash), nil
}

// compareSecretHash performs constant-time comparison of a secret against
// its bcrypt hash. Returns false for any error condition.
func compareSecretHash(hash, secret string) bool {
	if hash == "" || secret == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(secret)) == nil
}

// bcryptInput prepares a secret for bcrypt, pre-hashing with SHA-256 when it
// exceeds bcrypt's 72-byte limit. Hashing and comparison must agree on this.
func bcryptInput(secret string) []byte {
	if len(secret) > bcryptLimit {
		sum := sha256.Sum256([]byte(secret))

		return sum[:]
	}

	return []byte(secret)
}

// secureCompare performs constant-time comparison of two strings to prevent
// timing attacks.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		// Compare against a dummy of the same length to keep timing flat.
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// performDummyBcryptComparison burns one bcrypt comparison so failure paths
// cost the same as a real hashed-secret check.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// MaskSecret masks an ingest secret for logging, showing only the prefix and
// suffix of standard-format secrets. Anything else is masked completely.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}

	if len(secret) == secretLength {
		maskedLen := secretLength - maskPrefixLen - maskSuffixLen

		return secret[:maskPrefixLen] + strings.Repeat("*", maskedLen) + secret[secretLength-maskSuffixLen:]
	}

	return strings.Repeat("*", len(secret))
}
