// Package middleware provides HTTP middleware components for the KPIFlow API.
package middleware

// MockRateLimiter is a mock implementation of RateLimiter for testing.
type MockRateLimiter struct {
	AllowFunc func(clientID string) bool
}

// Allow implements RateLimiter.Allow.
func (m *MockRateLimiter) Allow(clientID string) bool {
	if m.AllowFunc != nil {
		return m.AllowFunc(clientID)
	}

	return true
}
