package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testSecret = "test-secret-that-is-long-enough-for-testing"

func TestNewJWTService(t *testing.T) {
	tests := []struct {
		name    string
		secret  []byte
		wantErr error
	}{
		{"valid secret", []byte(testSecret), nil},
		{"short secret", []byte("short"), nil},
		{"empty secret", []byte{}, ErrMissingSecret},
		{"nil secret", nil, ErrMissingSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJWTService(tt.secret)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestJWTServiceRoundTrip(t *testing.T) {
	svc, err := NewJWTService([]byte(testSecret))
	require.NoError(t, err)

	token, err := svc.GenerateToken("operator")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username)
	assert.Equal(t, TokenIssuer, claims.Issuer)

	_, err = svc.GenerateToken("")
	assert.ErrorIs(t, err, ErrEmptyUsername)
}

func TestJWTServiceRejects(t *testing.T) {
	svc, _ := NewJWTService([]byte(testSecret))
	other, _ := NewJWTService([]byte("secret-two-that-is-different"))
	foreign, _ := other.GenerateToken("operator")

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Username: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"invalid format", "not-a-jwt"},
		{"wrong signature", "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJ1c2VybmFtZSI6InRlc3QifQ.wrong"},
		{"other secret", foreign},
		{"wrong issuer", wrongIssuer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTServiceExpiry(t *testing.T) {
	svc, _ := NewJWTService([]byte(testSecret))
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }

	token, err := svc.GenerateToken("operator")
	require.NoError(t, err)

	svc.now = func() time.Time { return issued.Add(TokenLifetime - time.Minute) }
	_, err = svc.ValidateToken(token)
	assert.NoError(t, err)

	svc.now = func() time.Time { return issued.Add(TokenLifetime + time.Minute) }
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExtractTokenFromRequest(t *testing.T) {
	tests := []struct {
		name      string
		authValue string
		wantToken string
		wantErr   error
	}{
		{"valid bearer", "Bearer eyJtoken", "eyJtoken", nil},
		{"valid bearer lowercase", "bearer eyJtoken", "eyJtoken", nil},
		{"missing header", "", "", ErrMissingAuthHeader},
		{"no space", "BearereyJtoken", "", ErrInvalidAuthFormat},
		{"wrong scheme", "Basic eyJtoken", "", ErrInvalidAuthFormat},
		{"empty token", "Bearer ", "", ErrInvalidAuthFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tt.authValue != "" {
				req.Header.Set("Authorization", tt.authValue)
			}

			token, err := ExtractTokenFromRequest(req)
			assert.Equal(t, tt.wantErr, err)
			assert.Equal(t, tt.wantToken, token)
		})
	}
}

func TestClaimsContext(t *testing.T) {
	ctx := SetClaimsInContext(context.Background(), &Claims{Username: "operator"})

	got, ok := GetClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "operator", got.Username)

	_, ok = GetClaimsFromContext(context.Background())
	assert.False(t, ok)
}

func TestRateLimiterLockout(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 3,
		Window:            time.Minute,
		CleanupInterval:   time.Hour,
	})
	defer rl.Stop()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ip := "192.168.1.1"

	assert.False(t, rl.IsLimited(ip))
	rl.RecordFailure(ip)
	rl.RecordFailure(ip)
	assert.False(t, rl.IsLimited(ip))
	rl.RecordFailure(ip)
	assert.True(t, rl.IsLimited(ip))
	assert.False(t, rl.IsLimited("10.0.0.9"), "other clients are unaffected")

	now = now.Add(2 * time.Minute)
	assert.False(t, rl.IsLimited(ip), "window expired")

	rl.RecordFailure(ip)
	assert.False(t, rl.IsLimited(ip), "a new window starts at one failure")

	rl.Reset(ip)
	assert.False(t, rl.IsLimited(ip))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xri        string
		remoteAddr string
		want       string
	}{
		{"X-Forwarded-For single", "192.168.1.1", "", "127.0.0.1:8080", "192.168.1.1"},
		{"X-Forwarded-For multiple", "192.168.1.1, 10.0.0.1, 172.16.0.1", "", "127.0.0.1:8080", "192.168.1.1"},
		{"X-Real-IP", "", "192.168.1.1", "127.0.0.1:8080", "192.168.1.1"},
		{"RemoteAddr with port", "", "", "192.168.1.1:12345", "192.168.1.1"},
		{"RemoteAddr without port", "", "", "192.168.1.1", "192.168.1.1"},
		{"IPv6 RemoteAddr", "", "", "[::1]:8080", "::1"},
		{"X-Forwarded-For takes precedence", "10.0.0.1", "192.168.1.1", "127.0.0.1:8080", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

func TestJWTServiceMiddleware(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc, _ := NewJWTService([]byte(testSecret))
	rl := NewRateLimiter(RateLimiterConfig{MaxFailedAttempts: 2, Window: time.Minute, CleanupInterval: time.Hour})
	defer rl.Stop()

	handler := svc.Middleware(rl)(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaimsFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(claims.Username))
	})
	token, _ := svc.GenerateToken("operator")

	call := func(ip, authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.RemoteAddr = ip + ":4000"
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	rr := call("10.0.0.1", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "operator", rr.Body.String())

	assert.Equal(t, http.StatusUnauthorized, call("10.0.0.1", "").Code)

	assert.Equal(t, http.StatusUnauthorized, call("10.0.0.2", "Bearer invalid").Code)
	assert.Equal(t, http.StatusUnauthorized, call("10.0.0.2", "Bearer invalid").Code)
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.2", "Bearer "+token).Code,
		"locked out even with a valid token")
	assert.Equal(t, http.StatusOK, call("10.0.0.1", "Bearer "+token).Code)
}
