package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestGenerateAndValidate(t *testing.T) {
	svc := NewService(secret, time.Hour)

	token, err := svc.GenerateToken("  0xAlice ", 0)
	require.NoError(t, err)

	caller, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "0xalice", caller)

	_, err = svc.GenerateToken(" ", 0)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_Expired(t *testing.T) {
	svc := NewService(secret, time.Hour)
	token, err := svc.GenerateToken("0xalice", time.Minute)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.ValidateToken(token)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewService("other", time.Hour).GenerateToken("0xalice", 0)
	require.NoError(t, err)

	_, err = NewService(secret, time.Hour).ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateToken_RejectsNoneAlgorithm(t *testing.T) {
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "0xowner",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewService(secret, time.Hour).ValidateToken(token)
	require.Error(t, err)
}

func TestValidateToken_Garbage(t *testing.T) {
	_, err := NewService(secret, time.Hour).ValidateToken("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(CallerFrom(r.Context())))
	})
}

func TestAuthenticate(t *testing.T) {
	svc := NewService(secret, time.Hour)
	token, err := svc.GenerateToken("0xalice", 0)
	require.NoError(t, err)

	handler := svc.Authenticate(echoCaller())

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"anonymous", "", http.StatusOK, ""},
		{"valid", "Bearer " + token, http.StatusOK, "0xalice"},
		{"lowercase scheme", "bearer " + token, http.StatusOK, "0xalice"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"bad token", "Bearer abc.def.ghi", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestRequireCaller(t *testing.T) {
	handler := RequireCaller(echoCaller())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithCaller(req.Context(), "0xbob"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xbob", rec.Body.String())
}

func TestRateLimiter_PerCaller(t *testing.T) {
	limiter := NewRateLimiter(0.001, 2)
	handler := limiter.Middleware(echoCaller())

	call := func(caller string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if caller != "" {
			req = req.WithContext(WithCaller(req.Context(), caller))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("0xalice"))
	assert.Equal(t, http.StatusOK, call("0xalice"))
	assert.Equal(t, http.StatusTooManyRequests, call("0xalice"))

	// Separate buckets for other callers and for anonymous IPs.
	assert.Equal(t, http.StatusOK, call("0xbob"))
	assert.Equal(t, http.StatusOK, call(""))
}
