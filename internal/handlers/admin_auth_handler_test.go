package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var adminTestNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAdminAuthFixture(t *testing.T, creds AdminCredentials) (*gin.Engine, *AdminAuthHandler) {
	t.Helper()
	h := NewAdminAuthHandler(creds)
	h.now = func() time.Time { return adminTestNow }
	r := gin.New()
	r.POST("/admin/login", h.AdminLoginHandler)
	r.POST("/admin/totp/setup", h.GenerateTOTPSecretHandler)
	return r, h
}

func testTOTPSecret(t *testing.T) string {
	t.Helper()
	key, err := GenerateTOTPKey("test@stablepay")
	require.NoError(t, err)
	return key.Secret()
}

func loginBody(t *testing.T, username, password, code string) string {
	t.Helper()
	raw, err := json.Marshal(AdminLoginRequest{Username: username, Password: password, TOTPCode: code})
	require.NoError(t, err)
	return string(raw)
}

func TestAdminLogin_WithBcryptHash(t *testing.T) {
	secret := testTOTPSecret(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	r, h := newAdminAuthFixture(t, AdminCredentials{
		PasswordHash: string(hash),
		TOTPSecret:   secret,
		JWTSecret:    []byte("test-secret"),
	})

	code, err := totp.GenerateCode(secret, adminTestNow)
	require.NoError(t, err)

	w := performRequest(r, http.MethodPost, "/admin/login", loginBody(t, "admin", "correct horse", code))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp AdminLoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.ExpiresAt.Equal(adminTestNow.Add(24*time.Hour)))

	// the fixture clock is in the past, so validate with a parser clock set to it
	claims := &AdminJWTClaims{}
	_, err = jwt.ParseWithClaims(resp.Token, claims, func(*jwt.Token) (interface{}, error) {
		return h.JWTSecret(), nil
	}, jwt.WithTimeFunc(func() time.Time { return adminTestNow.Add(time.Hour) }))
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, AdminRole, claims.Role)
}

func TestAdminLogin_Rejections(t *testing.T) {
	secret := testTOTPSecret(t)
	r, _ := newAdminAuthFixture(t, AdminCredentials{
		Username:   "ops",
		Password:   "plain-password",
		TOTPSecret: secret,
		JWTSecret:  []byte("test-secret"),
	})
	code, err := totp.GenerateCode(secret, adminTestNow)
	require.NoError(t, err)
	staleCode, err := totp.GenerateCode(secret, adminTestNow.Add(-10*time.Minute))
	require.NoError(t, err)

	cases := map[string]struct {
		body    string
		status  int
		message string
	}{
		"wrong username": {loginBody(t, "admin", "plain-password", code), http.StatusUnauthorized, "Invalid credentials"},
		"wrong password": {loginBody(t, "ops", "guess", code), http.StatusUnauthorized, "Invalid credentials"},
		"stale totp":     {loginBody(t, "ops", "plain-password", staleCode), http.StatusUnauthorized, "Invalid TOTP code"},
		"missing totp":   {`{"username":"ops","password":"plain-password"}`, http.StatusBadRequest, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := performRequest(r, http.MethodPost, "/admin/login", tc.body)
			assert.Equal(t, tc.status, w.Code)
			body := decodeBody(t, w)
			assert.Equal(t, false, body["success"])
			if tc.message != "" {
				assert.Equal(t, tc.message, body["message"])
			}
		})
	}

	w := performRequest(r, http.MethodPost, "/admin/login", loginBody(t, "ops", "plain-password", code))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminLogin_NotConfigured(t *testing.T) {
	r, _ := newAdminAuthFixture(t, AdminCredentials{JWTSecret: []byte("test-secret")})

	w := performRequest(r, http.MethodPost, "/admin/login", loginBody(t, "admin", "x", "123456"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGenerateTOTPSecret(t *testing.T) {
	r, _ := newAdminAuthFixture(t, AdminCredentials{JWTSecret: []byte("test-secret")})
	w := performRequest(r, http.MethodPost, "/admin/totp/setup", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.NotEmpty(t, body["secret"])
	assert.Contains(t, body["url"], "otpauth://totp/")

	r, _ = newAdminAuthFixture(t, AdminCredentials{TOTPSecret: testTOTPSecret(t), JWTSecret: []byte("test-secret")})
	w = performRequest(r, http.MethodPost, "/admin/totp/setup", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestValidateAdminJWTToken(t *testing.T) {
	secret := []byte("test-secret")
	now := time.Now()

	token, _, err := GenerateAdminJWTToken(secret, "admin", time.Hour, now)
	require.NoError(t, err)
	claims, err := ValidateAdminJWTToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)

	_, err = ValidateAdminJWTToken(token, []byte("other-secret"))
	assert.Error(t, err)

	expired, _, err := GenerateAdminJWTToken(secret, "admin", time.Hour, now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = ValidateAdminJWTToken(expired, secret)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, _, err = GenerateAdminJWTToken(nil, "admin", time.Hour, now)
	assert.Error(t, err)
}
