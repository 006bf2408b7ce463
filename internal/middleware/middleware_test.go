package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stablepay-backend/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("middleware-test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func serve(r *gin.Engine, remoteAddr, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.RemoteAddr = remoteAddr
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	code, _ := body["error"].(string)
	return code
}

func newAuthRouter() *gin.Engine {
	r := gin.New()
	auth := NewAdminAuthMiddleware(quietLogger(), testSecret)
	r.GET("/admin/ping", auth.RequireAdminAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": c.GetString("admin_username")})
	})
	return r
}

func TestRequireAdminAuth(t *testing.T) {
	r := newAuthRouter()

	token, _, err := handlers.GenerateAdminJWTToken(testSecret, "ops", time.Hour, time.Now())
	require.NoError(t, err)
	w := serve(r, "127.0.0.1:4000", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"admin":"ops"}`, w.Body.String())

	cases := map[string]struct {
		header string
		status int
		code   string
	}{
		"missing header": {"", http.StatusUnauthorized, "MISSING_AUTH_HEADER"},
		"basic scheme":   {"Basic b3BzOnB3", http.StatusUnauthorized, "INVALID_AUTH_FORMAT"},
		"empty token":    {"Bearer  ", http.StatusUnauthorized, "EMPTY_TOKEN"},
		"garbage token":  {"Bearer not.a.jwt", http.StatusUnauthorized, "INVALID_TOKEN"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := serve(r, "127.0.0.1:4000", tc.header)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, errorCode(t, w))
		})
	}

	forged, _, err := handlers.GenerateAdminJWTToken([]byte("someone-else"), "ops", time.Hour, time.Now())
	require.NoError(t, err)
	w = serve(r, "127.0.0.1:4000", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdminAuth_WrongRole(t *testing.T) {
	r := newAuthRouter()
	now := time.Now()
	claims := handlers.AdminJWTClaims{
		Username: "viewer",
		Role:     "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "stablepay-admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	w := serve(r, "127.0.0.1:4000", "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", errorCode(t, w))
}

func TestLocalhostOnly(t *testing.T) {
	newRouter := func(allowed ...string) *gin.Engine {
		r := gin.New()
		r.GET("/admin/ping", NewLocalhostOnly(quietLogger(), allowed).Restrict(), func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		})
		return r
	}

	r := newRouter()
	assert.Equal(t, http.StatusNoContent, serve(r, "127.0.0.1:4000", "").Code)
	assert.Equal(t, http.StatusNoContent, serve(r, "[::1]:4000", "").Code)
	w := serve(r, "192.0.2.1:4000", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "IP_NOT_ALLOWED", errorCode(t, w))

	r = newRouter("10.0.0.0/8", " 203.0.113.5 ", "not-a-cidr/99")
	assert.Equal(t, http.StatusNoContent, serve(r, "10.20.30.40:4000", "").Code)
	assert.Equal(t, http.StatusNoContent, serve(r, "203.0.113.5:4000", "").Code)
	assert.Equal(t, http.StatusForbidden, serve(r, "203.0.113.6:4000", "").Code)
}
