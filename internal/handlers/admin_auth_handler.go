package handlers

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	AdminRole          = "admin"
	adminTokenIssuer   = "stablepay-admin"
	defaultAdminTTL    = 24 * time.Hour
	defaultAdminUser   = "admin"
	totpIssuer         = "StablePay Admin"
	totpAccountDefault = "admin@stablepay"
)

// AdminCredentials what the admin login is checked against
type AdminCredentials struct {
	Username     string
	Password     string // plain, used only when PasswordHash is empty
	PasswordHash string // bcrypt
	TOTPSecret   string
	JWTSecret    []byte
	TokenTTL     time.Duration
}

// AdminCredentialsFromEnv reads ADMIN_USERNAME, ADMIN_PASSWORD_HASH,
// ADMIN_PASSWORD, ADMIN_TOTP_SECRET and ADMIN_JWT_SECRET.
func AdminCredentialsFromEnv() AdminCredentials {
	creds := AdminCredentials{
		Username:     os.Getenv("ADMIN_USERNAME"),
		Password:     os.Getenv("ADMIN_PASSWORD"),
		PasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		TOTPSecret:   os.Getenv("ADMIN_TOTP_SECRET"),
		JWTSecret:    []byte(os.Getenv("ADMIN_JWT_SECRET")),
	}
	if creds.Username == "" {
		creds.Username = defaultAdminUser
	}
	if creds.TOTPSecret == "" || (creds.Password == "" && creds.PasswordHash == "") {
		logrus.Warn("⚠️ [Admin] ADMIN_TOTP_SECRET or ADMIN_PASSWORD(_HASH) not set, admin login is disabled")
	}
	if len(creds.JWTSecret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("failed to generate admin jwt secret: %v", err))
		}
		creds.JWTSecret = []byte(hex.EncodeToString(secret))
		logrus.Warn("⚠️ [Admin] ADMIN_JWT_SECRET not set, using a random secret; admin tokens will not survive a restart")
	}
	return creds
}

// AdminAuthHandler admin login with password and TOTP
type AdminAuthHandler struct {
	creds AdminCredentials
	now   func() time.Time
}

// AdminLoginRequest admin login request
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code" binding:"required"`
}

// AdminLoginResponse admin login response
type AdminLoginResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Message   string    `json:"message"`
}

// AdminJWTClaims admin JWT claims
type AdminJWTClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func NewAdminAuthHandler(creds AdminCredentials) *AdminAuthHandler {
	if creds.TokenTTL <= 0 {
		creds.TokenTTL = defaultAdminTTL
	}
	if creds.Username == "" {
		creds.Username = defaultAdminUser
	}
	return &AdminAuthHandler{creds: creds, now: time.Now}
}

// JWTSecret the key admin tokens are signed with
func (h *AdminAuthHandler) JWTSecret() []byte {
	return h.creds.JWTSecret
}

// AdminLoginHandler POST /admin/login
func (h *AdminAuthHandler) AdminLoginHandler(c *gin.Context) {
	if h.creds.TOTPSecret == "" || (h.creds.Password == "" && h.creds.PasswordHash == "") {
		c.JSON(http.StatusServiceUnavailable, AdminLoginResponse{
			Success: false,
			Message: "Admin login is not configured",
		})
		return
	}

	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, AdminLoginResponse{
			Success: false,
			Message: fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// same message for a wrong username and a wrong password
	if !h.checkUsername(req.Username) || !h.checkPassword(req.Password) {
		logrus.WithField("client_ip", c.ClientIP()).Warn("⚠️ [Admin] Login rejected: invalid credentials")
		c.JSON(http.StatusUnauthorized, AdminLoginResponse{
			Success: false,
			Message: "Invalid credentials",
		})
		return
	}

	valid, err := totp.ValidateCustom(req.TOTPCode, h.creds.TOTPSecret, h.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		logrus.WithField("client_ip", c.ClientIP()).Warn("⚠️ [Admin] Login rejected: invalid TOTP code")
		c.JSON(http.StatusUnauthorized, AdminLoginResponse{
			Success: false,
			Message: "Invalid TOTP code",
		})
		return
	}

	token, expiresAt, err := GenerateAdminJWTToken(h.creds.JWTSecret, req.Username, h.creds.TokenTTL, h.now())
	if err != nil {
		logrus.Errorf("❌ [Admin] Failed to sign token: %v", err)
		c.JSON(http.StatusInternalServerError, AdminLoginResponse{
			Success: false,
			Message: "Failed to generate token",
		})
		return
	}

	logrus.WithField("username", req.Username).Info("🔐 [Admin] Login successful")
	c.JSON(http.StatusOK, AdminLoginResponse{
		Success:   true,
		Token:     token,
		ExpiresAt: expiresAt,
		Message:   "Login successful",
	})
}

func (h *AdminAuthHandler) checkUsername(username string) bool {
	return subtle.ConstantTimeCompare([]byte(username), []byte(h.creds.Username)) == 1
}

func (h *AdminAuthHandler) checkPassword(password string) bool {
	if h.creds.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(h.creds.PasswordHash), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(h.creds.Password)) == 1
}

// GenerateTOTPSecretHandler issues a TOTP secret for first-time setup.
// Refused once ADMIN_TOTP_SECRET is configured.
// POST /admin/totp/setup
func (h *AdminAuthHandler) GenerateTOTPSecretHandler(c *gin.Context) {
	if h.creds.TOTPSecret != "" {
		respondWithError(c, http.StatusForbidden, "TOTP_ALREADY_CONFIGURED", "TOTP secret already configured in environment", nil)
		return
	}

	key, err := GenerateTOTPKey(totpAccountDefault)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate TOTP secret", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"secret":  key.Secret(),
		"url":     key.URL(),
		"message": "Save this secret to ADMIN_TOTP_SECRET and restart the server.",
	})
}

// GenerateTOTPKey creates a 30s six-digit SHA1 TOTP key.
func GenerateTOTPKey(accountName string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// GenerateAdminJWTToken signs an HS256 admin token.
func GenerateAdminJWTToken(secret []byte, username string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, errors.New("admin jwt secret is empty")
	}
	expiresAt := now.Add(ttl)
	claims := AdminJWTClaims{
		Username: username,
		Role:     AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminTokenIssuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateAdminJWTToken parses and verifies an admin token.
func ValidateAdminJWTToken(tokenString string, secret []byte) (*AdminJWTClaims, error) {
	claims := &AdminJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(adminTokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
