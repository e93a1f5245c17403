package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"attest-backend/internal/config"
	"attest-backend/internal/metrics"
)

const adminRole = "admin"

// AdminAuthHandler admin login: bcrypt password plus TOTP, answered with a JWT
type AdminAuthHandler struct {
	cfg       config.AdminConfig
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
	logger    logrus.FieldLogger
}

// AdminLoginRequest admin login request
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code" binding:"required"`
}

// AdminLoginResponse admin login response
type AdminLoginResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Message   string `json:"message"`
}

// AdminJWTClaims admin JWT claims
type AdminJWTClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func NewAdminAuthHandler(cfg config.AdminConfig, logger logrus.FieldLogger) *AdminAuthHandler {
	if cfg.TOTPSecret == "" || cfg.PasswordHash == "" {
		logger.Warn("⚠️ Admin password hash or TOTP secret not configured, admin login disabled")
	}
	if cfg.JWTSecret == "" {
		logger.Warn("⚠️ Admin JWT secret not configured, admin tokens cannot be issued")
	}
	ttl := time.Duration(cfg.TokenTTL) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AdminAuthHandler{
		cfg:       cfg,
		jwtSecret: []byte(cfg.JWTSecret),
		tokenTTL:  ttl,
		now:       time.Now,
		logger:    logger,
	}
}

// AdminLoginHandler POST /api/admin/login
func (h *AdminAuthHandler) AdminLoginHandler(c *gin.Context) {
	if h.cfg.TOTPSecret == "" || h.cfg.PasswordHash == "" || len(h.jwtSecret) == 0 {
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

	// same message for unknown user and wrong password
	if req.Username != h.cfg.Username ||
		bcrypt.CompareHashAndPassword([]byte(h.cfg.PasswordHash), []byte(req.Password)) != nil {
		metrics.AdminLogins.WithLabelValues("bad_credentials").Inc()
		h.logger.WithFields(logrus.Fields{"username": req.Username, "ip": c.ClientIP()}).Warn("Admin login failed - invalid credentials")
		c.JSON(http.StatusUnauthorized, AdminLoginResponse{
			Success: false,
			Message: "Invalid credentials",
		})
		return
	}

	if !totp.Validate(req.TOTPCode, h.cfg.TOTPSecret) {
		metrics.AdminLogins.WithLabelValues("bad_totp").Inc()
		h.logger.WithFields(logrus.Fields{"username": req.Username, "ip": c.ClientIP()}).Warn("Admin login failed - invalid TOTP code")
		c.JSON(http.StatusUnauthorized, AdminLoginResponse{
			Success: false,
			Message: "Invalid TOTP code",
		})
		return
	}

	token, expiresAt, err := h.GenerateToken(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, AdminLoginResponse{
			Success: false,
			Message: "Failed to generate token",
		})
		return
	}

	metrics.AdminLogins.WithLabelValues("ok").Inc()
	h.logger.WithField("username", req.Username).Info("🔐 Admin logged in")
	c.JSON(http.StatusOK, AdminLoginResponse{
		Success:   true,
		Token:     token,
		ExpiresAt: expiresAt.Unix(),
		Message:   "Login successful",
	})
}

// GenerateTOTPSecretHandler hands out a fresh TOTP secret while none is configured.
func (h *AdminAuthHandler) GenerateTOTPSecretHandler(c *gin.Context) {
	if h.cfg.TOTPSecret != "" {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "TOTP secret already configured",
		})
		return
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "Attest Admin",
		AccountName: h.cfg.Username,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to generate TOTP secret",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"secret":  key.Secret(),
		"url":     key.URL(),
		"message": "Store this secret as admin.totpSecret (or ADMIN_TOTP_SECRET).",
	})
}

// GenerateToken signs an admin token for username.
func (h *AdminAuthHandler) GenerateToken(username string) (string, time.Time, error) {
	now := h.now()
	expiresAt := now.Add(h.tokenTTL)
	claims := AdminJWTClaims{
		Username: username,
		Role:     adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "attest-backend-admin",
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(h.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// ValidateToken parses an admin token signed with the configured secret.
func (h *AdminAuthHandler) ValidateToken(tokenString string) (*AdminJWTClaims, error) {
	if len(h.jwtSecret) == 0 {
		return nil, errors.New("admin JWT secret not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &AdminJWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*AdminJWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
