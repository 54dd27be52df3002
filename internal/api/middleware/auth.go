package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/jobfleet/internal/config"
)

const (
	issuer      = "jobfleet"
	claimsKey   = "claims"
	subjectKey  = "subject"
	defaultTTL  = 24 * time.Hour
	bearerToken = "Bearer "
)

type Claims struct {
	jwt.RegisteredClaims
	Worker bool `json:"worker"`
}

type AuthMiddleware struct {
	secret         []byte
	enrollmentHash []byte
	ttl            time.Duration
	now            func() time.Time
}

type TokenRequest struct {
	Name          string `json:"name" binding:"required"`
	EnrollmentKey string `json:"enrollment_key" binding:"required"`
}

type TokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewAuthMiddleware builds the bearer token guard. With an empty secret every
// request is let through and the token endpoint hands out empty tokens.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &AuthMiddleware{
		secret:         []byte(cfg.JWTSecret),
		enrollmentHash: []byte(cfg.EnrollmentKeyHash),
		ttl:            ttl,
		now:            time.Now,
	}
}

func (a *AuthMiddleware) Enabled() bool {
	return len(a.secret) > 0
}

// HashEnrollmentKey produces the value stored in auth.enrollment_key_hash.
func HashEnrollmentKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (a *AuthMiddleware) generateToken(subject string) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    issuer,
		},
		Worker: true,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	return signed, expires, err
}

func (a *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func tokenFromRequest(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, bearerToken) {
		return strings.TrimPrefix(header, bearerToken)
	}
	return ""
}

// TokenHandler exchanges a worker name and enrollment key for a bearer token.
func (a *AuthMiddleware) TokenHandler(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if !a.Enabled() {
		c.JSON(http.StatusOK, TokenResponse{})
		return
	}

	if err := bcrypt.CompareHashAndPassword(a.enrollmentHash, []byte(req.EnrollmentKey)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "invalid enrollment key"})
		return
	}

	token, expires, err := a.generateToken(req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: &expires})
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		token := tokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "authentication required"})
			return
		}

		claims, err := a.validateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "invalid or expired token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

// Subject returns the token subject set by RequireAuth, if any.
func Subject(c *gin.Context) string {
	return c.GetString(subjectKey)
}
