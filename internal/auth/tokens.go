package auth

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
)

const tokenIssuer = "echoroom"

// Claims is the data stored inside a session token.
// Subject is the identity key, ID the session id checked against the
// session store.
type Claims struct {
	Handle string `json:"handle"`
	jwt.RegisteredClaims
}

// Identity returns the identity carried by the token
func (c *Claims) Identity() models.Identity {
	return models.Identity{Key: c.Subject, Handle: c.Handle}
}

// TokenManager issues and validates session tokens
type TokenManager struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenManager creates a new token manager.
// Without a secret a random one is generated, so tokens do not survive a restart.
func NewTokenManager(jwtSecret string, ttl time.Duration) *TokenManager {
	secret := []byte(jwtSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("failed to generate token secret: %v", err))
		}
		logger.Warn("AUTH_JWT_SECRET not set, using a random secret; sessions will not survive a restart")
	}
	return &TokenManager{
		jwtSecret: secret,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Issue creates a signed token for identity
func (a *TokenManager) Issue(identity models.Identity) (string, *Claims, error) {
	now := a.now()
	claims := &Claims{
		Handle: identity.Handle,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity.Key,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

// ValidateToken validates a token's signature and expiry and returns its claims
func (a *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuthFailed, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", models.ErrAuthFailed)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: token has no subject or id", models.ErrAuthFailed)
	}
	return claims, nil
}

// ExtractTokenFromHeader extracts the token from an Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", fmt.Errorf("authorization header is empty")
	}

	// Support both "Bearer <token>" and just "<token>"
	parts := strings.Split(authHeader, " ")
	if len(parts) == 2 {
		if strings.ToLower(parts[0]) != "bearer" {
			return "", fmt.Errorf("invalid authorization header format")
		}
		return parts[1], nil
	} else if len(parts) == 1 {
		// Allow just the token without "Bearer" prefix
		return parts[0], nil
	}

	return "", fmt.Errorf("invalid authorization header format")
}
