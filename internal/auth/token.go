// Package auth issues and checks operator credentials for admin endpoints.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	ErrInvalidToken  = eris.New("invalid or expired token")
	ErrInvalidSecret = eris.New("invalid admin secret")
)

const issuer = "grant-intake"

// OperatorClaims identify the person overriding a source breaker.
type OperatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies operator tokens with a shared HMAC secret.
type Issuer struct {
	secret      []byte
	adminSecret []byte
	ttl         time.Duration
	now         func() time.Time
}

// NewIssuer builds an Issuer. An empty jwtSecret falls back to a random
// per-process secret, so tokens do not survive a restart.
func NewIssuer(jwtSecret, adminSecret string, ttl time.Duration) (*Issuer, error) {
	secret := []byte(strings.TrimSpace(jwtSecret))
	if len(secret) == 0 {
		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			return nil, eris.Wrap(err, "auth: generate fallback secret")
		}
		secret = []byte(base64.RawURLEncoding.EncodeToString(buf))
		zap.L().Warn("JWT secret is not set; using ephemeral in-memory fallback secret")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Issuer{
		secret:      secret,
		adminSecret: []byte(strings.TrimSpace(adminSecret)),
		ttl:         ttl,
		now:         time.Now,
	}, nil
}

// CheckAdminSecret compares candidate with the configured admin secret. It
// always fails when no admin secret is configured.
func (i *Issuer) CheckAdminSecret(candidate string) error {
	if len(i.adminSecret) == 0 || subtle.ConstantTimeCompare(i.adminSecret, []byte(candidate)) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

// Issue signs a token for operator.
func (i *Issuer) Issue(operator string) (string, time.Time, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", time.Time{}, eris.New("auth: operator name is required")
	}
	now := i.now()
	exp := now.Add(i.ttl)
	claims := OperatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, eris.Wrap(err, "auth: sign token")
	}
	return signed, exp, nil
}

// Verify parses a token and returns the operator it was issued to.
func (i *Issuer) Verify(tokenString string) (string, error) {
	var claims OperatorClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, eris.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid || claims.Operator == "" {
		return "", ErrInvalidToken
	}
	return claims.Operator, nil
}
