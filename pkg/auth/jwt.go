package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the iss claim of tokens this service issues.
const DefaultIssuer = "helm-pay"

var ErrMissingSubject = errors.New("token subject is required")

// Claims are the JWT claims expected by the API. The subject is the agent id.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// JWTValidator issues and validates HS256 tokens with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewJWTValidator returns nil for an empty secret, which callers treat as
// "authentication not configured".
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret), issuer: DefaultIssuer, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *JWTValidator) WithClock(clock func() time.Time) *JWTValidator {
	v.clock = clock
	return v
}

// Issue signs a token for agentID valid for ttl.
func (v *JWTValidator) Issue(agentID string, roles []string, ttl time.Duration) (string, error) {
	if agentID == "" {
		return "", ErrMissingSubject
	}
	now := v.clock()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

// Authenticate validates a "Bearer <token>" Authorization header value.
func (v *JWTValidator) Authenticate(header string) (*Principal, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || token == "" {
		return nil, fmt.Errorf("invalid Authorization header format (expected 'Bearer <token>')")
	}
	claims, err := v.Validate(token)
	if err != nil {
		return nil, err
	}
	return &Principal{AgentID: claims.Subject, Roles: claims.Roles}, nil
}
