package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized means no usable identity was presented.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the identity is valid but lacks the required role.
	ErrForbidden = errors.New("forbidden")
)

// Roles carried in the token
const (
	RoleAdmin    = "admin"
	RoleService  = "service"
	RoleCustomer = "customer"
)

const issuer = "orderalert"

// Claims is the token payload issued by the storefront auth layer.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Identity is a verified caller.
type Identity struct {
	AdminID string
	Role    string
}

// HasRole reports whether the identity carries one of roles.
func (i Identity) HasRole(roles ...string) bool {
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the identity may use admin endpoints.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for secret
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify parses token and returns the identity it carries. Every failure is
// reported as ErrUnauthorized with the cause attached.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: token has no user_id", ErrUnauthorized)
	}

	return Identity{AdminID: claims.UserID, Role: claims.Role}, nil
}

// Issue signs a token for userID with role, valid for ttl. cmd/devtoken uses
// it locally; production tokens come from the storefront.
func (v *Verifier) Issue(userID, role string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		UserID: userID,
		Role:   role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	return strings.CutPrefix(header, "Bearer ")
}

type ctxKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
