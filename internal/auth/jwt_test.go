package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-unit-tests"

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier(testSecret)

	token, err := v.Issue("A1", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.AdminID != "A1" {
		t.Errorf("AdminID = %q, want A1", id.AdminID)
	}
	if !id.IsAdmin() {
		t.Error("expected admin identity")
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier(testSecret)
	other := NewVerifier("another-secret")

	expired := NewVerifier(testSecret)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _ := expired.Issue("A1", RoleAdmin, time.Hour)

	forged, _ := other.Issue("A1", RoleAdmin, time.Hour)
	noUser, _ := v.Issue("", RoleAdmin, time.Hour)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "A1", Role: RoleAdmin})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", forged},
		{"expired", expiredToken},
		{"missing user", noUser},
		{"alg none", unsigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestIdentity_HasRole(t *testing.T) {
	id := Identity{AdminID: "svc", Role: RoleService}
	if !id.HasRole(RoleAdmin, RoleService) {
		t.Error("expected service role to match")
	}
	if id.HasRole(RoleAdmin) {
		t.Error("service must not match admin")
	}
	if id.IsAdmin() {
		t.Error("service is not admin")
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := BearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Errorf("got %q/%v", tok, ok)
	}
	if _, ok := BearerToken("Basic abc"); ok {
		t.Error("Basic scheme must not match")
	}
}

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context should have no identity")
	}

	ctx := WithIdentity(context.Background(), Identity{AdminID: "A1", Role: RoleAdmin})
	id, ok := FromContext(ctx)
	if !ok || id.AdminID != "A1" {
		t.Fatalf("got %+v/%v", id, ok)
	}
}
