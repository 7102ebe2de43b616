package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTService_GenerateAndValidate(t *testing.T) {
	svc := NewJWTService("test-secret")

	token, err := svc.GenerateToken("user-42", RoleAdmin)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != "user-42" {
		t.Errorf("expected user-42, got %q", claims.UserID)
	}
	if claims.Role != string(RoleAdmin) {
		t.Errorf("expected role admin, got %q", claims.Role)
	}
}

func TestJWTService_RejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret-a").GenerateToken("user-1", RoleUser)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	_, err = NewJWTService("secret-b").ValidateToken(token)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}
}

func TestJWTService_RejectsExpiredToken(t *testing.T) {
	svc := NewJWTService("test-secret")

	claims := Claims{
		UserID: "user-1",
		Role:   string(RoleUser),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing failed: %v", err)
	}

	_, err = svc.ValidateToken(signed)
	if !errors.Is(err, ErrExpiredCredential) {
		t.Errorf("expected ErrExpiredCredential, got %v", err)
	}
}

func TestJWTService_RejectsGarbage(t *testing.T) {
	svc := NewJWTService("test-secret")
	if _, err := svc.ValidateToken("not.a.token"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestVerifier_SessionCredential(t *testing.T) {
	jwtSvc := NewJWTService("test-secret")
	v := NewVerifier(jwtSvc, NewServiceAuth("svc-secret", 5*time.Minute))

	token, err := jwtSvc.GenerateToken("user-7", RoleUser)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	p, err := v.Verify(Credential{Kind: CredentialSession, Value: token})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if p.ID != "user-7" || p.Role != RoleUser {
		t.Errorf("unexpected principal %+v", p)
	}
}

func TestVerifier_UnknownRoleDowngradesToUser(t *testing.T) {
	jwtSvc := NewJWTService("test-secret")
	v := NewVerifier(jwtSvc, NewServiceAuth("svc-secret", 5*time.Minute))

	token, err := jwtSvc.GenerateToken("user-9", Role("wizard"))
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	p, err := v.Verify(Credential{Kind: CredentialSession, Value: token})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if p.Role != RoleUser {
		t.Errorf("expected unknown role to collapse to user, got %q", p.Role)
	}
}

func TestCapabilitiesFor(t *testing.T) {
	admin := &Principal{ID: "a1", Role: RoleAdmin}
	caps := CapabilitiesFor(admin, []string{"tokenSync"})
	if !caps.Bypass {
		t.Error("admin should have bypass capability")
	}
	if len(caps.AdminActions) == 0 {
		t.Error("admin should have admin actions")
	}
	if len(caps.DegradedServices) != 1 || caps.DegradedServices[0] != "tokenSync" {
		t.Errorf("expected degraded services passthrough, got %v", caps.DegradedServices)
	}

	user := &Principal{ID: "u1", Role: RoleUser}
	caps = CapabilitiesFor(user, nil)
	if caps.Bypass || len(caps.AdminActions) != 0 {
		t.Errorf("user should have no elevated capabilities, got %+v", caps)
	}
}
