package authz

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, pemBytes
}

func signToken(t *testing.T, priv *rsa.PrivateKey, sub, role string, expiry time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := &principalClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestVerifier_ValidToken(t *testing.T) {
	priv, pubPEM := generateTestKeyPair(t)
	v, err := NewVerifier(pubPEM)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	tok := signToken(t, priv, "alice", "regulator", time.Hour)
	p, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "alice" || p.Role != RoleRegulator {
		t.Errorf("principal = %+v", p)
	}
}

func TestVerifier_ExpiredToken(t *testing.T) {
	priv, pubPEM := generateTestKeyPair(t)
	v, _ := NewVerifier(pubPEM)

	tok := signToken(t, priv, "alice", "regulator", -time.Hour)
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifier_UnknownRole(t *testing.T) {
	priv, pubPEM := generateTestKeyPair(t)
	v, _ := NewVerifier(pubPEM)

	tok := signToken(t, priv, "alice", "superadmin", time.Hour)
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestVerifier_WrongSigningKey(t *testing.T) {
	_, pubPEM := generateTestKeyPair(t)
	wrongPriv, _ := generateTestKeyPair(t)
	v, _ := NewVerifier(pubPEM)

	tok := signToken(t, wrongPriv, "alice", "regulator", time.Hour)
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected error for wrong signing key")
	}
}

func TestRequireRole(t *testing.T) {
	p := &Principal{Subject: "alice", Role: RoleInvestor}
	if RequireRole(p, RoleRegulator) {
		t.Error("expected investor principal to not satisfy regulator role")
	}
	if !RequireRole(p, RoleInvestor) {
		t.Error("expected investor principal to satisfy investor role")
	}
	if RequireRole(nil, RoleInvestor) {
		t.Error("expected nil principal to never satisfy a role")
	}
}
