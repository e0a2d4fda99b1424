// Package authz verifies the {sub, role} principal expected at the
// projection boundary. It only verifies tokens signed elsewhere; this
// package never issues them.
package authz

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	pipelineerrors "github.com/verdantis/alertscore/infrastructure/errors"
	"github.com/verdantis/alertscore/infrastructure/serviceauth"
)

// Role is one of the three projection roles the pipeline recognizes.
type Role string

const (
	RoleRegulator Role = "regulator"
	RoleInvestor  Role = "investor"
	RolePublic    Role = "public"
)

// ValidRole reports whether role names a recognized projection role.
func ValidRole(role Role) bool {
	switch role {
	case RoleRegulator, RoleInvestor, RolePublic:
		return true
	default:
		return false
	}
}

// Principal is the verified identity behind a projection request.
type Principal struct {
	Subject string
	Role    Role
}

// principalClaims is the JWT claim shape this package expects: a subject
// and a role, plus the registered claims (exp/iat/...) jwt/v5 validates.
type principalClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks a bearer token's signature and expiry and extracts the
// {sub, role} principal. It holds only a public key: it can verify, never
// issue.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier builds a Verifier from a PEM-encoded RSA public key (or
// certificate), reusing the teacher's PEM-parsing helpers.
func NewVerifier(pemBytes []byte) (*Verifier, error) {
	key, err := serviceauth.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, pipelineerrors.InvalidToken(fmt.Errorf("parse verifier public key: %w", err))
	}
	return &Verifier{publicKey: key}, nil
}

// Verify validates tokenString's signature and expiry and returns the
// principal it asserts. An unknown role is rejected even if the signature
// is valid, since the projection boundary only recognizes three roles.
func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	claims := &principalClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pipelineerrors.TokenExpired()
		}
		return nil, pipelineerrors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, pipelineerrors.InvalidToken(fmt.Errorf("token failed validation"))
	}

	role := Role(claims.Role)
	if !ValidRole(role) {
		return nil, pipelineerrors.UnknownRole(claims.Role)
	}

	return &Principal{Subject: claims.Subject, Role: role}, nil
}

// RequireRole reports whether p is authorized for role, i.e. its verified
// role matches the role the projection being requested is scoped to.
func RequireRole(p *Principal, role Role) bool {
	return p != nil && p.Role == role
}
