// Package serviceauth provides shared helpers for service-to-service authentication.
package serviceauth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// Service Authentication Constants
// =============================================================================

const (
	// ServiceTokenHeader is the header name for service-to-service tokens.
	ServiceTokenHeader = "X-Service-Token"

	// ServiceIDHeader is the header name for service identification.
	ServiceIDHeader = "X-Service-ID"

	// UserIDHeader is the header name for user identification.
	UserIDHeader = "X-User-ID"
)

// =============================================================================
// Context Helpers
// =============================================================================

type contextKey string

const (
	serviceIDKey contextKey = "service_id"
	userIDKey    contextKey = "user_id"
)

// WithServiceID returns a new context with the service ID set.
func WithServiceID(ctx context.Context, serviceID string) context.Context {
	return context.WithValue(ctx, serviceIDKey, serviceID)
}

// GetServiceID extracts service ID from context.
func GetServiceID(ctx context.Context) string {
	if v, ok := ctx.Value(serviceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a new context with the user ID set.
// This is useful for propagating user ID through service-to-service calls.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID extracts user ID from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// =============================================================================
// Service Claims
// =============================================================================

// ServiceClaims represents JWT claims for service-to-service authentication.
type ServiceClaims struct {
	ServiceID string `json:"service_id"`
	jwt.RegisteredClaims
}

// =============================================================================
// Key Parsing Helpers
// =============================================================================

// ParseRSAPublicKeyFromPEM parses an RSA public key from PEM bytes.
// Supported PEM types: PUBLIC KEY (PKIX), RSA PUBLIC KEY (PKCS#1), CERTIFICATE.
func ParseRSAPublicKeyFromPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("no PEM public key found")
		}

		switch block.Type {
		case "PUBLIC KEY":
			pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKIX public key: %w", err)
			}
			pub, ok := pubAny.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("public key is not RSA")
			}
			return pub, nil
		case "RSA PUBLIC KEY":
			pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS#1 public key: %w", err)
			}
			return pub, nil
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			pub, ok := cert.PublicKey.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("certificate public key is not RSA")
			}
			return pub, nil
		}

		if len(rest) == 0 {
			return nil, fmt.Errorf("no supported PEM public key found")
		}
	}
}

