package auth

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaymesh/relay/internal/registry"
)

// clockSkew tolerated on exp/nbf checks.
const clockSkew = 30 * time.Second

// Claims are the token claims the dashboard path requires: sub carries the
// user id, tenant_id the owning tenant.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// TokenVerifier validates dashboard bearer tokens against the configured
// issuer's public key.
type TokenVerifier struct {
	issuer   string
	audience string
	key      any // ed25519.PublicKey or *rsa.PublicKey
}

// NewTokenVerifier parses the issuer's PEM-encoded public key. Ed25519 and
// RSA keys are accepted.
func NewTokenVerifier(issuer, audience, publicKeyPEM string) (*TokenVerifier, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("jwt verifier: no PEM block in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jwt verifier: parse public key: %w", err)
	}
	switch key.(type) {
	case ed25519.PublicKey, *rsa.PublicKey:
	default:
		return nil, fmt.Errorf("jwt verifier: unsupported key type %T", key)
	}
	return &TokenVerifier{issuer: issuer, audience: audience, key: key}, nil
}

// Verify validates the token and returns the dashboard principal.
func (v *TokenVerifier) Verify(tokenString string) (Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (any, error) {
			switch v.key.(type) {
			case ed25519.PublicKey:
				if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
			case *rsa.PublicKey:
				if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
			}
			return v.key, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %s", ErrAuthRejected, "invalid token")
	}

	if claims.Subject == "" || claims.TenantID == "" {
		return Principal{}, fmt.Errorf("%w: %s", ErrAuthRejected, "missing required claims")
	}

	return Principal{
		ID:       claims.Subject,
		TenantID: claims.TenantID,
		Role:     registry.RoleDashboard,
	}, nil
}

// BearerToken extracts the token from the Authorization header or, as the
// browser WebSocket API cannot set headers, from the token query parameter.
func BearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", fmt.Errorf("%w: malformed authorization header", ErrAuthRejected)
		}
		return strings.TrimPrefix(h, prefix), nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", fmt.Errorf("%w: no bearer token", ErrAuthRejected)
}
