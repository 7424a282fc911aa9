// Package auth implements the management RPC surface's tenant
// authentication: bearer-token claims via golang-jwt and SPIFFE/SVID
// mutual TLS identity for the QUIC transport's mutual-auth mode.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TenantClaims is the bearer token shape accepted on the management
// RPC surface (§6): a tenant identity plus an expiry, signed by the
// issuing control plane.
type TenantClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// TokenIssuer signs tenant bearer tokens with an HMAC key shared
// between the control plane and this coordinator/environment process.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

func NewTokenIssuer(key []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{key: key, ttl: ttl}
}

func (i *TokenIssuer) Issue(tenantID string) (string, error) {
	now := time.Now()
	claims := TenantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			Subject:   tenantID,
		},
		TenantID: tenantID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token for %s: %w", tenantID, err)
	}
	return token, nil
}

// TokenVerifier validates bearer tokens presented on the management
// RPC surface and extracts the authenticated tenant id.
type TokenVerifier struct {
	key []byte
}

func NewTokenVerifier(key []byte) *TokenVerifier {
	return &TokenVerifier{key: key}
}

func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	var claims TenantClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: verify token: %w", err)
	}
	if claims.TenantID == "" {
		return "", fmt.Errorf("auth: token missing tenant_id claim")
	}
	return claims.TenantID, nil
}
