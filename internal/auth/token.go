// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/soraflow/dispatcher/internal/model"
)

// Issuer signs and verifies access tokens for one process's SECRET_KEY.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secretKey string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secretKey), ttl: ttl}
}

// Issue signs a JWT with sub=user.Username and an exp claim ttl from now
// (spec §6: "Token is a signed JWT with sub=username and exp").
func (i *Issuer) Issue(user *model.User) (token string, expiresAt time.Time, err error) {
	expiresAt = time.Now().Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   user.Username,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token, returning the principal's username
// (the sub claim). Callers that need the full User row look it up keyed on
// Username.
func (i *Issuer) Verify(tokenString string) (username string, err error) {
	claims := jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword bcrypt-hashes password at the default cost, used by the
// bootstrap admin-creation path.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(h), err
}

// ExtractToken retrieves the bearer token from a request, trying the
// Authorization header first and falling back to a query parameter — the
// admin SSE stream has no way to set a header, so spec §6's
// `/admin/logs/stream?token=…` relies on the query fallback.
// 1. Authorization: Bearer <token>
// 2. Query: ?token= (only when allowQuery is set, e.g. the SSE endpoint)
func ExtractToken(r *http.Request, allowQuery bool) string {
	if hdr := r.Header.Get("Authorization"); strings.HasPrefix(hdr, "Bearer ") {
		return strings.TrimSpace(hdr[len("Bearer "):])
	}
	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			return t
		}
	}
	return ""
}

// ConstantTimeEqual compares two strings without leaking timing information,
// retained for any static-secret comparison a caller layers in front of JWT
// verification.
func ConstantTimeEqual(got, expected string) bool {
	if got == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
