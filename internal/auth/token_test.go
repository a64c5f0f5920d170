// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soraflow/dispatcher/internal/model"
)

func TestExtractToken_PrefersAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/test?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer bearer-token")

	require.Equal(t, "bearer-token", ExtractToken(r, true))
}

func TestExtractToken_QueryFallbackOnlyWhenAllowed(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/test?token=query-token", nil)

	require.Equal(t, "", ExtractToken(r, false))
	require.Equal(t, "query-token", ExtractToken(r, true))
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual("secret", "secret"))
	require.False(t, ConstantTimeEqual("secret", "other"))
	require.False(t, ConstantTimeEqual("", "secret"))
	require.False(t, ConstantTimeEqual("secret", ""))
}

func TestIssuer_IssueThenVerifyRoundtrips(t *testing.T) {
	issuer := NewIssuer("test-secret-key", time.Hour)
	user := &model.User{UserID: 1, Username: "operator"}

	token, expiresAt, err := issuer.Issue(user)
	require.NoError(t, err)
	require.True(t, expiresAt.After(time.Now()))

	sub, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "operator", sub)
}

func TestIssuer_VerifyRejectsExpiredToken(t *testing.T) {
	// NewIssuer replaces a non-positive ttl with its 24h default, so the
	// negative ttl that makes Issue mint an already-expired token is set
	// directly on the issuer.
	issuer := NewIssuer("test-secret-key", time.Hour)
	issuer.ttl = -time.Hour
	user := &model.User{UserID: 1, Username: "operator"}

	token, _, err := issuer.Issue(user)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	require.Error(t, err)
}

func TestIssuer_VerifyRejectsWrongSecret(t *testing.T) {
	a := NewIssuer("secret-a", time.Hour)
	b := NewIssuer("secret-b", time.Hour)
	user := &model.User{UserID: 1, Username: "operator"}

	token, _, err := a.Issue(user)
	require.NoError(t, err)

	_, err = b.Verify(token)
	require.Error(t, err)
}

func TestHashPassword_CheckPasswordRoundtrips(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	require.True(t, CheckPassword(hash, "correct horse battery staple"))
	require.False(t, CheckPassword(hash, "wrong password"))
}
