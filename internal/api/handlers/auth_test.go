// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soraflow/dispatcher/internal/api/middleware"
	"github.com/soraflow/dispatcher/internal/auth"
	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/store"
)

type fakeUserStore struct {
	user *model.User
}

func (f *fakeUserStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	if f.user == nil || f.user.Username != username {
		return nil, store.ErrNotFound
	}
	return f.user, nil
}

func TestAuth_Login_IssuesTokenOnValidCredentials(t *testing.T) {
	hash, err := auth.HashPassword("correct-horse")
	require.NoError(t, err)
	us := &fakeUserStore{user: &model.User{UserID: 1, Username: "operator", PasswordHash: hash, IsActive: true}}
	h := NewAuth(us, auth.NewIssuer("test-secret", time.Hour))

	body, _ := json.Marshal(loginRequest{Username: "operator", Password: "correct-horse"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Login(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp loginResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	require.Equal(t, "operator", resp.User.Username)
}

func TestAuth_Login_RejectsWrongPassword(t *testing.T) {
	hash, _ := auth.HashPassword("correct-horse")
	us := &fakeUserStore{user: &model.User{UserID: 1, Username: "operator", PasswordHash: hash, IsActive: true}}
	h := NewAuth(us, auth.NewIssuer("test-secret", time.Hour))

	body, _ := json.Marshal(loginRequest{Username: "operator", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Login(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_Login_RejectsUnknownUser(t *testing.T) {
	us := &fakeUserStore{}
	h := NewAuth(us, auth.NewIssuer("test-secret", time.Hour))

	body, _ := json.Marshal(loginRequest{Username: "ghost", Password: "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Login(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_Login_RejectsInactiveUser(t *testing.T) {
	hash, _ := auth.HashPassword("correct-horse")
	us := &fakeUserStore{user: &model.User{UserID: 1, Username: "operator", PasswordHash: hash, IsActive: false}}
	h := NewAuth(us, auth.NewIssuer("test-secret", time.Hour))

	body, _ := json.Marshal(loginRequest{Username: "operator", Password: "correct-horse"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Login(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_Me_ReturnsAuthenticatedUsername(t *testing.T) {
	h := NewAuth(&fakeUserStore{}, auth.NewIssuer("test-secret", time.Hour))

	issuer := auth.NewIssuer("test-secret", time.Hour)
	handler := middleware.Authenticate(issuer, false)(http.HandlerFunc(h.Me))

	token, _, err := issuer.Issue(&model.User{Username: "operator"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Equal(t, "operator", got["username"])
}

func TestAuth_Me_RejectsUnauthenticated(t *testing.T) {
	h := NewAuth(&fakeUserStore{}, auth.NewIssuer("test-secret", time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	w := httptest.NewRecorder()
	h.Me(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
