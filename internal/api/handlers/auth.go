// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/soraflow/dispatcher/internal/api/middleware"
	"github.com/soraflow/dispatcher/internal/auth"
	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/store"
)

// UserStore is the narrow store surface the auth handlers need.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
}

type Auth struct {
	store  UserStore
	issuer *auth.Issuer
}

func NewAuth(store UserStore, issuer *auth.Issuer) *Auth {
	return &Auth{store: store, issuer: issuer}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	User        struct {
		UserID   int64  `json:"user_id"`
		Username string `json:"username"`
	} `json:"user"`
}

// Login handles POST /api/v1/auth/login.
func (h *Auth) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}
	if !user.IsActive || !auth.CheckPassword(user.PasswordHash, req.Password) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, _, err := h.issuer.Issue(user)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}

	resp := loginResponse{AccessToken: token, TokenType: "bearer"}
	resp.User.UserID = user.UserID
	resp.User.Username = user.Username
	writeJSON(w, http.StatusOK, resp)
}

// Me handles GET /api/v1/auth/me, returning the identity middleware.Authenticate
// attached to the request context.
func (h *Auth) Me(w http.ResponseWriter, r *http.Request) {
	username := middleware.UsernameFromContext(r.Context())
	if username == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}
