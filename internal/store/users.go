// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/soraflow/dispatcher/internal/model"
)

// GetUserByUsername backs the login flow (recovered from
// original_source/app/db/sqlite/users_repo.py).
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	var createdAt int64
	var isActive int
	err := s.DB.QueryRowContext(ctx, `
		SELECT user_id, username, password_hash, is_active, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&u.UserID, &u.Username, &u.PasswordHash, &isActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.IsActive = isActive != 0
	u.CreatedAt = fromUnix(createdAt)
	return &u, nil
}

// CreateUser inserts a new principal (used by the bootstrap admin-creation
// script, mirroring original_source/scripts/init_admin.py).
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, is_active, created_at) VALUES (?, ?, 1, ?)`,
		username, passwordHash, toUnix(time.Now().UTC()),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
