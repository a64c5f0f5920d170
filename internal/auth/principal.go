// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package auth issues and verifies the JWTs used by the login endpoint and
// the admin SSE stream (spec §6), and checks operator passwords against the
// bcrypt hashes in the users table.
package auth

// Principal is the authenticated identity derived from a verified token.
type Principal struct {
	UserID   int64
	Username string
}
