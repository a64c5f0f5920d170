// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store is the durable queue and system-of-record for the dispatch
// subsystem (spec §4.1): jobs, events, leases, settings, scans, proxies,
// users, scheduler locks, and nurture batches, behind a single relational
// Store with WAL mode and BEGIN IMMEDIATE-serialized writers. Grounded on
// internal/domain/session/store/sqlite_store.go and
// internal/persistence/sqlite/config.go of the teacher repo.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Config tunes the underlying *sql.DB, mirroring the teacher's
// persistence/sqlite.Config shape exactly.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

func DefaultConfig() Config {
	return Config{BusyTimeout: 5 * time.Second, MaxOpenConns: 25}
}

// Open returns a WAL-mode connection pool tuned per spec §4.1
// ("WAL mode, synchronous=NORMAL, busy_timeout in the seconds range").
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// Store is the durable queue handle. All components reference state only by
// job_id/profile_id (spec §3's ownership rule); Store is the sole owner of
// the persisted graph.
type Store struct {
	DB   *sql.DB
	path string
}

// New opens dbPath, applies migrations, and returns a ready Store.
func New(dbPath string, cfg Config) (*Store, error) {
	db, err := Open(dbPath, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db, path: dbPath}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.DB.Close() }
