// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists jobs, instances, tasks, workflow edges and
// dependency edges, and provides the compare-and-swap primitives the state
// machine is built on. All timestamps are unix milliseconds.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// Config contains database connection configuration.
type Config struct {
	// Driver is the database/sql driver name.
	Driver string `yaml:"driver"`

	// DSN is the datasource name, e.g. a file path for sqlite.
	DSN string `yaml:"dsn"`

	// WAL enables Write-Ahead Logging mode (sqlite only).
	WAL bool `yaml:"wal"`
}

// Store is the database handle. Data access methods live on queries and are
// shared with Tx, so every operation runs either standalone or inside a
// transaction.
type Store struct {
	db *sqlx.DB
	queries
}

// Tx is an open transaction exposing the same data access methods.
type Tx struct {
	tx *sqlx.Tx
	queries
}

type queries struct {
	ext sqlx.ExtContext
}

// New opens the database, applies pragmas and runs migrations.
func New(cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if driver == "sqlite" {
		// sqlite serializes writes, so a single connection avoids
		// SQLITE_BUSY under concurrent scanners
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connect database: %w", err)
	}

	s := &Store{db: db, queries: queries{ext: db}}
	if driver == "sqlite" {
		if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: configure pragmas: %w", err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// InTx runs fn in a transaction, committing when it returns nil and rolling
// back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	t := &Tx{tx: tx, queries: queries{ext: tx}}
	if err := fn(t); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("store: rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// affected reports whether an exec touched at least min rows.
func affected(res sql.Result, min int64) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n >= min, nil
}

// runStates converts enum slices for IN-list binding.
func runStates[T ~int](states []T) []int {
	out := make([]int, len(states))
	for i, s := range states {
		out[i] = int(s)
	}
	return out
}

// in expands an IN-list query for the current driver.
func (q queries) in(query string, args ...any) (string, []any, error) {
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return q.ext.Rebind(expanded), expandedArgs, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
