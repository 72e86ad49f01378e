// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package persistence implements the durable store on PostgreSQL via sqlx
// over the pgx stdlib driver. The consumers (engine, retention, alert, api,
// providers) each declare the narrow interface they need; *Store satisfies
// all of them.
package persistence

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
)

// Store is the PostgreSQL-backed durable store.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database and verifies the connection.
func Open(dsn string, maxConns int) (*Store, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// sqlxIn expands an IN (?) clause. Split out so call sites stay on one line.
func sqlxIn(query string, args ...interface{}) (string, []interface{}, error) {
	return sqlx.In(query, args...)
}
