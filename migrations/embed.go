package migrations

import "embed"

// Files exposes embedded SQL migration files. Top-level files are the
// Postgres dialect; the sqlite/ subdirectory mirrors them for SQLite.
//
//go:embed *.sql sqlite/*.sql
var Files embed.FS
