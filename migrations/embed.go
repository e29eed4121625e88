package migrations

import "embed"

// Files exposes embedded SQL migration files ordered lexicographically. The
// top level holds the Postgres schema; sqlite/ holds the SQLite variant.
//
//go:embed *.sql sqlite/*.sql
var Files embed.FS
