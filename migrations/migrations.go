// Package migrations embeds the SQL schema of the client cache and the
// reference server.
package migrations

import "embed"

// SQLite holds the client cache schema under sqlite/.
//
//go:embed sqlite/*.sql
var SQLite embed.FS

// Postgres holds the server schema under postgres/.
//
//go:embed postgres/*.sql
var Postgres embed.FS

const (
	SQLiteDir   = "sqlite"
	PostgresDir = "postgres"
)
