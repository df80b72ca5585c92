// Package migrations embeds the Postgres SQL migration files for use at
// runtime, so they work regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem (001_episodes.sql, ...).
//
//go:embed *.sql
var FS embed.FS
