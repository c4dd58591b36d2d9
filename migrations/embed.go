// Package migrations embeds the PostgreSQL schema for the postgres State
// Store and History Log backends.
package migrations

import "embed"

// FS holds every *.up.sql file, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
