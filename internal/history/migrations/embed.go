package migrations

import "embed"

// FS contains the embedded SQLite migrations for the message log.
//
//go:embed *.sql
var FS embed.FS
