package migrations

import "embed"

// FS contains embedded SQLite migrations for custody storage.
//
//go:embed *.sql
var FS embed.FS
