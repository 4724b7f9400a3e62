package migrations

import "embed"

// FS contains embedded SQLite migrations for the lifecycle ledger.
//
//go:embed *.sql
var FS embed.FS
