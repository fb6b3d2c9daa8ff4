package migrations

import "embed"

// FS holds the versioned schema applied by golang-migrate.
//
//go:embed *.sql
var FS embed.FS
