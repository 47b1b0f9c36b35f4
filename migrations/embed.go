// Package migrations holds the SQL schema applied by `ehr-server migrate up`.
package migrations

import "embed"

// FS contains every numbered *.sql migration.
//
//go:embed *.sql
var FS embed.FS
