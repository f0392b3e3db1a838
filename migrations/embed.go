// Package migrations carries the SQL schema, applied by persistence.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
