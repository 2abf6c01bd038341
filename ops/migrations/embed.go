// Package migrations embeds the SQL schema and seed files so binaries do not
// depend on the working directory.
package migrations

import "embed"

// FS holds sql/*.sql and seeds/*.sql.
//
//go:embed sql/*.sql seeds/*.sql
var FS embed.FS
