package migrations

import "embed"

// FS contains the SQL migrations shared by the sqlite and postgres stores.
//
//go:embed *.sql
var FS embed.FS
