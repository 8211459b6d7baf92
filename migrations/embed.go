// Package migrations embeds the tenant schema migrations applied by
// `radreport-server migrate up`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
