// Package migrations embeds the control-plane schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
