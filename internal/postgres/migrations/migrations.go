// Package migrations embeds the goose-managed SQL migration files for the rendezvous schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
