// Package dbmigrations exposes the SQL migrations compiled into quantflow binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations.
//
//go:embed *.sql
var Files embed.FS
