// Package db provides the embedded database migration files.
package db

import "embed"

// Migrations holds the SQL migrations, applied in filename order.
//
//go:embed migrations/*.sql
var Migrations embed.FS
