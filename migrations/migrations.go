// Package migrations embeds the ledger's schema migrations.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// Dialect is the goose dialect the ledger database speaks.
const Dialect = "sqlite3"

// FS holds the embedded SQL migration files, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS

// Apply brings db up to the latest schema version. It is called on every
// ledger open, so a fresh database and an up-to-date one both pass
// through here.
func Apply(db *sql.DB) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect(Dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
