package metadata

import (
	"database/sql"
	"embed"
	"fmt"
)

//go:embed schema.sql
var schemaFS embed.FS

// ensureSchema creates coldvault's tables and indexes if they do not
// already exist. Unlike a versioned migration engine, there is exactly
// one schema here: coldvault has no prior on-disk format its STRICT
// tables need to migrate data out of, so opening a store just applies
// the embedded DDL idempotently inside one transaction rather than
// walking a directory of ordered migration files.
func ensureSchema(db *sql.DB) error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema setup: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	return tx.Commit()
}
