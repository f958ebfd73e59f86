package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

const tableName = "claims_migrations"

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Dialect names accepted by Run, as understood by sql-migrate.
const (
	Postgres = "postgres"
	SQLite   = "sqlite3"
)

// Run applies every pending up migration for the dialect and returns how many ran.
func Run(db *sql.DB, dialect string) (int, error) {
	var root string
	switch dialect {
	case Postgres:
		root = "postgres"
	case SQLite:
		root = "sqlite"
	default:
		return 0, fmt.Errorf("unsupported migration dialect %q", dialect)
	}

	set := migrate.MigrationSet{TableName: tableName}
	src := &migrate.EmbedFileSystemMigrationSource{FileSystem: files, Root: root}
	n, err := set.Exec(db, dialect, src, migrate.Up)
	if err != nil {
		return n, fmt.Errorf("run %s migrations: %w", dialect, err)
	}
	return n, nil
}
