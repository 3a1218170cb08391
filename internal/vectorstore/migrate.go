package vectorstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// sqliteSchemaVersion is the schema version NewSQLite expects.
const sqliteSchemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// sqliteMigrations is applied in order, each version once, tracked in schema_version.
var sqliteMigrations = []migration{
	{
		Version:     1,
		Description: "collections and points",
		SQL: `
		CREATE TABLE IF NOT EXISTS collections (
			name        TEXT PRIMARY KEY,
			dimension   INTEGER NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS points (
			collection  TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
			id          TEXT NOT NULL,
			document_id TEXT NOT NULL,
			ordinal     INTEGER NOT NULL,
			text        TEXT NOT NULL,
			embedding   BLOB NOT NULL,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_points_doc ON points(collection, document_id, ordinal);
		`,
	},
	{
		Version:     2,
		Description: "chunk source offsets",
		SQL: `
		ALTER TABLE points ADD COLUMN start_offset INTEGER DEFAULT 0;
		ALTER TABLE points ADD COLUMN end_offset INTEGER DEFAULT 0;
		`,
	},
}

// runMigrations applies pending migrations. Statements that fail because a
// column or table already exists are skipped so that partially upgraded
// files still converge.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range sqliteMigrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)
		for _, stmt := range strings.Split(m.SQL, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := db.Exec(stmt); err != nil {
				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
					logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
					continue
				}
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := db.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
