package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// A migration upgrades a database written by an older docqa. Versions are
// appended, never renumbered: schema_version records which ran.
type migration struct {
	version     int
	description string
	apply       func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		version:     1,
		description: "base schema",
		apply:       func(context.Context, *sql.Tx) error { return nil }, // schemaSQL
	},
	{
		version:     2,
		description: "query_log records citation range misses and answer latency",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			if err := addColumn(ctx, tx, "query_log", "citation_out_of_range", "INTEGER DEFAULT 0"); err != nil {
				return err
			}
			return addColumn(ctx, tx, "query_log", "elapsed_ms", "INTEGER DEFAULT 0")
		},
	},
	{
		version:     3,
		description: "index query_log by session",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				"CREATE INDEX IF NOT EXISTS idx_query_log_session ON query_log(session_id, id)")
			return err
		},
	},
	{
		version:     4,
		description: "drop index snapshots with imageless pages",
		apply:       dropImagelessSnapshots,
	},
}

// dropImagelessSnapshots removes snapshots holding a page that is neither
// degraded nor carries an image. Older builds could persist such pages
// when a render was cut short; the document is re-rendered on next load.
func dropImagelessSnapshots(ctx context.Context, tx *sql.Tx) error {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM documents WHERE id IN (
			SELECT p.document_id FROM pages p
			WHERE p.degraded = 0 AND NOT EXISTS (
				SELECT 1 FROM page_images i
				WHERE i.document_id = p.document_id AND i.page_number = p.number
			)
		)`)
	if err != nil {
		return fmt.Errorf("dropping imageless snapshots: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("store: dropped incomplete index snapshots", "documents", n)
	}
	return nil
}

// addColumn adds column to table unless a database created from a newer
// schemaSQL already has it.
func addColumn(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	has, err := hasColumn(ctx, tx, table, column)
	if err != nil {
		return err
	}
	if has {
		slog.Debug("store: column present", "table", table, "column", column)
		return nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("adding %s.%s: %w", table, column, err)
	}
	return nil
}

func hasColumn(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return false, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Migrate brings the database up to the latest schema version. Each
// migration commits on its own, so a failure leaves earlier ones applied.
func (s *Store) Migrate(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if latest := migrations[len(migrations)-1].version; current > latest {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", current, latest)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		slog.Info("store: migrating", "from", current, "to", m.version, "description", m.description)
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			if err := m.apply(ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, description) VALUES (?, ?)",
				m.version, m.description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		current = m.version
	}
	return nil
}
