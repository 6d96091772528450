package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// migration is a versioned schema change applied once per database.
type migration struct {
	Version     string
	Description string
	SQL         string
}

// migrations are applied in order; append only.
var migrations = []migration{
	{
		Version:     "001",
		Description: "create key-value table",
		SQL: `
			CREATE TABLE IF NOT EXISTS kv (
				key        TEXT PRIMARY KEY,
				value      TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);
		`,
	},
}

// Migrate creates the schema_migrations table and applies every pending
// migration inside its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.conn.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL,
			execution_time_ms INTEGER
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := s.isVersionApplied(ctx, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		started := time.Now()
		err = s.conn.withTx(ctx, func(tx *sql.Tx) error {
			for i, stmt := range splitStatements(m.SQL) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %s statement %d: %w", m.Version, i+1, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at, execution_time_ms) VALUES (?, ?, ?)`,
				m.Version,
				time.Now().UTC().Format(time.RFC3339),
				time.Since(started).Milliseconds(),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// AppliedVersions returns the applied migration versions in ascending order.
func (s *Store) AppliedVersions(ctx context.Context) ([]string, error) {
	rows, err := s.conn.db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version ASC`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, mapError(err)
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func (s *Store) isVersionApplied(ctx context.Context, version string) (bool, error) {
	var exists int
	err := s.conn.db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ? LIMIT 1`, version).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, mapError(err))
	}
	return true, nil
}

// splitStatements splits SQL on semicolons, dropping blanks and comment lines.
func splitStatements(script string) []string {
	var statements []string
	for _, stmt := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if len(lines) > 0 {
			statements = append(statements, strings.Join(lines, " "))
		}
	}
	return statements
}
