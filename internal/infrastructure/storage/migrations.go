package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// ExpectedSchemaVersion is the latest schema version the application expects.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(ctx context.Context, tx *sql.Tx) error
	Description string
	Version     int
}

// Statements are limited to the dialect shared by SQLite and Postgres. Timestamps are unix nanoseconds.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Ledger, filings, processing states and watermarks",
		Up: execAll(
			`CREATE TABLE IF NOT EXISTS filings (
				filing_id TEXT PRIMARY KEY,
				source_id TEXT NOT NULL,
				company_identifier TEXT NOT NULL DEFAULT '',
				company_name TEXT NOT NULL DEFAULT '',
				filing_type TEXT NOT NULL DEFAULT '',
				published_at BIGINT NOT NULL,
				source_url TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS ledger (
				filing_id TEXT PRIMARY KEY,
				content_hash TEXT NOT NULL DEFAULT '',
				lineage INTEGER NOT NULL DEFAULT 1,
				published_at BIGINT NOT NULL,
				admitted_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS processing_states (
				filing_id TEXT PRIMARY KEY,
				state TEXT NOT NULL,
				lineage INTEGER NOT NULL DEFAULT 1,
				cause TEXT NOT NULL DEFAULT '',
				updated_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_processing_states_state ON processing_states(state, updated_at)`,
			`CREATE TABLE IF NOT EXISTS watermarks (
				source_id TEXT PRIMARY KEY,
				watermark BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
		),
	},
	{
		Version:     2,
		Description: "Raw filings, analysis records and events",
		Up: execAll(
			`CREATE TABLE IF NOT EXISTS raw_filings (
				filing_id TEXT NOT NULL,
				lineage INTEGER NOT NULL,
				content_ref TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				size_bytes BIGINT NOT NULL,
				retrieved_at BIGINT NOT NULL,
				PRIMARY KEY (filing_id, lineage)
			)`,
			`CREATE TABLE IF NOT EXISTS analysis_records (
				filing_id TEXT NOT NULL,
				lineage INTEGER NOT NULL,
				model_version TEXT NOT NULL,
				summary TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL,
				incomplete INTEGER NOT NULL DEFAULT 0,
				superseded INTEGER NOT NULL DEFAULT 0,
				analyzed_at BIGINT NOT NULL,
				PRIMARY KEY (filing_id, lineage, model_version)
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				filing_id TEXT NOT NULL,
				lineage INTEGER NOT NULL,
				model_version TEXT NOT NULL,
				ordinal INTEGER NOT NULL,
				category TEXT NOT NULL,
				description TEXT NOT NULL,
				risk_level TEXT NOT NULL,
				risk_rank INTEGER NOT NULL,
				PRIMARY KEY (filing_id, lineage, model_version, ordinal)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_risk ON events(risk_rank)`,
			`CREATE INDEX IF NOT EXISTS idx_events_category ON events(category, filing_id)`,
		),
	},
	{
		Version:     3,
		Description: "Entity graph with forwarding pointers",
		Up: execAll(
			`CREATE TABLE IF NOT EXISTS entities (
				entity_id TEXT PRIMARY KEY,
				display_name TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				merged_into TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS entity_aliases (
				entity_id TEXT NOT NULL,
				match_key TEXT NOT NULL,
				alias TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				PRIMARY KEY (entity_id, alias)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_entity_aliases_key ON entity_aliases(entity_type, match_key)`,
			`CREATE TABLE IF NOT EXISTS entity_filings (
				entity_id TEXT NOT NULL,
				filing_id TEXT NOT NULL,
				PRIMARY KEY (entity_id, filing_id)
			)`,
			`CREATE TABLE IF NOT EXISTS entity_merges (
				retired_id TEXT PRIMARY KEY,
				survivor_id TEXT NOT NULL,
				merged_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_filings_published ON filings(published_at)`,
		),
	},
	{
		Version:     4,
		Description: "Catch-up cursor for truncated listings and event source spans",
		Up: execAll(
			`ALTER TABLE watermarks ADD COLUMN catchup_until BIGINT NOT NULL DEFAULT 0`,
			`ALTER TABLE watermarks ADD COLUMN catchup_pending BIGINT NOT NULL DEFAULT 0`,
			`ALTER TABLE events ADD COLUMN span_start INTEGER`,
			`ALTER TABLE events ADD COLUMN span_end INTEGER`,
		),
	},
}

func execAll(queries ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, query := range queries {
			if _, err := tx.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("failed to execute query '%s': %w", query, err)
			}
		}
		return nil
	}
}

// Migrate applies every migration newer than the recorded schema version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	currentVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if upErr := migration.Up(ctx, tx); upErr != nil {
				return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
			}
			_, execErr := s.exec(ctx, tx, s.sb.Insert("schema_migrations").
				Columns("version", "description", "applied_at").
				Values(migration.Version, migration.Description, toNanos(s.now())))
			if execErr != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, execErr)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version != ExpectedSchemaVersion {
		return fmt.Errorf("schema version %d, expected %d", version, ExpectedSchemaVersion)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	row, err := s.queryRow(ctx, s.db, s.sb.Select("COALESCE(MAX(version), 0)").From("schema_migrations"))
	if err != nil {
		return 0, err
	}
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
