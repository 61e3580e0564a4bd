package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	species TEXT NOT NULL,
	query_limit INTEGER NOT NULL,
	require_coords INTEGER NOT NULL,
	tests TEXT NOT NULL,
	clean INTEGER NOT NULL,
	flagged INTEGER NOT NULL,
	excluded INTEGER NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS occurrences (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	ordinal INTEGER NOT NULL,
	tbl TEXT NOT NULL,
	gbif_id TEXT NOT NULL,
	species TEXT,
	decimal_longitude REAL,
	decimal_latitude REAL,
	country_code TEXT,
	country TEXT,
	individual_count INTEGER,
	individual_count_raw TEXT,
	coordinate_uncertainty_m REAL,
	year INTEGER,
	basis_of_record TEXT,
	institution_code TEXT,
	failed_tests TEXT,
	summary INTEGER NOT NULL,
	reason TEXT,
	PRIMARY KEY (run_id, ordinal)
);
CREATE INDEX IF NOT EXISTS idx_occurrences_tbl ON occurrences(run_id, tbl);
CREATE INDEX IF NOT EXISTS idx_occurrences_gbif_id ON occurrences(run_id, gbif_id);
`

const insertOccurrence = `INSERT INTO occurrences (
	run_id, ordinal, tbl, gbif_id, species, decimal_longitude, decimal_latitude,
	country_code, country, individual_count, individual_count_raw,
	coordinate_uncertainty_m, year, basis_of_record, institution_code,
	failed_tests, summary, reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink persists every run and its three tables to a SQLite database.
// Occurrences are keyed by run and row ordinal, so the store never depends on
// source IDs being unique. It implements pipeline.Loader.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteSink{db: db, logger: logger}, nil
}

// Load stores the run in a single transaction.
func (s *SQLiteSink) Load(ctx context.Context, result domain.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tests, err := json.Marshal(result.Tests)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, species, query_limit, require_coords, tests, clean, flagged, excluded, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, result.Query.Species, result.Query.Limit, result.Query.RequireCoords, string(tests),
		len(result.Clean), len(result.Flagged), len(result.Excluded),
		result.StartedAt.UTC().Format(time.RFC3339Nano), result.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertOccurrence)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, t := range tables(result) {
		for _, r := range t.rows {
			o := r.rec.Occurrence
			_, err := stmt.ExecContext(ctx,
				result.RunID, n, t.name, o.ID, o.TaxonName, o.Longitude, o.Latitude,
				o.CountryCode, o.Country, o.IndividualCount, nullString(o.IndividualCountRaw),
				o.CoordinateUncertaintyM, o.Year, o.BasisOfRecord, o.InstitutionCode,
				r.failedTests(result.Tests), r.rec.Summary, nullString(string(r.reason)))
			if err != nil {
				return fmt.Errorf("insert occurrence %s: %w", o.ID, err)
			}
			n++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("run stored", "run_id", result.RunID, "occurrences", n)
	return nil
}

// TableCounts returns the number of stored records per table for a run.
func (s *SQLiteSink) TableCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tbl, COUNT(*) FROM occurrences WHERE run_id = ? GROUP BY tbl`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			tbl string
			n   int
		)
		if err := rows.Scan(&tbl, &n); err != nil {
			return nil, err
		}
		counts[tbl] = n
	}
	return counts, rows.Err()
}

// FailedTests returns the failed tests stored for a record. When a run holds
// more than one row with the ID, the first stored row is used.
func (s *SQLiteSink) FailedTests(ctx context.Context, runID, gbifID string) ([]string, error) {
	var failed sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT failed_tests FROM occurrences WHERE run_id = ? AND gbif_id = ? ORDER BY ordinal LIMIT 1`, runID, gbifID).Scan(&failed)
	if err != nil {
		return nil, err
	}
	if failed.String == "" {
		return nil, nil
	}
	return strings.Split(failed.String, ","), nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
