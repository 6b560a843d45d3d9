// Package sqlite provides a single-file Ingestion Store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
)

const (
	defaultPageSize = 100
	maxPageSize     = 10000
)

var _ store.Repository = (*RecordStore)(nil)

// RecordStore implements store.Repository on one SQLite file. The pool holds
// a single connection, so every write transaction runs alone.
type RecordStore struct {
	db    *sql.DB
	clock pipeline.Clock
}

// Open opens the database at path and configures WAL mode.
func Open(path string, clock pipeline.Clock) (*RecordStore, error) {
	if path == "" {
		return nil, pipeline.ConfigInvalid("store.path is required for the sqlite backend")
	}
	if clock == nil {
		return nil, eris.New("sqlite: clock is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pipeline.StoreUnavailable("open", eris.Wrap(err, "sqlite: open"))
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, pipeline.StoreUnavailable("open", eris.Wrapf(err, "sqlite: exec %s", pragma))
		}
	}
	return &RecordStore{db: db, clock: clock}, nil
}

// Timestamps are stored as Unix nanoseconds so comparisons stay numeric.
const migration = `
CREATE TABLE IF NOT EXISTS raw_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	content_hash  TEXT NOT NULL UNIQUE,
	item          TEXT NOT NULL,
	value         REAL NOT NULL,
	unit          TEXT NOT NULL,
	commodity     TEXT NOT NULL,
	location      TEXT NOT NULL,
	year          TEXT NOT NULL,
	source        TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	soil_type     TEXT NOT NULL DEFAULT '',
	rotation      TEXT NOT NULL DEFAULT '',
	tillage       TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	score         INTEGER NOT NULL,
	flagged       INTEGER NOT NULL DEFAULT 0,
	first_seen_at INTEGER NOT NULL,
	scraped_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_records (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	raw_id             INTEGER NOT NULL REFERENCES raw_records(id),
	content_hash       TEXT NOT NULL,
	item               TEXT NOT NULL,
	value              REAL NOT NULL,
	unit               TEXT NOT NULL,
	commodity          TEXT NOT NULL,
	location           TEXT NOT NULL,
	year               TEXT NOT NULL,
	source             TEXT NOT NULL,
	category           TEXT NOT NULL DEFAULT '',
	score              INTEGER NOT NULL,
	processed_at       INTEGER NOT NULL,
	processing_version TEXT NOT NULL,
	UNIQUE (content_hash, processing_version)
);

CREATE TABLE IF NOT EXISTS source_runs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id           TEXT NOT NULL,
	source           TEXT NOT NULL,
	state            TEXT NOT NULL,
	records_ingested INTEGER NOT NULL,
	errors           TEXT NOT NULL DEFAULT '[]',
	started_at       INTEGER NOT NULL,
	finished_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_records_commodity ON raw_records(commodity);
CREATE INDEX IF NOT EXISTS idx_processed_records_version ON processed_records(processing_version);
CREATE INDEX IF NOT EXISTS idx_source_runs_run_id ON source_runs(run_id);
`

// Migrate creates the schema if needed.
func (s *RecordStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migration)
	return pipeline.StoreUnavailable("migrate", eris.Wrap(err, "sqlite: migrate"))
}

// Close closes the database.
func (s *RecordStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

// Ping checks the database handle.
func (s *RecordStore) Ping(ctx context.Context) error {
	return pipeline.StoreUnavailable("ping", eris.Wrap(s.db.PingContext(ctx), "sqlite: ping"))
}

// Ingest writes one batch in a single transaction.
func (s *RecordStore) Ingest(ctx context.Context, results []pipeline.ValidationResult) (store.IngestSummary, error) {
	plan := store.PlanIngest(results, s.clock.Now())
	if len(plan.Records) == 0 {
		return plan.Summarize(0), nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.IngestSummary{}, pipeline.StoreUnavailable("ingest", eris.Wrap(err, "sqlite: begin"))
	}
	defer func() { _ = tx.Rollback() }()

	existing := 0
	for _, r := range plan.Records {
		res, err := tx.ExecContext(ctx,
			`UPDATE raw_records SET scraped_at = max(scraped_at, ?) WHERE content_hash = ?`,
			r.ScrapedAt.UnixNano(), r.ContentHash,
		)
		if err != nil {
			return store.IngestSummary{}, pipeline.StoreUnavailable("ingest", eris.Wrapf(err, "sqlite: reaffirm %s", r.ContentHash))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			existing++
			continue
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO raw_records (
	content_hash, item, value, unit, commodity, location, year, source,
	category, soil_type, rotation, tillage, notes, score, flagged, first_seen_at, scraped_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.ContentHash, r.Item, r.Value, r.Unit, r.Commodity, r.Location, r.Year, r.Source,
			r.Category, r.SoilType, r.Rotation, r.Tillage, r.Notes, r.Score, r.Flagged,
			r.FirstSeenAt.UnixNano(), r.ScrapedAt.UnixNano(),
		)
		if err != nil {
			return store.IngestSummary{}, pipeline.StoreUnavailable("ingest", eris.Wrapf(err, "sqlite: insert %s", r.ContentHash))
		}
	}
	if err := tx.Commit(); err != nil {
		return store.IngestSummary{}, pipeline.StoreUnavailable("ingest", eris.Wrap(err, "sqlite: commit"))
	}
	return plan.Summarize(existing), nil
}

const rawColumns = `r.id, r.content_hash, r.item, r.value, r.unit, r.commodity, r.location, r.year, r.source,
	r.category, r.soil_type, r.rotation, r.tillage, r.notes, r.score, r.flagged, r.first_seen_at, r.scraped_at`

// Standardize upserts one processed row per statement; each commits on its own.
func (s *RecordStore) Standardize(ctx context.Context, std store.Standardizer) (store.StandardizeSummary, error) {
	summary := store.StandardizeSummary{Version: std.Version()}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM raw_records`).Scan(&total); err != nil {
		return summary, pipeline.StoreUnavailable("standardize", eris.Wrap(err, "sqlite: count raw"))
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+rawColumns+`
FROM raw_records r
LEFT JOIN processed_records p
	ON p.content_hash = r.content_hash AND p.processing_version = ?
WHERE p.id IS NULL OR p.processed_at < r.scraped_at
ORDER BY r.id`, std.Version())
	if err != nil {
		return summary, pipeline.StoreUnavailable("standardize", eris.Wrap(err, "sqlite: pending raw"))
	}
	pending, err := collectRaw(rows)
	if err != nil {
		return summary, pipeline.StoreUnavailable("standardize", err)
	}
	for _, raw := range pending {
		p := std.Apply(raw, s.clock.Now())
		_, err := s.db.ExecContext(ctx, `
INSERT INTO processed_records (
	raw_id, content_hash, item, value, unit, commodity, location, year, source,
	category, score, processed_at, processing_version
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (content_hash, processing_version) DO UPDATE
SET item = excluded.item,
	value = excluded.value,
	unit = excluded.unit,
	commodity = excluded.commodity,
	location = excluded.location,
	year = excluded.year,
	source = excluded.source,
	category = excluded.category,
	score = excluded.score,
	processed_at = excluded.processed_at`,
			p.RawID, p.ContentHash, p.Item, p.Value, p.Unit, p.Commodity, p.Location, p.Year, p.Source,
			p.Category, p.Score, p.ProcessedAt.UnixNano(), p.ProcessingVersion,
		)
		if err != nil {
			return summary, pipeline.StoreUnavailable("standardize", eris.Wrapf(err, "sqlite: upsert %s", p.ContentHash))
		}
		summary.Written++
	}
	summary.Skipped = total - summary.Written
	return summary, nil
}

// RecordRun appends a source outcome to source_runs.
func (s *RecordStore) RecordRun(ctx context.Context, status pipeline.SourceRunStatus) error {
	errs := status.Errors
	if errs == nil {
		errs = []string{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run errors")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO source_runs (run_id, source, state, records_ingested, errors, started_at, finished_at)
VALUES (?,?,?,?,?,?,?)`,
		status.RunID, status.Source, string(status.State), status.RecordsIngested, string(errsJSON),
		status.StartedAt.UnixNano(), status.FinishedAt.UnixNano(),
	)
	return pipeline.StoreUnavailable("record run", eris.Wrap(err, "sqlite: insert source run"))
}

// ListRaw returns raw records ordered by id.
func (s *RecordStore) ListRaw(ctx context.Context, f store.Filter) ([]pipeline.RawRecord, error) {
	where, args := whereClause(f, false)
	args = append(args, f.PageSize(defaultPageSize, maxPageSize), max(f.Offset, 0))
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+rawColumns+" FROM raw_records r"+where+" ORDER BY r.id LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, pipeline.StoreUnavailable("list raw", eris.Wrap(err, "sqlite: list raw"))
	}
	out, err := collectRaw(rows)
	return out, pipeline.StoreUnavailable("list raw", err)
}

// ListProcessed returns processed records ordered by id.
func (s *RecordStore) ListProcessed(ctx context.Context, f store.Filter) ([]pipeline.ProcessedRecord, error) {
	where, args := whereClause(f, true)
	args = append(args, f.PageSize(defaultPageSize, maxPageSize), max(f.Offset, 0))
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.raw_id, r.content_hash, r.item, r.value, r.unit, r.commodity, r.location, r.year, r.source,
	r.category, r.score, r.processed_at, r.processing_version
FROM processed_records r`+where+" ORDER BY r.id LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, pipeline.StoreUnavailable("list processed", eris.Wrap(err, "sqlite: list processed"))
	}
	defer rows.Close()

	var out []pipeline.ProcessedRecord
	for rows.Next() {
		var p pipeline.ProcessedRecord
		var processedAt int64
		if err := rows.Scan(
			&p.ID, &p.RawID, &p.ContentHash, &p.Item, &p.Value, &p.Unit, &p.Commodity, &p.Location,
			&p.Year, &p.Source, &p.Category, &p.Score, &processedAt, &p.ProcessingVersion,
		); err != nil {
			return nil, pipeline.StoreUnavailable("list processed", eris.Wrap(err, "sqlite: scan processed"))
		}
		p.ProcessedAt = fromNanos(processedAt)
		out = append(out, p)
	}
	return out, pipeline.StoreUnavailable("list processed", eris.Wrap(rows.Err(), "sqlite: iterate processed"))
}

// GetRaw loads one raw record by content hash.
func (s *RecordStore) GetRaw(ctx context.Context, contentHash string) (pipeline.RawRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+rawColumns+" FROM raw_records r WHERE r.content_hash = ?", contentHash)
	if err != nil {
		return pipeline.RawRecord{}, pipeline.StoreUnavailable("get raw", eris.Wrap(err, "sqlite: get raw"))
	}
	out, err := collectRaw(rows)
	if err != nil {
		return pipeline.RawRecord{}, pipeline.StoreUnavailable("get raw", err)
	}
	if len(out) == 0 {
		return pipeline.RawRecord{}, store.ErrNotFound
	}
	return out[0], nil
}

// Summary aggregates the stored rows.
func (s *RecordStore) Summary(ctx context.Context) (store.Summary, error) {
	sum := store.Summary{BySource: map[string]int{}}
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT
	(SELECT count(*) FROM raw_records),
	(SELECT count(*) FROM raw_records WHERE flagged = 1),
	(SELECT count(*) FROM processed_records),
	(SELECT max(scraped_at) FROM raw_records)`,
	).Scan(&sum.RawRecords, &sum.FlaggedRecords, &sum.ProcessedRecords, &last)
	if err != nil {
		return store.Summary{}, pipeline.StoreUnavailable("summary", eris.Wrap(err, "sqlite: summary counts"))
	}
	if last.Valid {
		ts := fromNanos(last.Int64)
		sum.LastScrapedAt = &ts
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, count(*) FROM raw_records GROUP BY source`)
	if err != nil {
		return store.Summary{}, pipeline.StoreUnavailable("summary", eris.Wrap(err, "sqlite: summary by source"))
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return store.Summary{}, pipeline.StoreUnavailable("summary", eris.Wrap(err, "sqlite: scan source count"))
		}
		sum.BySource[source] = n
	}
	if err := rows.Err(); err != nil {
		return store.Summary{}, pipeline.StoreUnavailable("summary", eris.Wrap(err, "sqlite: iterate source counts"))
	}

	versions, err := s.strings(ctx, `SELECT DISTINCT processing_version FROM processed_records ORDER BY processing_version`)
	if err != nil {
		return store.Summary{}, pipeline.StoreUnavailable("summary", err)
	}
	sum.Versions = versions
	return sum, nil
}

// Distinct lists the sorted distinct non-empty values of a raw-record column.
func (s *RecordStore) Distinct(ctx context.Context, field string) ([]string, error) {
	if !store.ValidField(field) {
		return nil, store.ErrUnknownField
	}
	// field is checked against a fixed allow-list above.
	out, err := s.strings(ctx, fmt.Sprintf("SELECT DISTINCT %[1]s FROM raw_records WHERE %[1]s <> '' ORDER BY %[1]s", field))
	return out, pipeline.StoreUnavailable("distinct", err)
}

// ListRuns returns audit rows newest first.
func (s *RecordStore) ListRuns(ctx context.Context, limit int) ([]pipeline.SourceRunStatus, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, source, state, records_ingested, errors, started_at, finished_at
FROM source_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pipeline.StoreUnavailable("list runs", eris.Wrap(err, "sqlite: list runs"))
	}
	defer rows.Close()

	var out []pipeline.SourceRunStatus
	for rows.Next() {
		var st pipeline.SourceRunStatus
		var state, errsJSON string
		var started, finished int64
		if err := rows.Scan(&st.RunID, &st.Source, &state, &st.RecordsIngested, &errsJSON, &started, &finished); err != nil {
			return nil, pipeline.StoreUnavailable("list runs", eris.Wrap(err, "sqlite: scan run"))
		}
		st.State = pipeline.SourceState(state)
		st.StartedAt = fromNanos(started)
		st.FinishedAt = fromNanos(finished)
		if err := json.Unmarshal([]byte(errsJSON), &st.Errors); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run errors")
		}
		if len(st.Errors) == 0 {
			st.Errors = nil
		}
		out = append(out, st)
	}
	return out, pipeline.StoreUnavailable("list runs", eris.Wrap(rows.Err(), "sqlite: iterate runs"))
}

func (s *RecordStore) strings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query strings")
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan string")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate strings")
}

func collectRaw(rows *sql.Rows) ([]pipeline.RawRecord, error) {
	defer rows.Close()
	var out []pipeline.RawRecord
	for rows.Next() {
		var r pipeline.RawRecord
		var firstSeen, scraped int64
		if err := rows.Scan(
			&r.ID, &r.ContentHash, &r.Item, &r.Value, &r.Unit, &r.Commodity, &r.Location, &r.Year, &r.Source,
			&r.Category, &r.SoilType, &r.Rotation, &r.Tillage, &r.Notes, &r.Score, &r.Flagged, &firstSeen, &scraped,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan raw record")
		}
		r.FirstSeenAt = fromNanos(firstSeen)
		r.ScrapedAt = fromNanos(scraped)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate raw records")
	}
	return out, nil
}

func whereClause(f store.Filter, processed bool) (string, []any) {
	var conds []string
	var args []any
	for _, c := range []struct {
		column string
		value  string
	}{
		{"commodity", f.Commodity},
		{"location", f.Location},
		{"year", f.Year},
		{"source", f.Source},
	} {
		if c.value != "" {
			conds = append(conds, "lower(r."+c.column+") = ?")
			args = append(args, pipeline.NormalizeText(c.value))
		}
	}
	if f.MinScore > 0 {
		conds = append(conds, "r.score >= ?")
		args = append(args, f.MinScore)
	}
	if processed && f.Version != "" {
		conds = append(conds, "r.processing_version = ?")
		args = append(args, f.Version)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

