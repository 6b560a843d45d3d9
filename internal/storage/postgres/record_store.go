// Package postgres provides the Postgres-backed Ingestion Store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
)

const (
	defaultPageSize = 100
	maxPageSize     = 10000
)

var _ store.Repository = (*RecordStore)(nil)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// RecordStore persists raw and processed records in Postgres.
type RecordStore struct {
	pool  pool
	clock pipeline.Clock
}

// NewRecordStore creates a pooled RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg Config, clock pipeline.Clock) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, pipeline.ConfigInvalid("store.dsn is required for the postgres backend")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, pipeline.ConfigInvalid("parse postgres dsn: %v", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, pipeline.StoreUnavailable("connect", err)
	}
	return NewRecordStoreWithPool(p, clock)
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, clock pipeline.Clock) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &RecordStore{pool: p, clock: clock}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *RecordStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return pipeline.StoreUnavailable("migrate", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	return pipeline.StoreUnavailable("ping", s.pool.Ping(ctx))
}

const upsertRaw = `
INSERT INTO raw_records (
	content_hash, item, value, unit, commodity, location, year, source,
	category, soil_type, rotation, tillage, notes, score, flagged, first_seen_at, scraped_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)
ON CONFLICT (content_hash) DO UPDATE
SET scraped_at = GREATEST(raw_records.scraped_at, EXCLUDED.scraped_at)
RETURNING (xmax = 0) AS inserted`

// Ingest writes one batch inside a single transaction. Rows are upserted in
// content-hash order so concurrent batches lock rows in the same order.
func (s *RecordStore) Ingest(ctx context.Context, results []pipeline.ValidationResult) (store.IngestSummary, error) {
	plan := store.PlanIngest(results, s.clock.Now())
	if len(plan.Records) == 0 {
		return plan.Summarize(0), nil
	}
	records := append([]pipeline.RawRecord(nil), plan.Records...)
	sort.Slice(records, func(i, j int) bool { return records[i].ContentHash < records[j].ContentHash })

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.IngestSummary{}, pipeline.StoreUnavailable("ingest", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing := 0
	for _, r := range records {
		var inserted bool
		err := tx.QueryRow(ctx, upsertRaw,
			r.ContentHash, r.Item, r.Value, r.Unit, r.Commodity, r.Location, r.Year, r.Source,
			r.Category, r.SoilType, r.Rotation, r.Tillage, r.Notes, r.Score, r.Flagged, r.FirstSeenAt, r.ScrapedAt,
		).Scan(&inserted)
		if err != nil {
			return store.IngestSummary{}, pipeline.StoreUnavailable("ingest", fmt.Errorf("upsert %s: %w", r.ContentHash, err))
		}
		if !inserted {
			existing++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return store.IngestSummary{}, pipeline.StoreUnavailable("ingest", fmt.Errorf("commit: %w", err))
	}
	return plan.Summarize(existing), nil
}

const rawColumns = `id, content_hash, item, value, unit, commodity, location, year, source,
	category, soil_type, rotation, tillage, notes, score, flagged, first_seen_at, scraped_at`

const pendingRaw = `
SELECT r.id, r.content_hash, r.item, r.value, r.unit, r.commodity, r.location, r.year, r.source,
	r.category, r.soil_type, r.rotation, r.tillage, r.notes, r.score, r.flagged, r.first_seen_at, r.scraped_at
FROM raw_records r
LEFT JOIN processed_records p
	ON p.content_hash = r.content_hash AND p.processing_version = $1
WHERE p.id IS NULL OR p.processed_at < r.scraped_at
ORDER BY r.id`

const upsertProcessed = `
INSERT INTO processed_records (
	raw_id, content_hash, item, value, unit, commodity, location, year, source,
	category, score, processed_at, processing_version
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (content_hash, processing_version) DO UPDATE
SET item = EXCLUDED.item,
	value = EXCLUDED.value,
	unit = EXCLUDED.unit,
	commodity = EXCLUDED.commodity,
	location = EXCLUDED.location,
	year = EXCLUDED.year,
	source = EXCLUDED.source,
	category = EXCLUDED.category,
	score = EXCLUDED.score,
	processed_at = EXCLUDED.processed_at`

// Standardize upserts processed rows one statement at a time, so each row
// commits on its own.
func (s *RecordStore) Standardize(ctx context.Context, std store.Standardizer) (store.StandardizeSummary, error) {
	summary := store.StandardizeSummary{Version: std.Version()}
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM raw_records`).Scan(&total); err != nil {
		return summary, pipeline.StoreUnavailable("standardize", err)
	}
	rows, err := s.pool.Query(ctx, pendingRaw, std.Version())
	if err != nil {
		return summary, pipeline.StoreUnavailable("standardize", err)
	}
	pending, err := collectRaw(rows)
	if err != nil {
		return summary, pipeline.StoreUnavailable("standardize", err)
	}
	for _, raw := range pending {
		p := std.Apply(raw, s.clock.Now())
		_, err := s.pool.Exec(ctx, upsertProcessed,
			p.RawID, p.ContentHash, p.Item, p.Value, p.Unit, p.Commodity, p.Location, p.Year, p.Source,
			p.Category, p.Score, p.ProcessedAt, p.ProcessingVersion,
		)
		if err != nil {
			return summary, pipeline.StoreUnavailable("standardize", fmt.Errorf("upsert %s: %w", p.ContentHash, err))
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
		return fmt.Errorf("marshal run errors: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO source_runs (run_id, source, state, records_ingested, errors, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		status.RunID, status.Source, string(status.State), status.RecordsIngested, errsJSON, status.StartedAt, status.FinishedAt,
	)
	return pipeline.StoreUnavailable("record run", err)
}

// ListRaw returns raw records ordered by id.
func (s *RecordStore) ListRaw(ctx context.Context, f store.Filter) ([]pipeline.RawRecord, error) {
	where, args := whereClause(f, false)
	query := fmt.Sprintf("SELECT %s FROM raw_records%s ORDER BY id LIMIT %d OFFSET %d",
		rawColumns, where, f.PageSize(defaultPageSize, maxPageSize), max(f.Offset, 0))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pipeline.StoreUnavailable("list raw", err)
	}
	out, err := collectRaw(rows)
	return out, pipeline.StoreUnavailable("list raw", err)
}

const processedColumns = `id, raw_id, content_hash, item, value, unit, commodity, location, year, source,
	category, score, processed_at, processing_version`

// ListProcessed returns processed records ordered by id.
func (s *RecordStore) ListProcessed(ctx context.Context, f store.Filter) ([]pipeline.ProcessedRecord, error) {
	where, args := whereClause(f, true)
	query := fmt.Sprintf("SELECT %s FROM processed_records%s ORDER BY id LIMIT %d OFFSET %d",
		processedColumns, where, f.PageSize(defaultPageSize, maxPageSize), max(f.Offset, 0))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pipeline.StoreUnavailable("list processed", err)
	}
	defer rows.Close()

	var out []pipeline.ProcessedRecord
	for rows.Next() {
		var p pipeline.ProcessedRecord
		if err := rows.Scan(
			&p.ID, &p.RawID, &p.ContentHash, &p.Item, &p.Value, &p.Unit, &p.Commodity, &p.Location,
			&p.Year, &p.Source, &p.Category, &p.Score, &p.ProcessedAt, &p.ProcessingVersion,
		); err != nil {
			return nil, pipeline.StoreUnavailable("list processed", fmt.Errorf("scan: %w", err))
		}
		out = append(out, p)
	}
	return out, pipeline.StoreUnavailable("list processed", rows.Err())
}

// GetRaw loads one raw record by content hash.
func (s *RecordStore) GetRaw(ctx context.Context, contentHash string) (pipeline.RawRecord, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+rawColumns+" FROM raw_records WHERE content_hash = $1", contentHash)
	if err != nil {
		return pipeline.RawRecord{}, pipeline.StoreUnavailable("get raw", err)
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
	var last *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT
	(SELECT count(*) FROM raw_records),
	(SELECT count(*) FROM raw_records WHERE flagged),
	(SELECT count(*) FROM processed_records),
	(SELECT max(scraped_at) FROM raw_records)`,
	).Scan(&sum.RawRecords, &sum.FlaggedRecords, &sum.ProcessedRecords, &last)
	if err != nil {
		return store.Summary{}, pipeline.StoreUnavailable("summary", err)
	}
	sum.LastScrapedAt = last

	rows, err := s.pool.Query(ctx, `SELECT source, count(*) FROM raw_records GROUP BY source ORDER BY source`)
	if err != nil {
		return store.Summary{}, pipeline.StoreUnavailable("summary", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return store.Summary{}, pipeline.StoreUnavailable("summary", err)
		}
		sum.BySource[source] = n
	}
	if err := rows.Err(); err != nil {
		return store.Summary{}, pipeline.StoreUnavailable("summary", err)
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
	query := fmt.Sprintf("SELECT DISTINCT %[1]s FROM raw_records WHERE %[1]s <> '' ORDER BY %[1]s", field)
	out, err := s.strings(ctx, query)
	return out, pipeline.StoreUnavailable("distinct", err)
}

// ListRuns returns audit rows newest first.
func (s *RecordStore) ListRuns(ctx context.Context, limit int) ([]pipeline.SourceRunStatus, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := s.pool.Query(ctx, `
SELECT run_id, source, state, records_ingested, errors, started_at, finished_at
FROM source_runs
ORDER BY id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, pipeline.StoreUnavailable("list runs", err)
	}
	defer rows.Close()

	var out []pipeline.SourceRunStatus
	for rows.Next() {
		var st pipeline.SourceRunStatus
		var state string
		var errsJSON []byte
		if err := rows.Scan(&st.RunID, &st.Source, &state, &st.RecordsIngested, &errsJSON, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, pipeline.StoreUnavailable("list runs", fmt.Errorf("scan: %w", err))
		}
		st.State = pipeline.SourceState(state)
		if len(errsJSON) > 0 {
			if err := json.Unmarshal(errsJSON, &st.Errors); err != nil {
				return nil, fmt.Errorf("decode run errors: %w", err)
			}
		}
		out = append(out, st)
	}
	return out, pipeline.StoreUnavailable("list runs", rows.Err())
}

func (s *RecordStore) strings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func collectRaw(rows pgx.Rows) ([]pipeline.RawRecord, error) {
	defer rows.Close()
	var out []pipeline.RawRecord
	for rows.Next() {
		var r pipeline.RawRecord
		if err := rows.Scan(
			&r.ID, &r.ContentHash, &r.Item, &r.Value, &r.Unit, &r.Commodity, &r.Location, &r.Year, &r.Source,
			&r.Category, &r.SoilType, &r.Rotation, &r.Tillage, &r.Notes, &r.Score, &r.Flagged, &r.FirstSeenAt, &r.ScrapedAt,
		); err != nil {
			return nil, fmt.Errorf("scan raw record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// whereClause renders the filter as a parameterized WHERE clause. Text
// filters compare case-insensitively.
func whereClause(f store.Filter, processed bool) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
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
			add("lower("+c.column+") = $%d", pipeline.NormalizeText(c.value))
		}
	}
	if f.MinScore > 0 {
		add("score >= $%d", f.MinScore)
	}
	if processed && f.Version != "" {
		add("processing_version = $%d", f.Version)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
