package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cropcost-pipeline/internal/config"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/standardize"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var now = time.Unix(1700000000, 0).UTC()

func newStore(t *testing.T) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewRecordStoreWithPool(mock, fixedClock{t: now})
	require.NoError(t, err)
	return s, mock
}

func fertilizer(value string, valid bool) pipeline.ValidationResult {
	return pipeline.ValidationResult{
		Record: pipeline.CandidateRecord{
			Item: "Fertilizer", Value: value, Unit: "$/acre", Commodity: "Corn",
			Location: "Iowa", Year: "2023/2024", Source: "USDA",
		},
		IsValid: valid,
		Score:   100,
	}
}

func upsertQuery(mock pgxmock.PgxPoolIface) *pgxmock.ExpectedQuery {
	hash := pipeline.ContentHash(fertilizer("150", true).Record)
	return mock.ExpectQuery("INSERT INTO raw_records").
		WithArgs(hash, "Fertilizer", 150.0, "$/acre", "Corn", "Iowa", "2023/2024", "USDA",
			"", "", "", "", "", 100, false, now, now)
}

func expectUpsert(mock pgxmock.PgxPoolIface, inserted bool) {
	upsertQuery(mock).WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(inserted))
}

func TestIngestInsertsInOneTransaction(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	mock.ExpectBegin()
	expectUpsert(mock, true)
	mock.ExpectCommit()

	sum, err := s.Ingest(context.Background(), []pipeline.ValidationResult{
		fertilizer("150.0", true),
		fertilizer("-50", false),
	})
	require.NoError(t, err)
	require.Equal(t, store.IngestSummary{Accepted: 1, Rejected: 1}, sum)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestExistingHashCountsDuplicate(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	mock.ExpectBegin()
	expectUpsert(mock, false)
	mock.ExpectCommit()

	sum, err := s.Ingest(context.Background(), []pipeline.ValidationResult{fertilizer("150", true)})
	require.NoError(t, err)
	require.Equal(t, store.IngestSummary{Duplicate: 1}, sum)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestOnlyRejectedSkipsDatabase(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	sum, err := s.Ingest(context.Background(), []pipeline.ValidationResult{fertilizer("-50", false)})
	require.NoError(t, err)
	require.Equal(t, store.IngestSummary{Rejected: 1}, sum)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestFailureRollsBack(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	mock.ExpectBegin()
	upsertQuery(mock).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	sum, err := s.Ingest(context.Background(), []pipeline.ValidationResult{fertilizer("150", true)})
	require.ErrorIs(t, err, pipeline.ErrStoreUnavailable)
	require.Equal(t, store.IngestSummary{}, sum)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStandardizeUpsertsPendingRows(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	std := standardize.FromConfig(config.StandardizeConfig{VersionLabel: "v1"})
	hash := pipeline.ContentHash(fertilizer("150", true).Record)

	mock.ExpectQuery("SELECT count").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("FROM raw_records r").
		WithArgs(std.Version()).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "content_hash", "item", "value", "unit", "commodity", "location", "year", "source",
			"category", "soil_type", "rotation", "tillage", "notes", "score", "flagged", "first_seen_at", "scraped_at",
		}).AddRow(int64(1), hash, "Fertilizer", 150.0, "$/ac", "corn", "IA", "2023/2024", "USDA",
			"", "", "", "", "", 100, false, now, now))
	mock.ExpectExec("INSERT INTO processed_records").
		WithArgs(int64(1), hash, "Fertilizer", 150.0, "$/acre", "Corn", "Iowa", "2023/2024", "USDA",
			"cost", 100, now, std.Version()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sum, err := s.Standardize(context.Background(), std)
	require.NoError(t, err)
	require.Equal(t, store.StandardizeSummary{Version: std.Version(), Written: 1, Skipped: 1}, sum)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRunAppendsAuditRow(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	status := pipeline.SourceRunStatus{
		RunID: "run-1", Source: "usda", State: pipeline.SourcePartialFailure,
		RecordsIngested: 3, Errors: []string{"doc 2: fetch exhausted"},
		StartedAt: now, FinishedAt: now.Add(time.Minute),
	}
	mock.ExpectExec("INSERT INTO source_runs").
		WithArgs("run-1", "usda", "partial_failure", 3, []byte(`["doc 2: fetch exhausted"]`), now, now.Add(time.Minute)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.RecordRun(context.Background(), status))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListProcessedBuildsFilter(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	mock.ExpectQuery(`FROM processed_records WHERE lower\(commodity\) = \$1 AND score >= \$2 AND processing_version = \$3 ORDER BY id LIMIT 5 OFFSET 0`).
		WithArgs("corn", 80, "v1-abc").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "raw_id", "content_hash", "item", "value", "unit", "commodity", "location", "year", "source",
			"category", "score", "processed_at", "processing_version",
		}).AddRow(int64(9), int64(1), "h", "Seed", 120.0, "$/acre", "Corn", "Iowa", "2023/2024", "ISU",
			"cost", 95, now, "v1-abc"))

	got, err := s.ListProcessed(context.Background(), store.Filter{Commodity: "Corn", MinScore: 80, Version: "v1-abc", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Seed", got[0].Item)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDistinctRejectsUnknownField(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	_, err := s.Distinct(context.Background(), "value; DROP TABLE raw_records")
	require.ErrorIs(t, err, store.ErrUnknownField)

	mock.ExpectQuery("SELECT DISTINCT location FROM raw_records").
		WillReturnRows(pgxmock.NewRows([]string{"location"}).AddRow("Iowa").AddRow("National"))
	values, err := s.Distinct(context.Background(), "location")
	require.NoError(t, err)
	require.Equal(t, []string{"Iowa", "National"}, values)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingWrapsFailure(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	mock.ExpectPing().WillReturnError(errors.New("dial tcp: connection refused"))
	err := s.Ping(context.Background())
	require.ErrorIs(t, err, pipeline.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRecordStoreWithPoolRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStoreWithPool(nil, fixedClock{})
	require.Error(t, err)
	_, err = NewRecordStore(context.Background(), Config{}, fixedClock{})
	require.ErrorIs(t, err, pipeline.ErrConfigInvalid)
}
