package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedTime() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestParseNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "12.5", want: 12.5},
		{in: "$1,200", want: 1200},
		{in: " -35 ", want: -35},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "NaN", wantErr: true},
		{in: "Inf", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseNumber(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.InDelta(t, tt.want, got, 1e-9)
	}
}

func TestNewRawRecordCarriesFlags(t *testing.T) {
	t.Parallel()

	result := ValidationResult{
		Record:     sampleCandidate(),
		IsValid:    true,
		Score:      90,
		Violations: []Violation{{Field: "location", Rule: "referential"}},
	}
	raw, err := NewRawRecord(result, "h", fixedTime())
	require.NoError(t, err)
	require.True(t, raw.Flagged)
	require.Equal(t, 90, raw.Score)
	require.Equal(t, fixedTime(), raw.FirstSeenAt)
	require.Equal(t, fixedTime(), raw.ScrapedAt)
	require.InDelta(t, 120.5, raw.Value, 1e-9)
}

func TestCountsAddAndIngested(t *testing.T) {
	t.Parallel()

	var total Counts
	total.Add(Counts{Fetched: 2, Validated: 10, Accepted: 6, Duplicate: 2, Rejected: 2})
	total.Add(Counts{Fetched: 1, Validated: 3, Accepted: 3, Errors: 1})
	require.Equal(t, Counts{Fetched: 3, Validated: 13, Accepted: 9, Duplicate: 2, Rejected: 2, Errors: 1}, total)
	require.Equal(t, 11, total.Ingested())
}

func TestSourceStateTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, SourcePending.Terminal())
	require.False(t, SourceRunning.Terminal())
	require.True(t, SourceSucceeded.Terminal())
	require.True(t, SourcePartialFailure.Terminal())
	require.True(t, SourceFailed.Terminal())
}

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	t.Parallel()

	cause := errors.New("503 service unavailable")
	exhausted := &FetchExhaustedError{SourceID: "isu", Attempts: 4, LastErr: cause}
	require.ErrorIs(t, exhausted, ErrFetchExhausted)
	require.ErrorIs(t, exhausted, cause)
	require.Contains(t, exhausted.Error(), "4 attempts")

	require.ErrorIs(t, &NonTransientError{SourceID: "isu", Attempts: 1, Err: cause}, ErrNonTransient)
	require.ErrorIs(t, &ExtractionFailedError{SourceID: "isu", Detail: "no table"}, ErrExtractionFailed)

	storeErr := StoreUnavailable("ingest", cause)
	require.ErrorIs(t, storeErr, ErrStoreUnavailable)
	require.Same(t, storeErr, StoreUnavailable("commit", storeErr))
	require.NoError(t, StoreUnavailable("noop", nil))

	require.ErrorIs(t, ConfigInvalid("sources.%s.url is required", "isu"), ErrConfigInvalid)
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	ok := SourceRunStatus{State: SourceSucceeded, RecordsIngested: 3}
	partial := SourceRunStatus{State: SourcePartialFailure, RecordsIngested: 1}
	failed := SourceRunStatus{State: SourceFailed}

	require.Equal(t, RunSucceeded, Aggregate([]SourceRunStatus{ok, ok}))
	require.Equal(t, RunPartialSuccess, Aggregate([]SourceRunStatus{failed, ok, ok}))
	require.Equal(t, RunPartialSuccess, Aggregate([]SourceRunStatus{partial}))
	require.Equal(t, RunFailed, Aggregate([]SourceRunStatus{failed, failed}))
	require.Equal(t, RunFailed, Aggregate(nil))
	require.Equal(t, RunRunning, Aggregate([]SourceRunStatus{ok, {State: SourceRunning}}))
	// A succeeded source with nothing new still counts as succeeded.
	require.Equal(t, RunSucceeded, Aggregate([]SourceRunStatus{{State: SourceSucceeded}}))
}
