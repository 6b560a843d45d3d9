package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// sliceLister pages like the SQL backends: a zero limit is a 100-row page.
type sliceLister struct {
	rows  []int
	calls int
	fail  error
}

func (l *sliceLister) list(_ context.Context, f Filter) ([]int, error) {
	l.calls++
	if l.fail != nil {
		return nil, l.fail
	}
	if f.Offset >= len(l.rows) {
		return nil, nil
	}
	end := min(f.Offset+f.PageSize(100, 10000), len(l.rows))
	return l.rows[f.Offset:end], nil
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestCollectPagesUntilShortPage(t *testing.T) {
	t.Parallel()

	l := &sliceLister{rows: seq(2*CollectPageSize + 5)}
	got, err := collect(context.Background(), Filter{}, l.list)
	require.NoError(t, err)
	require.Equal(t, l.rows, got)
	require.Equal(t, 3, l.calls)
}

func TestCollectExactMultipleStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	l := &sliceLister{rows: seq(CollectPageSize)}
	got, err := collect(context.Background(), Filter{}, l.list)
	require.NoError(t, err)
	require.Len(t, got, CollectPageSize)
	require.Equal(t, 2, l.calls)
}

func TestCollectHonorsLimitAndOffset(t *testing.T) {
	t.Parallel()

	l := &sliceLister{rows: seq(3 * CollectPageSize)}
	got, err := collect(context.Background(), Filter{Limit: CollectPageSize + 10, Offset: 7}, l.list)
	require.NoError(t, err)
	require.Len(t, got, CollectPageSize+10)
	require.Equal(t, 7, got[0])
	require.Equal(t, CollectPageSize+16, got[len(got)-1])
	require.Equal(t, 2, l.calls)
}

func TestCollectPropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("store down")
	_, err := collect(context.Background(), Filter{}, (&sliceLister{fail: boom}).list)
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = collect(ctx, Filter{}, (&sliceLister{rows: seq(CollectPageSize + 1)}).list)
	require.ErrorIs(t, err, context.Canceled)
}
