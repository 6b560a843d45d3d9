package store

import (
	"context"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

// CollectPageSize is the page requested per round trip by CollectRaw and
// CollectProcessed. It stays below every backend's page ceiling.
const CollectPageSize = 1000

// CollectRaw pages through ListRaw from f.Offset until a short page. A
// positive f.Limit caps the total; zero means every matching record.
func CollectRaw(ctx context.Context, repo Repository, f Filter) ([]pipeline.RawRecord, error) {
	return collect(ctx, f, repo.ListRaw)
}

// CollectProcessed is CollectRaw for processed records.
func CollectProcessed(ctx context.Context, repo Repository, f Filter) ([]pipeline.ProcessedRecord, error) {
	return collect(ctx, f, repo.ListProcessed)
}

func collect[T any](ctx context.Context, f Filter, list func(context.Context, Filter) ([]T, error)) ([]T, error) {
	total := f.Limit
	page := f
	page.Offset = max(f.Offset, 0)
	var out []T
	for {
		page.Limit = CollectPageSize
		if total > 0 {
			page.Limit = min(CollectPageSize, total-len(out))
		}
		rows, err := list(ctx, page)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
		if len(rows) < page.Limit || (total > 0 && len(out) >= total) {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page.Offset += len(rows)
	}
}
