package store

import (
	"sort"
	"time"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

// Plan is the backend-independent part of an ingest call: invalid results are
// counted, valid ones hashed and deduplicated inside the batch.
type Plan struct {
	// Records holds one entry per distinct content hash, in first-seen order.
	Records []pipeline.RawRecord
	// Repeats counts valid results whose hash appeared earlier in the batch.
	Repeats  int
	Rejected int
}

// PlanIngest partitions results. A result marked valid whose value does not
// parse is counted as rejected.
func PlanIngest(results []pipeline.ValidationResult, at time.Time) Plan {
	var plan Plan
	seen := make(map[string]struct{}, len(results))
	for _, res := range results {
		if !res.IsValid {
			plan.Rejected++
			continue
		}
		hash := pipeline.ContentHash(res.Record)
		if _, dup := seen[hash]; dup {
			plan.Repeats++
			continue
		}
		rec, err := pipeline.NewRawRecord(res, hash, at)
		if err != nil {
			plan.Rejected++
			continue
		}
		seen[hash] = struct{}{}
		plan.Records = append(plan.Records, rec)
	}
	return plan
}

// Hashes returns the plan's content hashes sorted ascending, the order locks
// and rows are taken in.
func (p Plan) Hashes() []string {
	out := make([]string, 0, len(p.Records))
	for _, r := range p.Records {
		out = append(out, r.ContentHash)
	}
	sort.Strings(out)
	return out
}

// Summarize builds the summary once the backend knows how many planned
// records already existed.
func (p Plan) Summarize(existing int) IngestSummary {
	return IngestSummary{
		Accepted:  len(p.Records) - existing,
		Duplicate: existing + p.Repeats,
		Rejected:  p.Rejected,
	}
}
