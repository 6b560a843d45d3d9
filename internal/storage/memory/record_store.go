package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
)

const lockStripes = 64

var _ store.Repository = (*RecordStore)(nil)

type processedKey struct {
	hash    string
	version string
}

// RecordStore is an in-memory Ingestion Store for development and tests.
// Writes are serialized per content hash through striped locks.
type RecordStore struct {
	stripes [lockStripes]sync.Mutex

	mu             sync.RWMutex
	raw            map[string]*pipeline.RawRecord
	rawOrder       []string
	processed      map[processedKey]*pipeline.ProcessedRecord
	processedOrder []processedKey
	runs           []pipeline.SourceRunStatus
	nextRawID      int64
	nextProcID     int64
	unavailable    error

	now func() time.Time
}

// NewRecordStore constructs an empty RecordStore. A nil clock uses UTC wall time.
func NewRecordStore(clock pipeline.Clock) *RecordStore {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &RecordStore{
		raw:       make(map[string]*pipeline.RawRecord),
		processed: make(map[processedKey]*pipeline.ProcessedRecord),
		now:       now,
	}
}

// SetUnavailable makes every call fail with err until it is called with nil.
func (s *RecordStore) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = err
}

func (s *RecordStore) check(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pipeline.StoreUnavailable(op, s.unavailable)
}

// Ingest persists the valid results of one batch. The whole batch commits
// under the write lock, so callers see all of it or none of it.
func (s *RecordStore) Ingest(ctx context.Context, results []pipeline.ValidationResult) (store.IngestSummary, error) {
	if err := ctx.Err(); err != nil {
		return store.IngestSummary{}, pipeline.StoreUnavailable("ingest", err)
	}
	if err := s.check("ingest"); err != nil {
		return store.IngestSummary{}, err
	}
	at := s.now()
	plan := store.PlanIngest(results, at)

	unlock := s.lockHashes(plan.Hashes())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	existing := 0
	for i := range plan.Records {
		rec := plan.Records[i]
		if row, ok := s.raw[rec.ContentHash]; ok {
			existing++
			if at.After(row.ScrapedAt) {
				row.ScrapedAt = at
			}
			continue
		}
		s.nextRawID++
		rec.ID = s.nextRawID
		s.raw[rec.ContentHash] = &rec
		s.rawOrder = append(s.rawOrder, rec.ContentHash)
	}
	return plan.Summarize(existing), nil
}

// lockHashes takes the stripe lock of every hash in ascending stripe order.
func (s *RecordStore) lockHashes(hashes []string) func() {
	idx := make(map[int]struct{}, len(hashes))
	for _, h := range hashes {
		idx[stripe(h)] = struct{}{}
	}
	order := make([]int, 0, len(idx))
	for i := range idx {
		order = append(order, i)
	}
	sort.Ints(order)
	for _, i := range order {
		s.stripes[i].Lock()
	}
	return func() {
		for j := len(order) - 1; j >= 0; j-- {
			s.stripes[order[j]].Unlock()
		}
	}
}

func stripe(hash string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hash))
	return int(h.Sum32() % lockStripes)
}

// Standardize writes processed rows for the standardizer's version.
func (s *RecordStore) Standardize(ctx context.Context, std store.Standardizer) (store.StandardizeSummary, error) {
	summary := store.StandardizeSummary{Version: std.Version()}
	if err := s.check("standardize"); err != nil {
		return summary, err
	}
	for _, raw := range s.snapshotRaw() {
		if err := ctx.Err(); err != nil {
			return summary, pipeline.StoreUnavailable("standardize", err)
		}
		if s.writeProcessed(std, raw) {
			summary.Written++
		} else {
			summary.Skipped++
		}
	}
	return summary, nil
}

func (s *RecordStore) writeProcessed(std store.Standardizer, raw pipeline.RawRecord) bool {
	unlock := s.lockHashes([]string{raw.ContentHash})
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	key := processedKey{hash: raw.ContentHash, version: std.Version()}
	current, ok := s.processed[key]
	if ok && !current.ProcessedAt.Before(raw.ScrapedAt) {
		return false
	}
	rec := std.Apply(raw, s.now())
	if ok {
		rec.ID = current.ID
	} else {
		s.nextProcID++
		rec.ID = s.nextProcID
		s.processedOrder = append(s.processedOrder, key)
	}
	s.processed[key] = &rec
	return true
}

func (s *RecordStore) snapshotRaw() []pipeline.RawRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.RawRecord, 0, len(s.rawOrder))
	for _, h := range s.rawOrder {
		out = append(out, *s.raw[h])
	}
	return out
}

// RecordRun appends a source outcome to the audit log.
func (s *RecordStore) RecordRun(_ context.Context, status pipeline.SourceRunStatus) error {
	if err := s.check("record run"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status.Errors = append([]string(nil), status.Errors...)
	s.runs = append(s.runs, status)
	return nil
}

// ListRaw returns raw records in insertion order.
func (s *RecordStore) ListRaw(_ context.Context, f store.Filter) ([]pipeline.RawRecord, error) {
	if err := s.check("list raw"); err != nil {
		return nil, err
	}
	var out []pipeline.RawRecord
	for _, r := range s.snapshotRaw() {
		if f.MatchRaw(r) {
			out = append(out, r)
		}
	}
	return page(out, f), nil
}

// ListProcessed returns processed records in insertion order.
func (s *RecordStore) ListProcessed(_ context.Context, f store.Filter) ([]pipeline.ProcessedRecord, error) {
	if err := s.check("list processed"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.ProcessedRecord
	for _, key := range s.processedOrder {
		if p := s.processed[key]; f.MatchProcessed(*p) {
			out = append(out, *p)
		}
	}
	return page(out, f), nil
}

// GetRaw loads one raw record by content hash.
func (s *RecordStore) GetRaw(_ context.Context, contentHash string) (pipeline.RawRecord, error) {
	if err := s.check("get raw"); err != nil {
		return pipeline.RawRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.raw[contentHash]
	if !ok {
		return pipeline.RawRecord{}, store.ErrNotFound
	}
	return *row, nil
}

// Summary aggregates the stored rows.
func (s *RecordStore) Summary(_ context.Context) (store.Summary, error) {
	if err := s.check("summary"); err != nil {
		return store.Summary{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := store.Summary{
		RawRecords:       len(s.raw),
		ProcessedRecords: len(s.processed),
		BySource:         map[string]int{},
	}
	versions := map[string]struct{}{}
	for _, key := range s.processedOrder {
		versions[key.version] = struct{}{}
	}
	for v := range versions {
		sum.Versions = append(sum.Versions, v)
	}
	sort.Strings(sum.Versions)
	for _, r := range s.raw {
		sum.BySource[r.Source]++
		if r.Flagged {
			sum.FlaggedRecords++
		}
		if sum.LastScrapedAt == nil || r.ScrapedAt.After(*sum.LastScrapedAt) {
			ts := r.ScrapedAt
			sum.LastScrapedAt = &ts
		}
	}
	return sum, nil
}

// Distinct lists the sorted distinct values of a raw-record field.
func (s *RecordStore) Distinct(_ context.Context, field string) ([]string, error) {
	if !store.ValidField(field) {
		return nil, store.ErrUnknownField
	}
	if err := s.check("distinct"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, r := range s.raw {
		if v := fieldValue(*r, field); v != "" {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// ListRuns returns the audit log, newest first.
func (s *RecordStore) ListRuns(_ context.Context, limit int) ([]pipeline.SourceRunStatus, error) {
	if err := s.check("list runs"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.SourceRunStatus, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		out = append(out, s.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ping reports the injected failure, if any.
func (s *RecordStore) Ping(_ context.Context) error {
	return s.check("ping")
}

// Close is a no-op.
func (s *RecordStore) Close() error {
	return nil
}

func fieldValue(r pipeline.RawRecord, field string) string {
	switch field {
	case "item":
		return r.Item
	case "unit":
		return r.Unit
	case "commodity":
		return r.Commodity
	case "location":
		return r.Location
	case "year":
		return r.Year
	case "source":
		return r.Source
	case "category":
		return r.Category
	}
	return ""
}

func page[T any](rows []T, f store.Filter) []T {
	if f.Offset >= len(rows) {
		return []T{}
	}
	rows = rows[f.Offset:]
	if f.Limit > 0 && f.Limit < len(rows) {
		rows = rows[:f.Limit]
	}
	return rows
}

// ErrInjected is a convenience failure for SetUnavailable in tests.
var ErrInjected = errors.New("injected store failure")
