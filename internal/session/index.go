// Package session keeps a short-lived, per-owner in-memory index of recent
// memories so that follow-up messages can be answered without touching the
// long-term stores.
package session

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/charmbracelet/log"
	chromem "github.com/philippgille/chromem-go"

	"github.com/xiy/context-engine/pkg/types"
)

// Hit is one search result from a session index.
type Hit struct {
	Record types.MemoryRecord
	Score  float64
}

// Stats summarizes resident session indices.
type Stats struct {
	Owners  int   `json:"owners"`
	Records int   `json:"records"`
	Vectors int   `json:"vectors"`
	Bytes   int64 `json:"bytes"`
	Budget  int64 `json:"budget"`
	Evicted int64 `json:"evicted"`
}

type ownerIndex struct {
	col        *chromem.Collection
	records    []types.MemoryRecord
	byID       map[string]int
	tokens     []map[string]struct{}
	vectors    int
	footprint  int64
	loadedAt   time.Time
	lastAccess time.Time
}

// Index holds at most one live index per owner.
type Index struct {
	mu     sync.Mutex
	owners map[string]*ownerIndex

	ttl     time.Duration
	budget  atomic.Int64
	evicted atomic.Int64
	now     func() time.Time
	logger  *log.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(x *Index) { x.now = now }
}

// New creates an index manager with a sliding ttl and a byte budget shared by
// all owners.
func New(ttl time.Duration, budget int64, logger *log.Logger, opts ...Option) *Index {
	x := &Index{
		owners: make(map[string]*ownerIndex),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
	x.budget.Store(budget)
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Build replaces any index held for owner. Records without embeddings are only
// reachable through SearchKeywords.
func (x *Index) Build(ctx context.Context, owner string, records []types.MemoryRecord) error {
	idx, err := x.build(ctx, owner, records)
	if err != nil {
		return err
	}

	x.mu.Lock()
	x.owners[owner] = idx
	x.trimLocked(x.budget.Load(), owner)
	x.mu.Unlock()

	x.logger.Debug("session index built", "owner", owner, "records", len(idx.records), "vectors", idx.vectors, "bytes", idx.footprint)
	return nil
}

func (x *Index) build(ctx context.Context, owner string, records []types.MemoryRecord) (*ownerIndex, error) {
	sorted := make([]types.MemoryRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	now := x.now()
	idx := &ownerIndex{
		records:    sorted,
		byID:       make(map[string]int, len(sorted)),
		tokens:     make([]map[string]struct{}, len(sorted)),
		loadedAt:   now,
		lastAccess: now,
	}

	docs := make([]chromem.Document, 0, len(sorted))
	dims := 0
	for i, rec := range sorted {
		idx.byID[rec.ID] = i
		idx.tokens[i] = tokenSet(rec.Text)
		idx.footprint += int64(len(rec.Text))
		if len(rec.Embedding) == 0 {
			continue
		}
		if dims == 0 {
			dims = len(rec.Embedding)
		}
		if len(rec.Embedding) != dims {
			x.logger.Warn("skipping record with mismatched embedding size", "owner", owner, "id", rec.ID, "dims", len(rec.Embedding), "expected", dims)
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        rec.ID,
			Content:   rec.Text,
			Embedding: rec.Embedding,
		})
		idx.footprint += int64(dims) * 4
	}

	if len(docs) == 0 {
		return idx, nil
	}

	db := chromem.NewDB()
	col, err := db.CreateCollection("session", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create session collection: %w", err)
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("add session documents: %w", err)
	}
	idx.col = col
	idx.vectors = len(docs)
	return idx, nil
}

// Search returns up to limit records ordered by ascending distance to
// embedding. A missing or expired index yields no hits.
func (x *Index) Search(ctx context.Context, owner string, embedding []float32, limit int) []Hit {
	idx := x.acquire(owner)
	if idx == nil || idx.col == nil || limit <= 0 || len(embedding) == 0 {
		return nil
	}
	n := min(limit, idx.col.Count())
	if n == 0 {
		return nil
	}
	results, err := idx.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		x.logger.Warn("session vector query failed", "owner", owner, "error", err)
		return nil
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		pos, ok := idx.byID[r.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Record: idx.records[pos], Score: float64(r.Similarity)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits
}

// SearchKeywords ranks records by case-insensitive token overlap with text.
// Ties go to the most recent record.
func (x *Index) SearchKeywords(owner, text string, limit int) []Hit {
	idx := x.acquire(owner)
	if idx == nil || len(idx.records) == 0 || limit <= 0 {
		return nil
	}
	query := tokenSet(text)
	if len(query) == 0 {
		return nil
	}

	hits := make([]Hit, 0, limit)
	for i, rec := range idx.records {
		overlap := 0
		for tok := range query {
			if _, ok := idx.tokens[i][tok]; ok {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: float64(overlap) / float64(len(query))})
	}
	// records are newest first, so a stable sort keeps recency as the tiebreak
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Has reports whether owner has a live index.
func (x *Index) Has(owner string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	idx, ok := x.owners[owner]
	return ok && !x.expiredLocked(idx, x.now())
}

// Invalidate drops the index for owner.
func (x *Index) Invalidate(owner string) {
	x.mu.Lock()
	delete(x.owners, owner)
	x.mu.Unlock()
}

// Sweep drops expired indices and returns how many were removed.
func (x *Index) Sweep() int {
	now := x.now()
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for owner, idx := range x.owners {
		if x.expiredLocked(idx, now) {
			delete(x.owners, owner)
			n++
		}
	}
	return n
}

// SetBudget changes the shared byte budget and evicts down to it.
func (x *Index) SetBudget(budget int64) {
	x.budget.Store(budget)
	x.mu.Lock()
	x.trimLocked(budget, "")
	x.mu.Unlock()
}

// Footprint is the estimated resident size of all indices.
func (x *Index) Footprint() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.footprintLocked()
}

// Stats returns a point-in-time snapshot.
func (x *Index) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	st := Stats{Owners: len(x.owners), Budget: x.budget.Load(), Evicted: x.evicted.Load()}
	for _, idx := range x.owners {
		st.Records += len(idx.records)
		st.Vectors += idx.vectors
		st.Bytes += idx.footprint
	}
	return st
}

func (x *Index) acquire(owner string) *ownerIndex {
	now := x.now()
	x.mu.Lock()
	defer x.mu.Unlock()
	idx, ok := x.owners[owner]
	if !ok {
		return nil
	}
	if x.expiredLocked(idx, now) {
		delete(x.owners, owner)
		return nil
	}
	idx.lastAccess = now
	return idx
}

func (x *Index) expiredLocked(idx *ownerIndex, now time.Time) bool {
	return x.ttl > 0 && !now.Before(idx.lastAccess.Add(x.ttl))
}

func (x *Index) footprintLocked() int64 {
	var total int64
	for _, idx := range x.owners {
		total += idx.footprint
	}
	return total
}

// trimLocked evicts least recently used indices first, larger ones first on
// equal access time. keep is only evicted when it alone exceeds the budget.
func (x *Index) trimLocked(budget int64, keep string) {
	total := x.footprintLocked()
	if total <= budget {
		return
	}
	type candidate struct {
		owner string
		idx   *ownerIndex
	}
	cands := make([]candidate, 0, len(x.owners))
	for owner, idx := range x.owners {
		if owner == keep {
			continue
		}
		cands = append(cands, candidate{owner: owner, idx: idx})
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i].idx, cands[j].idx
		if !a.lastAccess.Equal(b.lastAccess) {
			return a.lastAccess.Before(b.lastAccess)
		}
		return a.footprint > b.footprint
	})
	for _, c := range cands {
		if total <= budget {
			return
		}
		delete(x.owners, c.owner)
		total -= c.idx.footprint
		x.evicted.Add(1)
		x.logger.Debug("session index evicted", "owner", c.owner, "bytes", c.idx.footprint)
	}
	if total > budget && keep != "" {
		if idx, ok := x.owners[keep]; ok {
			delete(x.owners, keep)
			x.evicted.Add(1)
			x.logger.Warn("session index exceeds budget on its own", "owner", keep, "bytes", idx.footprint, "budget", budget)
		}
	}
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "i": {}, "me": {}, "my": {}, "is": {}, "are": {},
	"to": {}, "of": {}, "and": {}, "or": {}, "in": {}, "on": {}, "do": {}, "does": {},
	"what": {}, "you": {}, "it": {}, "that": {}, "this": {}, "for": {}, "with": {},
	"about": {}, "was": {}, "be": {}, "at": {},
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	var sb strings.Builder
	flush := func() {
		if sb.Len() == 0 {
			return
		}
		tok := sb.String()
		sb.Reset()
		if _, stop := stopwords[tok]; stop {
			return
		}
		out[tok] = struct{}{}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()
	return out
}
