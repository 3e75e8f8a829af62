package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/context-engine/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func sampleRecords(base time.Time) []types.MemoryRecord {
	return []types.MemoryRecord{
		{ID: "east", OwnerID: "u1", Text: "user likes coffee", Embedding: []float32{1, 0, 0}, CreatedAt: base.Add(-3 * time.Hour)},
		{ID: "north", OwnerID: "u1", Text: "user owns a bicycle", Embedding: []float32{0, 1, 0}, CreatedAt: base.Add(-2 * time.Hour)},
		{ID: "near-east", OwnerID: "u1", Text: "user drinks espresso", Embedding: []float32{0.9, 0.1, 0}, CreatedAt: base.Add(-1 * time.Hour)},
		{ID: "plain", OwnerID: "u1", Text: "coffee shop on main street", CreatedAt: base},
	}
}

func TestIndex_SearchOrdersByDistance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	x := New(30*time.Minute, 1<<20, testLogger())
	if err := x.Build(ctx, "u1", sampleRecords(time.Now())); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	hits := x.Search(ctx, "u1", []float32{1, 0, 0}, 3)
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(hits))
	}
	if hits[0].Record.ID != "east" || hits[1].Record.ID != "near-east" || hits[2].Record.ID != "north" {
		t.Fatalf("unexpected order: %s, %s, %s", hits[0].Record.ID, hits[1].Record.ID, hits[2].Record.ID)
	}

	if hits := x.Search(ctx, "u1", []float32{1, 0, 0}, 50); len(hits) != 3 {
		t.Fatalf("expected limit capped to vector count 3, got %d", len(hits))
	}
}

func TestIndex_EmptyWithoutIndex(t *testing.T) {
	t.Parallel()
	x := New(30*time.Minute, 1<<20, testLogger())
	if hits := x.Search(context.Background(), "nobody", []float32{1, 0}, 5); len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
	if hits := x.SearchKeywords("nobody", "coffee", 5); len(hits) != 0 {
		t.Fatalf("expected no keyword hits, got %d", len(hits))
	}
	if err := x.Build(context.Background(), "empty", nil); err != nil {
		t.Fatalf("Build(empty) error = %v", err)
	}
	if hits := x.SearchKeywords("empty", "coffee", 5); len(hits) != 0 {
		t.Fatalf("expected no keyword hits for empty records, got %d", len(hits))
	}
}

func TestIndex_KeywordsTieBreakByRecency(t *testing.T) {
	t.Parallel()
	x := New(30*time.Minute, 1<<20, testLogger())
	if err := x.Build(context.Background(), "u1", sampleRecords(time.Now())); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	hits := x.SearchKeywords("u1", "COFFEE", 5)
	if len(hits) != 2 {
		t.Fatalf("expected 2 keyword hits, got %d", len(hits))
	}
	if hits[0].Record.ID != "plain" {
		t.Fatalf("expected most recent record first, got %q", hits[0].Record.ID)
	}
}

func TestIndex_SlidingTTL(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	x := New(30*time.Minute, 1<<20, testLogger(), WithClock(clock.Now))
	if err := x.Build(context.Background(), "u1", sampleRecords(clock.Now())); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	clock.Advance(20 * time.Minute)
	if hits := x.SearchKeywords("u1", "coffee", 1); len(hits) != 1 {
		t.Fatal("expected hit within ttl")
	}
	clock.Advance(20 * time.Minute)
	if !x.Has("u1") {
		t.Fatal("expected access to extend ttl")
	}
	clock.Advance(30 * time.Minute)
	if hits := x.Search(context.Background(), "u1", []float32{1, 0, 0}, 1); len(hits) != 0 {
		t.Fatalf("expected expired index to return nothing, got %d", len(hits))
	}
	if x.Has("u1") {
		t.Fatal("expected expired index to be purged")
	}
}

func TestIndex_SweepAndInvalidate(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	x := New(time.Minute, 1<<20, testLogger(), WithClock(clock.Now))
	ctx := context.Background()
	_ = x.Build(ctx, "a", sampleRecords(clock.Now()))
	_ = x.Build(ctx, "b", sampleRecords(clock.Now()))
	x.Invalidate("a")
	if x.Has("a") {
		t.Fatal("expected invalidated index to be gone")
	}
	clock.Advance(2 * time.Minute)
	if n := x.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, expected 1", n)
	}
	if st := x.Stats(); st.Owners != 0 {
		t.Fatalf("expected no owners, got %+v", st)
	}
}

func TestIndex_FootprintAndBudget(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	x := New(time.Hour, 1<<20, testLogger(), WithClock(clock.Now))
	ctx := context.Background()
	recs := sampleRecords(clock.Now())

	if err := x.Build(ctx, "old", recs); err != nil {
		t.Fatalf("Build(old) error = %v", err)
	}
	one := x.Footprint()
	var text int64
	for _, r := range recs {
		text += int64(len(r.Text))
	}
	if want := text + 3*3*4; one != want {
		t.Fatalf("footprint = %d, expected %d", one, want)
	}

	clock.Advance(time.Minute)
	if err := x.Build(ctx, "new", recs); err != nil {
		t.Fatalf("Build(new) error = %v", err)
	}
	x.SetBudget(one)
	if x.Has("old") {
		t.Fatal("expected least recently used index to be evicted")
	}
	if !x.Has("new") {
		t.Fatal("expected most recent index to survive")
	}
}
