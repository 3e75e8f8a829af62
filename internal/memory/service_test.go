package memory

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/context-engine/internal/config"
	"github.com/xiy/context-engine/internal/embeddings"
	"github.com/xiy/context-engine/internal/store"
	"github.com/xiy/context-engine/pkg/types"
)

type fakeStore struct {
	inserted  []types.MemoryRecord
	facts     []types.Fact
	search    []store.Candidate
	narrative *store.Narrative
}

func (f *fakeStore) InsertFact(_ context.Context, rec types.MemoryRecord, fact types.Fact) error {
	f.inserted = append(f.inserted, rec)
	f.facts = append(f.facts, fact)
	return nil
}
func (f *fakeStore) ListRecent(_ context.Context, _ string, _ int) ([]types.MemoryRecord, error) {
	return f.inserted, nil
}
func (f *fakeStore) SearchText(_ context.Context, _, _ string, _ int) ([]store.Candidate, error) {
	return f.search, nil
}
func (f *fakeStore) Traverse(_ context.Context, _ []string, _ string) ([]types.RelatedEntity, error) {
	return nil, nil
}
func (f *fakeStore) GetNarrative(_ context.Context, _ string) (store.Narrative, error) {
	if f.narrative == nil {
		return store.Narrative{}, sql.ErrNoRows
	}
	return *f.narrative, nil
}
func (f *fakeStore) SaveNarrative(_ context.Context, owner, text string, at time.Time) error {
	f.narrative = &store.Narrative{OwnerID: owner, Text: text, UpdatedAt: at}
	return nil
}

type fakeVectors struct {
	added []types.MemoryRecord
	near  []types.MemoryRecord
	err   error
}

func (f *fakeVectors) Add(_ context.Context, rec types.MemoryRecord) error {
	f.added = append(f.added, rec)
	return nil
}
func (f *fakeVectors) SimilaritySearch(_ context.Context, _ []float32, _ string, _ int) ([]types.MemoryRecord, error) {
	return f.near, f.err
}

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func TestWrite_ValidatesAndEmbeds(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	vec := &fakeVectors{}
	svc := NewService(st, vec, embeddings.NewHash(32), config.Default(), testLogger())

	if _, err := svc.Write(context.Background(), types.WriteInput{Text: "hello"}); err == nil {
		t.Fatal("expected owner validation error, got nil")
	}
	if _, err := svc.Write(context.Background(), types.WriteInput{OwnerID: "u1", Text: "   "}); err == nil {
		t.Fatal("expected empty text error, got nil")
	}

	rec, err := svc.Write(context.Background(), types.WriteInput{OwnerID: "u1", Text: " user likes coffee "})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if rec.ID == "" || rec.Text != "user likes coffee" || len(rec.Embedding) != 32 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(st.inserted) != 1 || len(vec.added) != 1 {
		t.Fatalf("expected record in both stores, got sqlite=%d vectors=%d", len(st.inserted), len(vec.added))
	}
}

func TestSearch_MergesSemanticAndLexical(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	st := &fakeStore{search: []store.Candidate{
		{Record: types.MemoryRecord{ID: "lex", Text: "coffee order", CreatedAt: now}, LexicalScore: 0.4},
		{Record: types.MemoryRecord{ID: "both", Text: "likes coffee", CreatedAt: now}, LexicalScore: 0.4},
	}}
	vec := &fakeVectors{near: []types.MemoryRecord{
		{ID: "both", Text: "likes coffee", CreatedAt: now, Metadata: map[string]any{"similarity": float32(0.9)}},
		{ID: "sem", Text: "enjoys espresso", CreatedAt: now.Add(-30 * 24 * time.Hour), Metadata: map[string]any{"similarity": float32(0.5)}},
	}}
	svc := NewService(st, vec, embeddings.NewHash(32), config.Default(), testLogger())

	results, err := svc.Search(context.Background(), types.SearchInput{OwnerID: "u1", Query: "coffee", K: 2})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Record.ID != "both" {
		t.Fatalf("expected record with both signals first, got %q", results[0].Record.ID)
	}
	if results[0].SemanticScore < 0.89 || results[0].LexicalScore != 0.4 {
		t.Fatalf("unexpected component scores %+v", results[0])
	}
}

func TestSearch_ToleratesVectorFailure(t *testing.T) {
	t.Parallel()
	st := &fakeStore{search: []store.Candidate{{Record: types.MemoryRecord{ID: "lex", CreatedAt: time.Now()}, LexicalScore: 0.5}}}
	vec := &fakeVectors{err: errors.New("vector db offline")}
	svc := NewService(st, vec, embeddings.NewHash(16), config.Default(), testLogger())
	results, err := svc.Search(context.Background(), types.SearchInput{OwnerID: "u1", Query: "anything"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected lexical result, got %d", len(results))
	}
}

func TestNarrative_RespectsMaxAge(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	cfg := config.Default()
	svc := NewService(st, nil, nil, cfg, testLogger())
	ctx := context.Background()

	if _, ok, err := svc.Narrative(ctx, "u1"); err != nil || ok {
		t.Fatalf("expected no narrative, got ok=%v err=%v", ok, err)
	}
	if err := svc.SaveNarrative(ctx, "u1", "Works as a nurse."); err != nil {
		t.Fatalf("SaveNarrative() error = %v", err)
	}
	text, ok, err := svc.Narrative(ctx, "u1")
	if err != nil || !ok || text != "Works as a nurse." {
		t.Fatalf("unexpected narrative %q ok=%v err=%v", text, ok, err)
	}

	st.narrative.UpdatedAt = time.Now().Add(-cfg.NarrativeMaxAge() - time.Hour)
	if _, ok, _ := svc.Narrative(ctx, "u1"); ok {
		t.Fatal("expected stale narrative to be ignored")
	}
}

func TestPersist_WithoutEmbedderStillStores(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	svc := NewService(st, nil, nil, config.Default(), testLogger())
	fact := types.Fact{Text: "sister Anna", Entities: []types.Entity{{Name: "Anna", Kind: "person"}}}
	if err := svc.Persist(context.Background(), "u1", fact); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if len(st.inserted) != 1 || st.inserted[0].Embedding != nil {
		t.Fatalf("expected stored record without embedding, got %+v", st.inserted)
	}
	if len(st.facts[0].Entities) != 1 {
		t.Fatalf("expected entities passed to store, got %+v", st.facts[0])
	}
}
