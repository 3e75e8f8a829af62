package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/context-engine/internal/config"
	"github.com/xiy/context-engine/internal/embeddings"
	"github.com/xiy/context-engine/internal/store"
	"github.com/xiy/context-engine/pkg/types"
)

// Store is the relational side of long-term memory.
type Store interface {
	InsertFact(ctx context.Context, rec types.MemoryRecord, fact types.Fact) error
	ListRecent(ctx context.Context, owner string, limit int) ([]types.MemoryRecord, error)
	SearchText(ctx context.Context, owner, query string, limit int) ([]store.Candidate, error)
	Traverse(ctx context.Context, hints []string, owner string) ([]types.RelatedEntity, error)
	GetNarrative(ctx context.Context, owner string) (store.Narrative, error)
	SaveNarrative(ctx context.Context, owner, text string, at time.Time) error
}

// VectorIndex is the semantic side of long-term memory.
type VectorIndex interface {
	Add(ctx context.Context, rec types.MemoryRecord) error
	SimilaritySearch(ctx context.Context, embedding []float32, owner string, limit int) ([]types.MemoryRecord, error)
}

// Service is the long-term memory facade used by the engine, the triage
// workers and the MCP tools.
type Service struct {
	store    Store
	vectors  VectorIndex
	embedder embeddings.Provider
	cfg      config.Config
	logger   *log.Logger
	now      func() time.Time
}

// NewService constructs a memory service. vectors and embedder may be nil.
func NewService(st Store, vectors VectorIndex, embedder embeddings.Provider, cfg config.Config, logger *log.Logger) *Service {
	return &Service{store: st, vectors: vectors, embedder: embedder, cfg: cfg, logger: logger, now: time.Now}
}

// Persist writes one extracted fact for owner.
func (s *Service) Persist(ctx context.Context, owner string, fact types.Fact) error {
	_, err := s.persist(ctx, owner, fact, nil)
	return err
}

// Write validates and stores a memory supplied directly by a client.
func (s *Service) Write(ctx context.Context, in types.WriteInput) (types.MemoryRecord, error) {
	return s.persist(ctx, in.OwnerID, types.Fact{Text: in.Text}, in.Metadata)
}

func (s *Service) persist(ctx context.Context, owner string, fact types.Fact, meta map[string]any) (types.MemoryRecord, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return types.MemoryRecord{}, errors.New("owner_id is required")
	}
	fact.Text = strings.TrimSpace(fact.Text)
	if fact.Text == "" {
		return types.MemoryRecord{}, errors.New("text must not be empty")
	}

	rec := types.MemoryRecord{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Text:      fact.Text,
		Metadata:  meta,
		CreatedAt: s.now().UTC(),
	}
	if emb, err := s.Embed(ctx, fact.Text); err != nil {
		s.logger.Warn("embedding failed; storing memory without vector", "owner", owner, "error", err)
	} else {
		rec.Embedding = emb
	}

	if err := s.store.InsertFact(ctx, rec, fact); err != nil {
		return types.MemoryRecord{}, err
	}
	if s.vectors != nil && len(rec.Embedding) > 0 {
		if err := s.vectors.Add(ctx, rec); err != nil {
			s.logger.Warn("vector insert failed; memory kept in sqlite only", "owner", owner, "id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

// Embed computes an embedding within the configured embedding timeout.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, errors.New("no embedding provider configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout())
	defer cancel()
	return s.embedder.Embed(ctx, text)
}

// Search ranks memories by semantic similarity, lexical match and recency.
func (s *Service) Search(ctx context.Context, in types.SearchInput) ([]types.SearchResult, error) {
	owner := strings.TrimSpace(in.OwnerID)
	if owner == "" {
		return nil, errors.New("owner_id is required")
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, errors.New("query must not be empty")
	}
	if in.K <= 0 {
		in.K = s.cfg.SearchLimit
	}
	if in.K > 100 {
		in.K = 100
	}

	type scored struct {
		rec      types.MemoryRecord
		semantic float64
		lexical  float64
	}
	byID := map[string]*scored{}
	order := []string{}
	get := func(rec types.MemoryRecord) *scored {
		if sc, ok := byID[rec.ID]; ok {
			return sc
		}
		sc := &scored{rec: rec}
		byID[rec.ID] = sc
		order = append(order, rec.ID)
		return sc
	}

	cands, err := s.store.SearchText(ctx, owner, in.Query, in.K*3)
	if err != nil {
		return nil, err
	}
	for _, c := range cands {
		get(c.Record).lexical = c.LexicalScore
	}

	if s.vectors != nil && s.embedder != nil {
		emb, err := s.Embed(ctx, in.Query)
		if err != nil {
			s.logger.Warn("query embedding failed; lexical ranking only", "owner", owner, "error", err)
		} else {
			near, err := s.vectors.SimilaritySearch(ctx, emb, owner, in.K*3)
			if err != nil {
				s.logger.Warn("vector search failed; lexical ranking only", "owner", owner, "error", err)
			}
			for _, rec := range near {
				sc := get(rec)
				sc.semantic = similarity(rec)
			}
		}
	}

	now := s.now()
	results := make([]types.SearchResult, 0, len(order))
	for _, id := range order {
		sc := byID[id]
		recency := recencyScore(now, sc.rec.CreatedAt)
		results = append(results, types.SearchResult{
			Record:        sc.rec,
			Score:         0.45*sc.semantic + 0.35*sc.lexical + 0.20*recency,
			SemanticScore: sc.semantic,
			LexicalScore:  sc.lexical,
			RecencyScore:  recency,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > in.K {
		results = results[:in.K]
	}
	for i := range results {
		results[i].Record.Embedding = nil
	}
	return results, nil
}

// SimilaritySearch queries the vector index; without one it returns nothing.
func (s *Service) SimilaritySearch(ctx context.Context, embedding []float32, owner string, limit int) ([]types.MemoryRecord, error) {
	if s.vectors == nil {
		return nil, nil
	}
	return s.vectors.SimilaritySearch(ctx, embedding, owner, limit)
}

// Traverse returns related entities from the graph.
func (s *Service) Traverse(ctx context.Context, hints []string, owner string) ([]types.RelatedEntity, error) {
	return s.store.Traverse(ctx, hints, owner)
}

// SearchDocuments is plain full-text search over the owner's memories.
func (s *Service) SearchDocuments(ctx context.Context, owner, query string, limit int) ([]types.MemoryRecord, error) {
	cands, err := s.store.SearchText(ctx, owner, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.MemoryRecord, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Record)
	}
	return out, nil
}

// Recent returns the owner's newest memories.
func (s *Service) Recent(ctx context.Context, owner string, limit int) ([]types.MemoryRecord, error) {
	return s.store.ListRecent(ctx, owner, limit)
}

// Narrative returns the stored narrative for owner if it is younger than the
// configured maximum age. ok is false when there is none.
func (s *Service) Narrative(ctx context.Context, owner string) (text string, ok bool, err error) {
	n, err := s.store.GetNarrative(ctx, owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load narrative: %w", err)
	}
	if s.now().Sub(n.UpdatedAt) > s.cfg.NarrativeMaxAge() || strings.TrimSpace(n.Text) == "" {
		return "", false, nil
	}
	return n.Text, true, nil
}

// SaveNarrative persists a freshly generated narrative.
func (s *Service) SaveNarrative(ctx context.Context, owner, text string) error {
	return s.store.SaveNarrative(ctx, owner, text, s.now())
}

func similarity(rec types.MemoryRecord) float64 {
	switch v := rec.Metadata["similarity"].(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

func recencyScore(now, t time.Time) float64 {
	days := now.Sub(t).Hours() / 24.0
	if days <= 0 {
		return 1.0
	}
	return math.Exp(-days / 14.0)
}
