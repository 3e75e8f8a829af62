// Package vectorstore is the long-term vector store, one chromem collection
// per owner persisted under a directory.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	chromem "github.com/philippgille/chromem-go"

	"github.com/xiy/context-engine/pkg/types"
)

// Store wraps a persistent chromem database.
type Store struct {
	db     *chromem.DB
	logger *log.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// Open opens or creates the database at dir.
func Open(dir string, logger *log.Logger) (*Store, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	return &Store{db: db, logger: logger, collections: make(map[string]*chromem.Collection)}, nil
}

// collectionName keeps arbitrary owner ids safe as chromem collection names.
func collectionName(owner string) string {
	sum := sha256.Sum256([]byte(owner))
	return "owner_" + hex.EncodeToString(sum[:12])
}

func (s *Store) collection(owner string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[owner]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[owner]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(collectionName(owner), map[string]string{"owner_id": owner}, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[owner] = col
	return col, nil
}

// Add stores rec. Records without an embedding are ignored.
func (s *Store) Add(ctx context.Context, rec types.MemoryRecord) error {
	if len(rec.Embedding) == 0 {
		return nil
	}
	col, err := s.collection(rec.OwnerID)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			"owner_id":   rec.OwnerID,
			"created_at": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// SimilaritySearch returns the owner's records closest to embedding.
func (s *Store) SimilaritySearch(ctx context.Context, embedding []float32, owner string, limit int) ([]types.MemoryRecord, error) {
	if limit <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	col, err := s.collection(owner)
	if err != nil {
		return nil, err
	}
	n := min(limit, col.Count())
	if n == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		if isInsufficientDocs(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	out := make([]types.MemoryRecord, 0, len(results))
	for _, r := range results {
		rec := types.MemoryRecord{
			ID:        r.ID,
			OwnerID:   r.Metadata["owner_id"],
			Text:      r.Content,
			Embedding: r.Embedding,
			Metadata:  map[string]any{"similarity": r.Similarity},
		}
		if ts, err := time.Parse(time.RFC3339Nano, r.Metadata["created_at"]); err == nil {
			rec.CreatedAt = ts
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns how many vectors owner has.
func (s *Store) Count(owner string) int {
	col, err := s.collection(owner)
	if err != nil {
		return 0
	}
	return col.Count()
}

func isInsufficientDocs(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
