package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/xiy/context-engine/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Candidate is a text-search hit with its lexical score.
type Candidate struct {
	Record       types.MemoryRecord
	LexicalScore float64
}

// Narrative is a persisted per-owner summary.
type Narrative struct {
	OwnerID   string
	Text      string
	UpdatedAt time.Time
}

// SQLiteStore is the long-term memory store: memories with full-text search,
// narratives, the entity graph and admin bookkeeping.
type SQLiteStore struct {
	db         *sql.DB
	logger     *log.Logger
	ftsEnabled bool
}

// OpenSQLite opens and initializes the SQLite store.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(strings.ToLower(stmt), "virtual table") {
				s.logger.Warn("FTS5 disabled; falling back to LIKE queries", "error", err)
				continue
			}
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	s.ftsEnabled = s.hasTable(ctx, "memories_fts")
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p+";")
		}
	}
	return out
}

func (s *SQLiteStore) hasTable(ctx context.Context, name string) bool {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	return err == nil && n > 0
}

// InsertFact stores rec together with the entities and relations of fact in
// one transaction.
func (s *SQLiteStore) InsertFact(ctx context.Context, rec types.MemoryRecord, fact types.Fact) error {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := formatTime(rec.CreatedAt)
	if _, err := tx.ExecContext(ctx, `INSERT INTO memories (
		id, owner_id, text, embedding, metadata_json, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.Text, encodeEmbedding(rec.Embedding), string(metaJSON), created,
	); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	if s.ftsEnabled {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories_fts(id, owner_id, text) VALUES (?, ?, ?)`,
			rec.ID, rec.OwnerID, rec.Text,
		); err != nil {
			s.logger.Warn("fts insert failed; continuing", "error", err)
		}
	}

	if err := insertGraph(ctx, tx, rec, fact); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit memory: %w", err)
	}
	return nil
}

// ListRecent returns the newest memories of owner, newest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, owner string, limit int) ([]types.MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner_id, text, embedding, metadata_json, created_at
FROM memories
WHERE owner_id = ?
ORDER BY created_at DESC
LIMIT ?`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()

	items := make([]types.MemoryRecord, 0, limit)
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

// GetMemory returns one memory by id; sql.ErrNoRows when absent.
func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (types.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, owner_id, text, embedding, metadata_json, created_at
FROM memories WHERE id = ? LIMIT 1`, id)
	rec, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("get memory: %w", err)
	}
	return rec, nil
}

// SearchText matches any query term against the owner's memories. FTS5 is
// preferred; LIKE is used when FTS is unavailable or finds nothing.
func (s *SQLiteStore) SearchText(ctx context.Context, owner, query string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	terms := tokenizeQueryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	if s.ftsEnabled {
		rows, err := s.searchFTS(ctx, owner, buildFTSMatchQuery(terms), limit)
		if err == nil && len(rows) > 0 {
			return rows, nil
		}
		if err != nil {
			s.logger.Warn("fts query failed; fallback to LIKE", "error", err)
		}
	}
	return s.searchLIKE(ctx, owner, terms, limit)
}

func (s *SQLiteStore) searchFTS(ctx context.Context, owner, match string, limit int) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.owner_id, m.text, m.embedding, m.metadata_json, m.created_at, bm25(memories_fts) AS bm
FROM memories_fts
JOIN memories m ON m.id = memories_fts.id
WHERE memories_fts MATCH ?
  AND m.owner_id = ?
ORDER BY bm ASC LIMIT ?`, match, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Candidate, 0, limit)
	for rows.Next() {
		var bm float64
		rec, err := scanMemory(rows, &bm)
		if err != nil {
			return nil, err
		}
		items = append(items, Candidate{Record: rec, LexicalScore: 1.0 / (1.0 + math.Abs(bm))})
	}
	return items, rows.Err()
}

func (s *SQLiteStore) searchLIKE(ctx context.Context, owner string, terms []string, limit int) ([]Candidate, error) {
	q := `SELECT id, owner_id, text, embedding, metadata_json, created_at
FROM memories
WHERE owner_id = ? AND (`
	args := []any{owner}
	for i, term := range terms {
		if i > 0 {
			q += " OR "
		}
		q += "lower(text) LIKE ?"
		args = append(args, "%"+term+"%")
	}
	q += ") ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit*4)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search like: %w", err)
	}
	defer rows.Close()

	items := make([]Candidate, 0, limit)
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		lower := strings.ToLower(rec.Text)
		matched := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		items = append(items, Candidate{Record: rec, LexicalScore: 0.5 * float64(matched) / float64(len(terms))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortCandidates(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func sortCandidates(items []Candidate) {
	// insertion sort keeps created_at DESC order among equal scores
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].LexicalScore > items[j-1].LexicalScore; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// SaveNarrative replaces the owner's narrative.
func (s *SQLiteStore) SaveNarrative(ctx context.Context, owner, text string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO narratives (owner_id, text, updated_at) VALUES (?, ?, ?)
ON CONFLICT(owner_id) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
		owner, text, formatTime(at))
	if err != nil {
		return fmt.Errorf("save narrative: %w", err)
	}
	return nil
}

// GetNarrative returns the owner's narrative; sql.ErrNoRows when absent.
func (s *SQLiteStore) GetNarrative(ctx context.Context, owner string) (Narrative, error) {
	n := Narrative{OwnerID: owner}
	var updated string
	err := s.db.QueryRowContext(ctx, `SELECT text, updated_at FROM narratives WHERE owner_id = ?`, owner).Scan(&n.Text, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return n, err
		}
		return n, fmt.Errorf("get narrative: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		n.UpdatedAt = ts
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func tokenizeQueryTerms(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	seen := map[string]struct{}{}
	terms := make([]string, 0, 6)
	var sb strings.Builder

	flush := func() {
		if sb.Len() == 0 {
			return
		}
		term := sb.String()
		sb.Reset()
		if _, ok := seen[term]; ok {
			return
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}

	for _, r := range query {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()
	return terms
}

func buildFTSMatchQuery(terms []string) string {
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		parts = append(parts, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(parts, " OR ")
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

type scanner interface {
	Scan(dest ...any) error
}

// scanMemory reads the standard memory column list followed by extra columns.
func scanMemory(sc scanner, extra ...any) (types.MemoryRecord, error) {
	var (
		rec          types.MemoryRecord
		embedding    []byte
		metadataJSON string
		createdAt    string
	)
	dest := append([]any{&rec.ID, &rec.OwnerID, &rec.Text, &embedding, &metadataJSON, &createdAt}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return rec, err
	}
	rec.Embedding = decodeEmbedding(embedding)
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil || len(rec.Metadata) == 0 {
		rec.Metadata = nil
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return rec, err
	}
	rec.CreatedAt = created
	return rec, nil
}

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func newID() string {
	return uuid.NewString()
}
