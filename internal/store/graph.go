package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xiy/context-engine/pkg/types"
)

// maxTraverseEdges bounds one traversal.
const maxTraverseEdges = 50

func entityKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func insertGraph(ctx context.Context, tx *sql.Tx, rec types.MemoryRecord, fact types.Fact) error {
	if len(fact.Entities) == 0 && len(fact.Relations) == 0 {
		return nil
	}
	created := formatTime(rec.CreatedAt)
	kinds := make(map[string]string, len(fact.Entities))
	for _, e := range fact.Entities {
		if key := entityKey(e.Name); key != "" {
			kinds[key] = e.Kind
			if _, err := upsertEntity(ctx, tx, rec.OwnerID, e.Name, e.Kind, created); err != nil {
				return err
			}
		}
	}
	for _, r := range fact.Relations {
		if entityKey(r.Source) == "" || entityKey(r.Target) == "" || strings.TrimSpace(r.Relation) == "" {
			continue
		}
		src, err := upsertEntity(ctx, tx, rec.OwnerID, r.Source, kinds[entityKey(r.Source)], created)
		if err != nil {
			return err
		}
		dst, err := upsertEntity(ctx, tx, rec.OwnerID, r.Target, kinds[entityKey(r.Target)], created)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO relations (
			id, owner_id, source_id, relation, target_id, memory_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newID(), rec.OwnerID, src, strings.TrimSpace(r.Relation), dst, rec.ID, created,
		); err != nil {
			return fmt.Errorf("insert relation: %w", err)
		}
	}
	return nil
}

func upsertEntity(ctx context.Context, tx *sql.Tx, owner, name, kind, created string) (string, error) {
	key := entityKey(name)
	if _, err := tx.ExecContext(ctx, `INSERT INTO entities (id, owner_id, name, name_key, kind, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(owner_id, name_key) DO UPDATE SET
  kind = CASE WHEN excluded.kind != '' THEN excluded.kind ELSE entities.kind END`,
		newID(), owner, strings.TrimSpace(name), key, strings.TrimSpace(kind), created,
	); err != nil {
		return "", fmt.Errorf("upsert entity: %w", err)
	}
	var id string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM entities WHERE owner_id = ? AND name_key = ?`, owner, key).Scan(&id); err != nil {
		return "", fmt.Errorf("lookup entity: %w", err)
	}
	return id, nil
}

// Traverse returns the one-hop relations touching any entity named by hints.
// Hints are matched case-insensitively against whole entity names.
func (s *SQLiteStore) Traverse(ctx context.Context, hints []string, owner string) ([]types.RelatedEntity, error) {
	keys := make([]any, 0, len(hints))
	seen := make(map[string]struct{}, len(hints))
	for _, h := range hints {
		key := entityKey(h)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	q := fmt.Sprintf(`SELECT src.name, src.kind, r.relation, dst.name, r.memory_id
FROM relations r
JOIN entities src ON src.id = r.source_id
JOIN entities dst ON dst.id = r.target_id
WHERE r.owner_id = ?
  AND (src.name_key IN (%[1]s) OR dst.name_key IN (%[1]s))
ORDER BY r.created_at DESC
LIMIT ?`, placeholders)

	args := make([]any, 0, 2*len(keys)+2)
	args = append(args, owner)
	args = append(args, keys...)
	args = append(args, keys...)
	args = append(args, maxTraverseEdges)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("traverse relations: %w", err)
	}
	defer rows.Close()

	var out []types.RelatedEntity
	for rows.Next() {
		var e types.RelatedEntity
		if err := rows.Scan(&e.Name, &e.Kind, &e.Relation, &e.Target, &e.MemoryID); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
