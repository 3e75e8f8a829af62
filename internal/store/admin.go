package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stats summarizes database counters for admin dashboards.
type Stats struct {
	Memories   int64
	Owners     int64
	Narratives int64
	Entities   int64
	Relations  int64
}

// MCPRequestLog captures one incoming MCP request handled by the server.
type MCPRequestLog struct {
	ID         int64
	Method     string
	ToolName   string
	OwnerID    string
	Success    bool
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// RecentMemory is a compact summary row for admin dashboards.
type RecentMemory struct {
	ID        string
	OwnerID   string
	Text      string
	CreatedAt time.Time
}

// Snapshot is a serialized engine stats payload written by the serve process.
type Snapshot struct {
	Payload   []byte
	CreatedAt time.Time
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		q   string
		dst *int64
	}{
		{`SELECT count(*) FROM memories`, &st.Memories},
		{`SELECT count(DISTINCT owner_id) FROM memories`, &st.Owners},
		{`SELECT count(*) FROM narratives`, &st.Narratives},
		{`SELECT count(*) FROM entities`, &st.Entities},
		{`SELECT count(*) FROM relations`, &st.Relations},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.q).Scan(c.dst); err != nil {
			return st, fmt.Errorf("count rows: %w", err)
		}
	}
	return st, nil
}

// InsertMCPRequestLog stores one request event for admin observability.
func (s *SQLiteStore) InsertMCPRequestLog(ctx context.Context, rec MCPRequestLog) error {
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO mcp_requests (
		method, tool_name, owner_id, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(rec.Method),
		strings.TrimSpace(rec.ToolName),
		strings.TrimSpace(rec.OwnerID),
		success,
		strings.TrimSpace(rec.ErrorText),
		rec.DurationMS,
		formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert mcp request log: %w", err)
	}
	return nil
}

// RecentMCPRequestLogs returns most recent request events in newest-first order.
func (s *SQLiteStore) RecentMCPRequestLogs(ctx context.Context, limit int) ([]MCPRequestLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, method, tool_name, owner_id, success, error_text, duration_ms, created_at
FROM mcp_requests
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list mcp request logs: %w", err)
	}
	defer rows.Close()

	items := make([]MCPRequestLog, 0, limit)
	for rows.Next() {
		var (
			row       MCPRequestLog
			success   int
			createdAt string
		)
		if err := rows.Scan(&row.ID, &row.Method, &row.ToolName, &row.OwnerID, &success, &row.ErrorText, &row.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan mcp request log: %w", err)
		}
		row.Success = success == 1
		row.CreatedAt = parseTime(createdAt)
		items = append(items, row)
	}
	return items, rows.Err()
}

// RecentMemories returns compact memory rows across all owners, newest first.
func (s *SQLiteStore) RecentMemories(ctx context.Context, limit int) ([]RecentMemory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner_id, text, created_at
FROM memories
ORDER BY created_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()

	items := make([]RecentMemory, 0, limit)
	for rows.Next() {
		var (
			row       RecentMemory
			createdAt string
		)
		if err := rows.Scan(&row.ID, &row.OwnerID, &row.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan recent memory: %w", err)
		}
		row.CreatedAt = parseTime(createdAt)
		items = append(items, row)
	}
	return items, rows.Err()
}

// SaveSnapshot appends an engine stats payload.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, payload []byte, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO engine_snapshots (payload_json, created_at) VALUES (?, ?)`,
		string(payload), formatTime(at)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest engine stats payload; sql.ErrNoRows when
// the engine has never written one.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (Snapshot, error) {
	var (
		snap      Snapshot
		payload   string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT payload_json, created_at FROM engine_snapshots ORDER BY id DESC LIMIT 1`).Scan(&payload, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snap, err
		}
		return snap, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.Payload = []byte(payload)
	snap.CreatedAt = parseTime(createdAt)
	return snap, nil
}

// Prune deletes request logs and snapshots created before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM mcp_requests WHERE created_at < ?`,
		`DELETE FROM engine_snapshots WHERE created_at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, formatTime(cutoff))
		if err != nil {
			return total, fmt.Errorf("prune: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("prune rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
