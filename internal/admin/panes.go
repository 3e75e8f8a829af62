package admin

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/xiy/context-engine/internal/store"
)

func formatEnginePane(snap *engineSnapshot) string {
	if snap == nil {
		return "(no engine snapshot yet; is serve running?)"
	}
	s := snap.stats
	var b strings.Builder
	fmt.Fprintf(&b, "Pressure:     %s (%.0f%%)\n", s.Pressure, s.PressureRatio*100)
	fmt.Fprintf(&b, "Requests:     %d  planner fallbacks %d\n", s.Requests, s.PlannerFallbacks)
	fmt.Fprintf(&b, "Plan cache:   %d entries %s/%s  hit %d miss %d\n",
		s.PlanCache.Entries, byteSize(s.PlanCache.Bytes), byteSize(s.PlanCache.Budget), s.PlanCache.Hits, s.PlanCache.Misses)
	fmt.Fprintf(&b, "Narratives:   %d entries %s/%s  hit %d miss %d\n",
		s.NarrativeCache.Entries, byteSize(s.NarrativeCache.Bytes), byteSize(s.NarrativeCache.Budget), s.NarrativeCache.Hits, s.NarrativeCache.Misses)
	fmt.Fprintf(&b, "Sessions:     %d owners %d records %s/%s\n",
		s.Sessions.Owners, s.Sessions.Records, byteSize(s.Sessions.Bytes), byteSize(s.Sessions.Budget))
	if t := s.Triage; t != nil {
		state := "running"
		if t.Paused {
			state = "paused"
		}
		fmt.Fprintf(&b, "Triage:       %s depth %d stored %d dup %d failed %d dropped %d\n",
			state, t.Depth, t.Persisted, t.Duplicates, t.Failed, t.Dropped)
	}

	names := make([]string, 0, len(s.Strategies))
	for name := range s.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if n := s.Strategies[name]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", name, n))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "none yet")
	}
	b.WriteString("Strategies:   " + strings.Join(parts, " ") + "\n")
	b.WriteString("Snapshot:     " + humanize.Time(snap.at))
	return b.String()
}

func formatStorePane(s store.Stats) string {
	return fmt.Sprintf("Memories:    %s\nOwners:      %s\nNarratives:  %s\nEntities:    %s\nRelations:   %s",
		humanize.Comma(s.Memories), humanize.Comma(s.Owners), humanize.Comma(s.Narratives),
		humanize.Comma(s.Entities), humanize.Comma(s.Relations))
}

func formatRequestPane(rows []store.MCPRequestLog) string {
	if len(rows) == 0 {
		return "(no MCP requests yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		method := row.Method
		if row.ToolName != "" {
			method = row.ToolName
		}
		status := "ok "
		if !row.Success {
			status = "err"
		}
		line := fmt.Sprintf("[%s] %s %-14s %-10s %5dms", formatClock(row.CreatedAt), status,
			truncateText(method, 14), truncateText(row.OwnerID, 10), max(0, row.DurationMS))
		if !row.Success && row.ErrorText != "" {
			line += " " + truncateText(compactWhitespace(row.ErrorText), 40)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatMemoriesPane(rows []store.RecentMemory) string {
	if len(rows) == 0 {
		return "(no memories yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("[%s] %-10s %s", formatClock(row.CreatedAt),
			truncateText(row.OwnerID, 10), truncateText(compactWhitespace(row.Text), 60)))
	}
	return strings.Join(lines, "\n")
}

func byteSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func truncateText(s string, limit int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= limit {
		return string(r)
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
