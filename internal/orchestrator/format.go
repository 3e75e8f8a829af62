package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xiy/context-engine/pkg/types"
)

// rrfK is the rank offset for reciprocal rank fusion.
const rrfK = 60

// fuse merges ranked lists with reciprocal rank fusion. Records are matched
// by ID; the first list wins ties.
func fuse(lists ...[]types.MemoryRecord) []types.MemoryRecord {
	type item struct {
		rec   types.MemoryRecord
		score float64
		order int
	}
	byID := map[string]*item{}
	for _, list := range lists {
		for rank, rec := range list {
			it, ok := byID[rec.ID]
			if !ok {
				it = &item{rec: rec, order: len(byID)}
				byID[rec.ID] = it
			}
			it.score += 1.0 / float64(rrfK+rank+1)
		}
	}
	items := make([]*item, 0, len(byID))
	for _, it := range byID {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].order < items[j].order
	})
	out := make([]types.MemoryRecord, len(items))
	for i, it := range items {
		out[i] = it.rec
	}
	return out
}

func (o *Orchestrator) format(header string, recs []types.MemoryRecord, related []types.RelatedEntity) string {
	var b strings.Builder
	if len(recs) > 0 {
		b.WriteString(header)
		b.WriteByte('\n')
		for _, rec := range recs {
			b.WriteString("- ")
			b.WriteString(oneLine(rec.Text))
			if !rec.CreatedAt.IsZero() {
				b.WriteString(" (")
				b.WriteString(rec.CreatedAt.Format("2006-01-02"))
				b.WriteByte(')')
			}
			b.WriteByte('\n')
		}
	}
	if len(related) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("Related:\n")
		for _, r := range related {
			b.WriteString("- ")
			b.WriteString(r.Name)
			b.WriteString(" ")
			b.WriteString(strings.ReplaceAll(r.Relation, "_", " "))
			b.WriteString(" ")
			b.WriteString(r.Target)
			b.WriteByte('\n')
		}
	}
	return capContext(strings.TrimRight(b.String(), "\n"), o.settings.ContextMaxChars)
}

// capContext limits s to limit bytes, cutting at the last line break that fits
// or at a rune boundary when there is none.
func capContext(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		return cut[:i]
	}
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalize lower-cases and collapses whitespace so near-duplicate messages
// share cache entries.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func planKey(owner, message string) string {
	sum := sha256.Sum256([]byte(owner + "\x00" + normalize(message)))
	return hex.EncodeToString(sum[:])
}

func planSize(key string, p types.ContextPlan) int64 {
	n := len(key) + len(p.Strategy) + len(p.PersistContent) + 48
	for _, q := range p.SearchQueries {
		n += len(q) + 16
	}
	return int64(n)
}

var hintStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "how": {}, "does": {}, "did": {}, "you": {}, "your": {}, "about": {},
	"that": {}, "this": {}, "have": {}, "has": {}, "was": {}, "are": {}, "tell": {},
	"know": {}, "from": {}, "remember": {},
}

// entityHints turns queries into lower-case words and adjacent word pairs
// that may name entities in the graph.
func entityHints(queries []string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(h string) {
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	for _, q := range queries {
		words := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
		})
		prev := ""
		for _, w := range words {
			w = strings.Trim(w, "'")
			if _, stop := hintStopwords[w]; stop || len(w) < 3 {
				prev = ""
				continue
			}
			add(w)
			if prev != "" {
				add(prev + " " + w)
			}
			prev = w
		}
	}
	return out
}
