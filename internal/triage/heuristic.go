package triage

import (
	"context"
	"strings"
	"unicode"

	"github.com/xiy/context-engine/pkg/types"
)

var selfMarkers = []string{
	"i am ", "i'm ", "i work", "i live", "i like", "i love", "i hate", "i prefer",
	"i have ", "i've ", "i was born", "i moved", "i study", "my ",
}

// HeuristicExtractor keeps first-person statements and pulls "my <relation>
// <Name>" edges out of them. It is used when no model is configured or the
// model call fails.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(_ context.Context, task types.TriageTask) ([]types.Fact, error) {
	var facts []types.Fact
	for _, sentence := range splitSentences(task.UserMessage) {
		if strings.HasSuffix(sentence, "?") {
			continue
		}
		lower := " " + strings.ToLower(sentence)
		if !containsAny(lower, selfMarkers) {
			continue
		}
		fact := types.Fact{Text: strings.TrimRight(sentence, ".! ")}
		for _, rel := range possessiveRelations(sentence) {
			fact.Relations = append(fact.Relations, rel)
			fact.Entities = append(fact.Entities, types.Entity{Name: rel.Target})
		}
		facts = append(facts, fact)
	}
	return facts, nil
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(text[start : i+1]); len(s) > 1 {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, " "+n) {
			return true
		}
	}
	return false
}

// possessiveRelations finds "my sister Anna" style phrases.
func possessiveRelations(sentence string) []types.Relation {
	words := strings.Fields(sentence)
	var out []types.Relation
	for i := 0; i+2 < len(words); i++ {
		if !strings.EqualFold(words[i], "my") {
			continue
		}
		relation := strings.ToLower(strings.Trim(words[i+1], ",.;:!"))
		name := strings.Trim(words[i+2], ",.;:!'\"")
		if relation == "" || name == "" {
			continue
		}
		if r := []rune(name); !unicode.IsUpper(r[0]) {
			continue
		}
		out = append(out, types.Relation{Source: "user", Relation: relation, Target: name})
	}
	return out
}
