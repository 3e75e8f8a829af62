package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiy/context-engine/pkg/types"
)

const extractPrompt = `Extract durable facts about the user from the message below. Ignore small talk,
questions and anything only relevant to the current moment.
Reply with one JSON object and nothing else:
{"facts": [{"text": "fact in third person",
            "entities": [{"name": "...", "kind": "person|place|organization|thing"}],
            "relations": [{"source": "...", "relation": "...", "target": "..."}]}]}
Use "user" as the entity name for the user. Return {"facts": []} when there is nothing to keep.
%s
Message: %s`

// FactExtractor turns a triage task into facts using the completion provider.
type FactExtractor struct {
	completer Completer
}

// NewFactExtractor creates an extractor on top of c.
func NewFactExtractor(c Completer) *FactExtractor {
	return &FactExtractor{completer: c}
}

func (e *FactExtractor) Extract(ctx context.Context, task types.TriageTask) ([]types.Fact, error) {
	clientCtx := ""
	if task.ClientContext != "" {
		clientCtx = "Conversation context: " + task.ClientContext
	}
	raw, err := e.completer.Complete(ctx, fmt.Sprintf(extractPrompt, clientCtx, task.UserMessage))
	if err != nil {
		return nil, err
	}
	return ParseFacts(raw)
}

// ParseFacts decodes an extraction reply, dropping facts without text.
func ParseFacts(raw string) ([]types.Fact, error) {
	body, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	var out struct {
		Facts []types.Fact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("decode facts: %w", err)
	}
	facts := out.Facts[:0]
	for _, f := range out.Facts {
		if f.Text = strings.TrimSpace(f.Text); f.Text != "" {
			facts = append(facts, f)
		}
	}
	return facts, nil
}
