package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xiy/context-engine/pkg/types"
)

const maxPlanQueries = 5

const planPrompt = `Decide what long-term memory the assistant needs to answer the user's message.
Reply with one JSON object and nothing else:
{"strategy": "relevant" | "recent" | "comprehensive",
 "search_queries": ["short search phrase", ...],
 "should_persist": true | false,
 "persist_content": "a durable fact about the user worth remembering, or empty"}

Use "recent" when the message continues recent activity, "relevant" when it asks about a specific topic,
and "comprehensive" only when the user asks for a broad overview of themselves.

New conversation: %t
Message: %s`

// Planner asks the completion provider for a context plan.
type Planner struct {
	completer Completer
}

// NewPlanner creates a planner on top of c.
func NewPlanner(c Completer) *Planner {
	return &Planner{completer: c}
}

// Plan returns the plan for message. Errors include a reply that is not a
// valid plan.
func (p *Planner) Plan(ctx context.Context, message string, isNewConversation bool) (types.ContextPlan, error) {
	raw, err := p.completer.Complete(ctx, fmt.Sprintf(planPrompt, isNewConversation, message))
	if err != nil {
		return types.ContextPlan{}, err
	}
	plan, err := ParsePlan(raw)
	if err != nil {
		return types.ContextPlan{}, err
	}
	if len(plan.SearchQueries) == 0 {
		plan.SearchQueries = []string{message}
	}
	return plan, nil
}

// ParsePlan extracts a ContextPlan from a model reply that may wrap the JSON
// object in prose or code fences.
func ParsePlan(raw string) (types.ContextPlan, error) {
	var plan types.ContextPlan
	body, err := extractJSONObject(raw)
	if err != nil {
		return plan, err
	}
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return plan, fmt.Errorf("decode plan: %w", err)
	}
	plan.Strategy = types.PlanStrategy(strings.ToLower(strings.TrimSpace(string(plan.Strategy))))
	if !plan.Strategy.Valid() {
		return types.ContextPlan{}, fmt.Errorf("unknown plan strategy %q", plan.Strategy)
	}

	queries := make([]string, 0, len(plan.SearchQueries))
	for _, q := range plan.SearchQueries {
		if q = strings.TrimSpace(q); q != "" && len(queries) < maxPlanQueries {
			queries = append(queries, q)
		}
	}
	plan.SearchQueries = queries
	plan.PersistContent = strings.TrimSpace(plan.PersistContent)
	if plan.PersistContent == "" {
		plan.ShouldPersist = false
	}
	return plan, nil
}

func extractJSONObject(raw string) (string, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", errors.New("no JSON object in model reply")
	}
	return raw[start : end+1], nil
}
