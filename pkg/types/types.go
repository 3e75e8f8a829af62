package types

import "time"

// MemoryRecord represents one persisted memory item owned by a single user.
type MemoryRecord struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Text      string         `json:"text"`
	Embedding []float32      `json:"embedding,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// PlanStrategy names how a context plan should be executed.
type PlanStrategy string

const (
	PlanRelevant      PlanStrategy = "relevant"
	PlanRecent        PlanStrategy = "recent"
	PlanComprehensive PlanStrategy = "comprehensive"
)

// Valid reports whether s is a known plan strategy.
func (s PlanStrategy) Valid() bool {
	switch s {
	case PlanRelevant, PlanRecent, PlanComprehensive:
		return true
	}
	return false
}

// ContextPlan is the planner's decision for one message. Plans are shared
// between requests through the plan cache and must not be mutated.
type ContextPlan struct {
	Strategy       PlanStrategy `json:"strategy"`
	SearchQueries  []string     `json:"search_queries"`
	ShouldPersist  bool         `json:"should_persist"`
	PersistContent string       `json:"persist_content,omitempty"`
}

// RetrievalRequest is one incoming context request.
type RetrievalRequest struct {
	OwnerID           string `json:"owner_id"`
	UserMessage       string `json:"message"`
	IsNewConversation bool   `json:"is_new_conversation"`
	NeedsContext      bool   `json:"needs_context"`
}

// TriageTask is a queued request to extract and persist memories.
type TriageTask struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	UserMessage    string    `json:"message"`
	ClientContext  string    `json:"client_context,omitempty"`
	PersistContent string    `json:"persist_content,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Entity is a named thing mentioned by a fact.
type Entity struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

// Relation links two entities.
type Relation struct {
	Source   string `json:"source"`
	Relation string `json:"relation"`
	Target   string `json:"target"`
}

// Fact is one unit extracted from a conversation and ready to persist.
type Fact struct {
	Text      string     `json:"text"`
	Entities  []Entity   `json:"entities,omitempty"`
	Relations []Relation `json:"relations,omitempty"`
}

// RelatedEntity is one edge returned by a graph traversal.
type RelatedEntity struct {
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
	Relation string `json:"relation"`
	Target   string `json:"target"`
	MemoryID string `json:"memory_id,omitempty"`
}

// WriteInput describes a direct memory write.
type WriteInput struct {
	OwnerID  string         `json:"owner_id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchInput is used for ranked memory search.
type SearchInput struct {
	OwnerID string `json:"owner_id"`
	Query   string `json:"query"`
	K       int    `json:"k,omitempty"`
}

// SearchResult is a ranked item from search.
type SearchResult struct {
	Record        MemoryRecord `json:"record"`
	Score         float64      `json:"score"`
	SemanticScore float64      `json:"semantic_score"`
	LexicalScore  float64      `json:"lexical_score"`
	RecencyScore  float64      `json:"recency_score"`
}
