package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xiy/context-engine/pkg/types"
)

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// owner pulls owner_id out of the arguments for request logging.
func (c toolCall) owner() string {
	var in struct {
		OwnerID string `json:"owner_id"`
	}
	if len(c.Arguments) == 0 || json.Unmarshal(c.Arguments, &in) != nil {
		return ""
	}
	return strings.TrimSpace(in.OwnerID)
}

type contextGetInput struct {
	OwnerID           string `json:"owner_id"`
	Message           string `json:"message"`
	IsNewConversation bool   `json:"is_new_conversation"`
	NeedsContext      *bool  `json:"needs_context"`
}

func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "context_get",
			Description: "Return the memory context an assistant should see before answering a user message.",
			InputSchema: jsonSchema(map[string]any{
				"owner_id":            propString("Opaque user identifier."),
				"message":             propString("The user's message."),
				"is_new_conversation": propBoolean("True for the first message of a conversation."),
				"needs_context":       propBoolean("Whether the caller wants retrieved context. Defaults to true."),
			}, []string{"owner_id", "message"}),
		},
		{
			Name:        "memory_write",
			Description: "Store a durable fact about a user in long-term memory.",
			InputSchema: jsonSchema(map[string]any{
				"owner_id": propString("Opaque user identifier."),
				"text":     propString("The fact to remember."),
				"metadata": map[string]any{"type": "object"},
			}, []string{"owner_id", "text"}),
		},
		{
			Name:        "memory_search",
			Description: "Search a user's long-term memory by semantic similarity, keywords and recency.",
			InputSchema: jsonSchema(map[string]any{
				"owner_id": propString("Opaque user identifier."),
				"query":    propString("Search query."),
				"k":        propNumber("Maximum results."),
			}, []string{"owner_id", "query"}),
		},
		{
			Name:        "engine_stats",
			Description: "Report strategy counters, cache and session index usage, triage queue and memory pressure.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
	}
}

func (s *Server) callTool(ctx context.Context, call toolCall) (map[string]any, error) {
	switch call.Name {
	case "context_get":
		var in contextGetInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		needs := in.NeedsContext == nil || *in.NeedsContext
		text, err := s.engine.HandleRequest(ctx, types.RetrievalRequest{
			OwnerID:           in.OwnerID,
			UserMessage:       in.Message,
			IsNewConversation: in.IsNewConversation,
			NeedsContext:      needs,
		})
		if err != nil {
			return nil, err
		}
		return toolText(text, map[string]any{"context": text}), nil

	case "memory_write":
		var in types.WriteInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		rec, err := s.memories.Write(ctx, in)
		if err != nil {
			return nil, err
		}
		s.engine.InvalidateOwner(rec.OwnerID)
		rec.Embedding = nil
		return toolJSON(rec)

	case "memory_search":
		var in types.SearchInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		results, err := s.memories.Search(ctx, in)
		if err != nil {
			return nil, err
		}
		return toolJSON(map[string]any{"results": results})

	case "engine_stats":
		return toolJSON(s.engine.Stats())
	}
	return nil, fmt.Errorf("unknown tool %q", call.Name)
}

func decodeArgs(call toolCall, v any) error {
	if len(call.Arguments) == 0 {
		return errors.New("missing arguments for " + call.Name)
	}
	if err := json.Unmarshal(call.Arguments, v); err != nil {
		return fmt.Errorf("invalid %s arguments: %w", call.Name, err)
	}
	return nil
}

func toolText(text string, structured any) map[string]any {
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": text}},
		"structuredContent": structured,
		"isError":           false,
	}
}

func toolJSON(v any) (map[string]any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return toolText(string(b), v), nil
}

func toolError(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": true,
	}
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propNumber(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

func propBoolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}
