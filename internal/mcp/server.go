// Package mcp exposes the context engine as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/context-engine/internal/orchestrator"
	"github.com/xiy/context-engine/internal/store"
	"github.com/xiy/context-engine/pkg/types"
)

const (
	jsonRPCVersion         = "2.0"
	defaultProtocolVersion = "2024-11-05"

	codeParseError     = -32700
	codeMethodNotFound = -32601
)

// Engine answers context requests.
type Engine interface {
	HandleRequest(ctx context.Context, req types.RetrievalRequest) (string, error)
	InvalidateOwner(owner string)
	Stats() orchestrator.Stats
}

// Memories is direct access to long-term memory.
type Memories interface {
	Write(ctx context.Context, in types.WriteInput) (types.MemoryRecord, error)
	Search(ctx context.Context, in types.SearchInput) ([]types.SearchResult, error)
}

// RequestLogSink receives one summary row per handled request.
type RequestLogSink interface {
	InsertMCPRequestLog(ctx context.Context, rec store.MCPRequestLog) error
}

// Info identifies the server during initialize.
type Info struct {
	Name    string
	Version string
}

// Server handles MCP JSON-RPC messages.
type Server struct {
	engine   Engine
	memories Memories
	sink     RequestLogSink
	info     Info
	logger   *log.Logger

	requests atomic.Uint64
	failures atomic.Uint64
}

// NewServer creates a server. sink may be nil.
func NewServer(engine Engine, memories Memories, info Info, logger *log.Logger, sink RequestLogSink) *Server {
	return &Server{engine: engine, memories: memories, info: info, logger: logger, sink: sink}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// outcome summarizes a handled request for the request log.
type outcome struct {
	tool    string
	owner   string
	errText string
}

// Serve reads requests from in until EOF or ctx is done.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	c := newCodec(in, out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := c.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		started := time.Now()
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "mode", c.mode, "error", err)
			s.record(ctx, "parse_error", outcome{errText: "parse error"}, 0)
			if err := c.write(errorResponse(nil, codeParseError, "parse error", err.Error())); err != nil {
				return err
			}
			continue
		}

		resp, res, reply := s.handle(ctx, req)
		s.record(ctx, req.Method, res, time.Since(started))
		if !reply {
			continue
		}
		if err := c.write(resp); err != nil {
			return err
		}
	}
}

// handle dispatches one request. reply is false for notifications.
func (s *Server) handle(ctx context.Context, req request) (resp response, res outcome, reply bool) {
	s.requests.Add(1)
	reply = len(req.ID) > 0
	id := decodeID(req.ID)

	switch req.Method {
	case "notifications/initialized":
		return response{}, res, false
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if strings.TrimSpace(p.ProtocolVersion) == "" {
			p.ProtocolVersion = defaultProtocolVersion
		}
		return success(id, map[string]any{
			"protocolVersion": p.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": s.info.Name, "version": s.info.Version},
		}), res, reply
	case "ping":
		return success(id, map[string]any{}), res, reply
	case "tools/list":
		return success(id, map[string]any{"tools": toolDefinitions()}), res, reply
	case "tools/call":
		var call toolCall
		if err := json.Unmarshal(req.Params, &call); err != nil {
			s.failures.Add(1)
			res.errText = "invalid tools/call params: " + err.Error()
			return success(id, toolError(res.errText)), res, reply
		}
		res.tool = strings.TrimSpace(call.Name)
		res.owner = call.owner()
		result, err := s.callTool(ctx, call)
		if err != nil {
			s.failures.Add(1)
			res.errText = err.Error()
			s.logger.Debug("tool call failed", "tool", res.tool, "owner", res.owner, "error", err)
			return success(id, toolError(res.errText)), res, reply
		}
		return success(id, result), res, reply
	}

	if !reply {
		return response{}, res, false
	}
	res.errText = "method not found"
	return errorResponse(id, codeMethodNotFound, "method not found", req.Method), res, true
}

func (s *Server) record(ctx context.Context, method string, res outcome, elapsed time.Duration) {
	if s.sink == nil {
		return
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "unknown"
	}
	row := store.MCPRequestLog{
		Method:     method,
		ToolName:   res.tool,
		OwnerID:    res.owner,
		Success:    res.errText == "",
		ErrorText:  res.errText,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.sink.InsertMCPRequestLog(ctx, row); err != nil {
		s.logger.Warn("failed to persist MCP request log", "error", err)
	}
}

// Counters returns request and failure totals.
func (s *Server) Counters() (requests, failures uint64) {
	return s.requests.Load(), s.failures.Load()
}

func success(id any, result any) response {
	return response{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

func errorResponse(id any, code int, msg string, data any) response {
	return response{JSONRPC: jsonRPCVersion, ID: id, Error: &rpcError{Code: code, Message: msg, Data: data}}
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
