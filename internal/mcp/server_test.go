package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/context-engine/internal/orchestrator"
	"github.com/xiy/context-engine/internal/store"
	"github.com/xiy/context-engine/pkg/types"
)

type fakeEngine struct {
	requests    []types.RetrievalRequest
	invalidated []string
}

func (f *fakeEngine) HandleRequest(_ context.Context, req types.RetrievalRequest) (string, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return "", orchestrator.ErrInvalidRequest
	}
	f.requests = append(f.requests, req)
	return "Relevant memories:\n- likes coffee", nil
}

func (f *fakeEngine) InvalidateOwner(owner string) {
	f.invalidated = append(f.invalidated, owner)
}

func (f *fakeEngine) Stats() orchestrator.Stats {
	return orchestrator.Stats{Requests: int64(len(f.requests)), Pressure: "normal"}
}

type fakeMemories struct {
	written []types.WriteInput
}

func (f *fakeMemories) Write(_ context.Context, in types.WriteInput) (types.MemoryRecord, error) {
	if in.OwnerID == "" {
		return types.MemoryRecord{}, errors.New("owner_id is required")
	}
	f.written = append(f.written, in)
	return types.MemoryRecord{ID: "m1", OwnerID: in.OwnerID, Text: in.Text, Embedding: []float32{1, 0}}, nil
}

func (f *fakeMemories) Search(_ context.Context, in types.SearchInput) ([]types.SearchResult, error) {
	if in.Query == "" {
		return nil, errors.New("query must not be empty")
	}
	return []types.SearchResult{{Record: types.MemoryRecord{ID: "m1", Text: "likes coffee"}, Score: 0.8}}, nil
}

type captureSink struct {
	rows []store.MCPRequestLog
}

func (c *captureSink) InsertMCPRequestLog(_ context.Context, rec store.MCPRequestLog) error {
	c.rows = append(c.rows, rec)
	return nil
}

func newTestServer(sink RequestLogSink) (*Server, *fakeEngine, *fakeMemories) {
	engine := &fakeEngine{}
	mem := &fakeMemories{}
	srv := NewServer(engine, mem, Info{Name: "context-engine", Version: "test"}, log.NewWithOptions(io.Discard, log.Options{}), sink)
	return srv, engine, mem
}

func callTool(t *testing.T, srv *Server, name string, args string) map[string]any {
	t.Helper()
	params := `{"name":"` + name + `"`
	if args != "" {
		params += `,"arguments":` + args
	}
	params += "}"
	resp, _, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`7`), Method: "tools/call", Params: json.RawMessage(params)})
	if !ok {
		t.Fatal("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	return result
}

func resultText(t *testing.T, result map[string]any) string {
	t.Helper()
	content, ok := result["content"].([]map[string]any)
	if !ok || len(content) == 0 {
		t.Fatalf("missing content in %+v", result)
	}
	text, _ := content[0]["text"].(string)
	return text
}

func TestHandle_ToolsList(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(nil)
	resp, _, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"})
	if !ok {
		t.Fatal("expected response")
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	tools, ok := result["tools"].([]ToolDefinition)
	if !ok || len(tools) != 4 {
		t.Fatalf("expected 4 tools, got %v", result["tools"])
	}
	if tools[0].Name != "context_get" {
		t.Fatalf("expected context_get first, got %q", tools[0].Name)
	}
}

func TestHandle_NotificationHasNoReply(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(nil)
	if _, _, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", Method: "notifications/initialized"}); ok {
		t.Fatal("expected no reply to notification")
	}
	resp, _, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "resources/list"})
	if !ok || resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp)
	}
}

func TestContextGet_DefaultsNeedsContext(t *testing.T) {
	t.Parallel()
	srv, engine, _ := newTestServer(nil)

	result := callTool(t, srv, "context_get", `{"owner_id":"u1","message":"what do I drink?"}`)
	if result["isError"] != false {
		t.Fatalf("unexpected tool error %+v", result)
	}
	if got := resultText(t, result); !strings.Contains(got, "likes coffee") {
		t.Fatalf("unexpected context text %q", got)
	}
	if len(engine.requests) != 1 || !engine.requests[0].NeedsContext {
		t.Fatalf("expected needs_context to default to true, got %+v", engine.requests)
	}

	callTool(t, srv, "context_get", `{"owner_id":"u1","message":"thanks","needs_context":false,"is_new_conversation":true}`)
	if got := engine.requests[1]; got.NeedsContext || !got.IsNewConversation {
		t.Fatalf("unexpected forwarded request %+v", got)
	}
}

func TestContextGet_InvalidRequestIsToolError(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(nil)
	result := callTool(t, srv, "context_get", `{"message":"hello"}`)
	if result["isError"] != true {
		t.Fatalf("expected tool error, got %+v", result)
	}
	if _, failures := srv.Counters(); failures != 1 {
		t.Fatalf("expected 1 failure, got %d", failures)
	}
}

func TestMemoryWrite_InvalidatesOwner(t *testing.T) {
	t.Parallel()
	srv, engine, mem := newTestServer(nil)
	result := callTool(t, srv, "memory_write", `{"owner_id":"u1","text":"likes coffee"}`)
	if result["isError"] != false {
		t.Fatalf("unexpected tool error %+v", result)
	}
	if len(mem.written) != 1 || len(engine.invalidated) != 1 || engine.invalidated[0] != "u1" {
		t.Fatalf("expected write and invalidation, got written=%v invalidated=%v", mem.written, engine.invalidated)
	}
	if strings.Contains(resultText(t, result), "embedding") {
		t.Fatal("expected embedding stripped from tool output")
	}
}

func TestEngineStats(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(nil)
	result := callTool(t, srv, "engine_stats", "")
	var stats orchestrator.Stats
	if err := json.Unmarshal([]byte(resultText(t, result)), &stats); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if stats.Pressure != "normal" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCodec_FramedRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := newCodec(strings.NewReader(""), &buf)
	if err := w.write(success(1, map[string]any{"ok": true})); err != nil {
		t.Fatalf("write() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "Content-Length: ") {
		t.Fatalf("expected framed output, got %q", buf.String())
	}

	r := newCodec(bytes.NewReader(buf.Bytes()), io.Discard)
	payload, err := r.read()
	if err != nil {
		t.Fatalf("read() error = %v", err)
	}
	if r.mode != wireModeFramed {
		t.Fatalf("expected framed mode, got %v", r.mode)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got["jsonrpc"] != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", got["jsonrpc"])
	}
}

func TestCodec_JSONLineSkipsBlankLines(t *testing.T) {
	t.Parallel()
	r := newCodec(strings.NewReader("\n\n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n"), io.Discard)
	payload, err := r.read()
	if err != nil {
		t.Fatalf("read() error = %v", err)
	}
	if r.mode != wireModeJSONLine {
		t.Fatalf("expected JSON-line mode, got %v", r.mode)
	}
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("json.Unmarshal(payload) error = %v", err)
	}
	if req.Method != "ping" {
		t.Fatalf("expected method ping, got %q", req.Method)
	}
	if _, err := r.read(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestServe_JSONLineInitialize(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(nil)
	in := strings.NewReader("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"initialize\",\"params\":{\"protocolVersion\":\"2024-11-05\"}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	line := bytes.TrimSpace(out.Bytes())
	if bytes.Contains(line, []byte("Content-Length:")) {
		t.Fatalf("expected JSON-line response, got framed output: %q", string(line))
	}
	var resp struct {
		Result struct {
			ServerInfo map[string]any `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("json.Unmarshal(response) error = %v", err)
	}
	if resp.Result.ServerInfo["name"] != "context-engine" {
		t.Fatalf("unexpected server info %v", resp.Result.ServerInfo)
	}
}

func TestServe_LogsRequestEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv, _, _ := newTestServer(sink)

	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"memory_search","arguments":{"owner_id":"u9","query":""}}}`,
		`not json`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"context_get","arguments":{"owner_id":"u9","message":"what do I drink?"}}}`,
	}, "\n") + "\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if len(sink.rows) != 3 {
		t.Fatalf("expected 3 request log rows, got %d", len(sink.rows))
	}
	first := sink.rows[0]
	if first.ToolName != "memory_search" || first.OwnerID != "u9" || first.Success || first.ErrorText == "" {
		t.Fatalf("unexpected first row %+v", first)
	}
	if sink.rows[1].Method != "parse_error" || sink.rows[1].Success {
		t.Fatalf("unexpected parse error row %+v", sink.rows[1])
	}
	if last := sink.rows[2]; !last.Success || last.ToolName != "context_get" {
		t.Fatalf("unexpected last row %+v", last)
	}
}
