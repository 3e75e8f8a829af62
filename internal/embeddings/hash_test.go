package embeddings

import (
	"context"
	"io"
	"math"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/context-engine/internal/config"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestHash_DeterministicUnitVectors(t *testing.T) {
	t.Parallel()
	h := NewHash(64)
	ctx := context.Background()
	a, err := h.Embed(ctx, "User likes coffee")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	b, _ := h.Embed(ctx, "user likes coffee")
	if len(a) != 64 {
		t.Fatalf("expected 64 dims, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected identical vectors at %d: %v vs %v", i, a[i], b[i])
		}
	}
	if n := math.Sqrt(cosine(a, a)); math.Abs(n-1) > 1e-5 {
		t.Fatalf("expected unit norm, got %v", n)
	}

	empty, _ := h.Embed(ctx, "")
	if n := math.Sqrt(cosine(empty, empty)); math.Abs(n-1) > 1e-5 {
		t.Fatalf("expected unit norm for empty text, got %v", n)
	}
}

func TestHash_SharedWordsAreCloser(t *testing.T) {
	t.Parallel()
	h := NewHash(256)
	ctx := context.Background()
	fact, _ := h.Embed(ctx, "user likes coffee")
	query, _ := h.Embed(ctx, "do I like coffee?")
	unrelated, _ := h.Embed(ctx, "quarterly tax filing deadline")
	if cosine(fact, query) <= cosine(fact, unrelated) {
		t.Fatalf("expected related text to be closer: related=%v unrelated=%v", cosine(fact, query), cosine(fact, unrelated))
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()
	got := Tokens("Do I like the Coffees, or teas?")
	want := []string{"like", "coffee", "tea"}
	if len(got) != len(want) {
		t.Fatalf("Tokens() = %v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tokens() = %v, expected %v", got, want)
		}
	}
}

func TestNew_FallsBackWithoutKey(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.EmbeddingProvider = "openai"
	cfg.OpenAIAPIKey = ""
	p, err := New(cfg, log.NewWithOptions(io.Discard, log.Options{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := p.(*Hash); !ok {
		t.Fatalf("expected hash provider, got %T", p)
	}
}
