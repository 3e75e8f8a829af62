package triage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/context-engine/pkg/types"
)

type recordingWriter struct {
	mu    sync.Mutex
	facts map[string][]string
	fail  bool
}

func (w *recordingWriter) Persist(_ context.Context, owner string, fact types.Fact) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("disk full")
	}
	if w.facts == nil {
		w.facts = map[string][]string{}
	}
	w.facts[owner] = append(w.facts[owner], fact.Text)
	return nil
}

func (w *recordingWriter) get(owner string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.facts[owner]...)
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, types.TriageTask) ([]types.Fact, error) {
	return nil, errors.New("model unavailable")
}

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func newTestQueue(t *testing.T, w Writer, opts Options) *Queue {
	t.Helper()
	q, err := New(w, opts, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(q.Close)
	return q
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueue_PerOwnerOrder(t *testing.T) {
	t.Parallel()
	w := &recordingWriter{}
	q := newTestQueue(t, w, Options{Workers: 3, QueueSize: 64, DedupeWindow: time.Minute})
	q.Start(context.Background())

	for i := 0; i < 10; i++ {
		for _, owner := range []string{"a", "b"} {
			if !q.Schedule(types.TriageTask{OwnerID: owner, PersistContent: fmt.Sprintf("%s fact %d", owner, i)}) {
				t.Fatalf("Schedule() dropped task %d for %s", i, owner)
			}
		}
	}
	waitFor(t, func() bool { return q.Stats().Processed == 20 })

	for _, owner := range []string{"a", "b"} {
		got := w.get(owner)
		if len(got) != 10 {
			t.Fatalf("expected 10 facts for %s, got %d", owner, len(got))
		}
		for i, text := range got {
			if want := fmt.Sprintf("%s fact %d", owner, i); text != want {
				t.Fatalf("owner %s position %d = %q, want %q", owner, i, text, want)
			}
		}
	}
}

func TestQueue_PauseAndResume(t *testing.T) {
	t.Parallel()
	w := &recordingWriter{}
	q := newTestQueue(t, w, Options{Workers: 1, QueueSize: 8, DedupeWindow: time.Minute})
	q.Pause()
	q.Start(context.Background())

	q.Schedule(types.TriageTask{OwnerID: "u1", PersistContent: "likes tea"})
	time.Sleep(50 * time.Millisecond)
	if got := q.Stats().Persisted; got != 0 {
		t.Fatalf("expected nothing persisted while paused, got %d", got)
	}
	if !q.Stats().Paused {
		t.Fatal("expected paused stats")
	}

	q.Resume()
	waitFor(t, func() bool { return q.Stats().Persisted == 1 })
}

func TestQueue_DeduplicatesWithinWindow(t *testing.T) {
	t.Parallel()
	w := &recordingWriter{}
	var invalidated []string
	var mu sync.Mutex
	q := newTestQueue(t, w, Options{
		Workers:      1,
		QueueSize:    8,
		DedupeWindow: time.Minute,
		OnPersist: func(owner string) {
			mu.Lock()
			invalidated = append(invalidated, owner)
			mu.Unlock()
		},
	})
	q.Start(context.Background())

	q.Schedule(types.TriageTask{OwnerID: "u1", PersistContent: "Lives in Lisbon"})
	q.Schedule(types.TriageTask{OwnerID: "u1", PersistContent: "lives   in lisbon"})
	q.Schedule(types.TriageTask{OwnerID: "u2", PersistContent: "Lives in Lisbon"})
	waitFor(t, func() bool { return q.Stats().Processed == 3 })

	stats := q.Stats()
	if stats.Persisted != 2 || stats.Duplicates != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(invalidated) != 2 {
		t.Fatalf("expected one invalidation per stored task, got %v", invalidated)
	}
}

func TestQueue_DropsWhenFull(t *testing.T) {
	t.Parallel()
	w := &recordingWriter{}
	q := newTestQueue(t, w, Options{Workers: 1, QueueSize: 1, DedupeWindow: time.Minute})

	if !q.Schedule(types.TriageTask{OwnerID: "u1", PersistContent: "first"}) {
		t.Fatal("expected first task accepted")
	}
	if q.Schedule(types.TriageTask{OwnerID: "u1", PersistContent: "second"}) {
		t.Fatal("expected second task dropped")
	}
	if q.Schedule(types.TriageTask{PersistContent: "no owner"}) {
		t.Fatal("expected task without owner rejected")
	}

	q.Start(context.Background())
	waitFor(t, func() bool { return q.Stats().Processed == 1 })
	if got := q.Stats().Dropped; got != 1 {
		t.Fatalf("expected 1 dropped, got %d", got)
	}
}

func TestQueue_FallsBackToHeuristics(t *testing.T) {
	t.Parallel()
	w := &recordingWriter{}
	q := newTestQueue(t, w, Options{Workers: 1, QueueSize: 4, DedupeWindow: time.Minute, Extractor: failingExtractor{}})
	q.Start(context.Background())

	q.Schedule(types.TriageTask{OwnerID: "u1", UserMessage: "My sister Anna moved to Porto. What should I cook tonight?"})
	waitFor(t, func() bool { return q.Stats().Processed == 1 })

	got := w.get("u1")
	if len(got) != 1 || got[0] != "My sister Anna moved to Porto" {
		t.Fatalf("unexpected facts %v", got)
	}
}

func TestQueue_WriterFailureCounts(t *testing.T) {
	t.Parallel()
	w := &recordingWriter{fail: true}
	q := newTestQueue(t, w, Options{Workers: 1, QueueSize: 4, DedupeWindow: time.Minute})
	q.Start(context.Background())

	q.Schedule(types.TriageTask{OwnerID: "u1", PersistContent: "anything"})
	waitFor(t, func() bool { return q.Stats().Processed == 1 })
	if stats := q.Stats(); stats.Failed != 1 || stats.Persisted != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHeuristicExtractor(t *testing.T) {
	t.Parallel()
	facts, err := HeuristicExtractor{}.Extract(context.Background(), types.TriageTask{
		UserMessage: "hello there. I work as a nurse! my brother Tom, lives nearby. Do I like jazz?",
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %+v", facts)
	}
	if facts[0].Text != "I work as a nurse" {
		t.Fatalf("unexpected first fact %q", facts[0].Text)
	}
	rels := facts[1].Relations
	if len(rels) != 1 || rels[0].Relation != "brother" || rels[0].Target != "Tom" {
		t.Fatalf("unexpected relations %+v", rels)
	}
}
