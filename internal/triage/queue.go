// Package triage runs the background pipeline that turns conversation turns
// into persisted memories without blocking the request path.
package triage

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/xiy/context-engine/pkg/types"
)

// Extractor produces facts worth keeping from a task.
type Extractor interface {
	Extract(ctx context.Context, task types.TriageTask) ([]types.Fact, error)
}

// Writer persists one fact for an owner.
type Writer interface {
	Persist(ctx context.Context, owner string, fact types.Fact) error
}

// Options configures a Queue.
type Options struct {
	Workers       int
	QueueSize     int
	DedupeWindow  time.Duration
	RatePerSecond float64
	// Extractor is optional; without one the heuristic extractor is used.
	Extractor Extractor
	// OnPersist runs after a task stored at least one fact for owner.
	OnPersist func(owner string)
}

// Stats is a point-in-time view of the queue counters.
type Stats struct {
	Scheduled  int64 `json:"scheduled"`
	Dropped    int64 `json:"dropped"`
	Processed  int64 `json:"processed"`
	Persisted  int64 `json:"persisted"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
	Depth      int   `json:"depth"`
	Paused     bool  `json:"paused"`
}

// Queue shards tasks by owner so that each owner's tasks are handled in
// submission order by a single worker.
type Queue struct {
	shards    []chan types.TriageTask
	extractor Extractor
	fallback  HeuristicExtractor
	writer    Writer
	dedupe    *ristretto.Cache
	window    time.Duration
	limiter   *rate.Limiter
	onPersist func(string)
	logger    *log.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	gateMu sync.Mutex
	paused bool
	resume chan struct{}

	scheduled  atomic.Int64
	dropped    atomic.Int64
	processed  atomic.Int64
	persisted  atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

// New creates a queue. Workers are started by Start.
func New(writer Writer, opts Options, logger *log.Logger) (*Queue, error) {
	if writer == nil {
		return nil, errors.New("triage writer is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	perShard := opts.QueueSize / opts.Workers
	if perShard < 1 {
		perShard = 1
	}

	dedupe, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     1 << 22,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	q := &Queue{
		shards:    make([]chan types.TriageTask, opts.Workers),
		extractor: opts.Extractor,
		writer:    writer,
		dedupe:    dedupe,
		window:    opts.DedupeWindow,
		limiter:   rate.NewLimiter(limit, 1),
		onPersist: opts.OnPersist,
		logger:    logger,
	}
	for i := range q.shards {
		q.shards[i] = make(chan types.TriageTask, perShard)
	}
	return q, nil
}

// Start launches one worker per shard. It is a no-op after the first call.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	for i, ch := range q.shards {
		q.wg.Add(1)
		go q.work(ctx, i, ch)
	}
}

// Schedule enqueues task without blocking. It returns false when the task
// was dropped because the owner's shard is full or the queue is closed.
func (q *Queue) Schedule(task types.TriageTask) bool {
	if strings.TrimSpace(task.OwnerID) == "" {
		return false
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.shards[q.shardFor(task.OwnerID)] <- task:
		q.scheduled.Add(1)
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("triage queue full; task dropped", "owner", task.OwnerID, "task", task.ID)
		return false
	}
}

// Pause stops workers from starting new tasks. Queued tasks are kept.
func (q *Queue) Pause() {
	q.gateMu.Lock()
	defer q.gateMu.Unlock()
	if !q.paused {
		q.paused = true
		q.resume = make(chan struct{})
		q.logger.Info("triage paused")
	}
}

// Resume lets paused workers continue.
func (q *Queue) Resume() {
	q.gateMu.Lock()
	defer q.gateMu.Unlock()
	if q.paused {
		q.paused = false
		close(q.resume)
		q.logger.Info("triage resumed")
	}
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused() bool {
	q.gateMu.Lock()
	defer q.gateMu.Unlock()
	return q.paused
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	depth := 0
	for _, ch := range q.shards {
		depth += len(ch)
	}
	return Stats{
		Scheduled:  q.scheduled.Load(),
		Dropped:    q.dropped.Load(),
		Processed:  q.processed.Load(),
		Persisted:  q.persisted.Load(),
		Duplicates: q.duplicates.Load(),
		Failed:     q.failed.Load(),
		Depth:      depth,
		Paused:     q.Paused(),
	}
}

// Close stops accepting tasks, lets workers drain what is queued and waits
// for them. Cancelling the Start context aborts the drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
	started := q.started
	q.mu.Unlock()

	q.Resume()
	if started {
		q.wg.Wait()
		q.cancel()
	}
	q.dedupe.Close()
}

func (q *Queue) shardFor(owner string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))
	return int(h.Sum32() % uint32(len(q.shards)))
}

func (q *Queue) work(ctx context.Context, id int, tasks <-chan types.TriageTask) {
	defer q.wg.Done()
	for task := range tasks {
		if err := q.waitGate(ctx); err != nil {
			return
		}
		q.process(ctx, task)
	}
	q.logger.Debug("triage worker stopped", "worker", id)
}

func (q *Queue) waitGate(ctx context.Context) error {
	q.gateMu.Lock()
	if !q.paused {
		q.gateMu.Unlock()
		return nil
	}
	ch := q.resume
	q.gateMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) process(ctx context.Context, task types.TriageTask) {
	defer q.processed.Add(1)

	facts, err := q.extract(ctx, task)
	if err != nil {
		q.failed.Add(1)
		q.logger.Warn("triage extraction failed; task dropped", "owner", task.OwnerID, "task", task.ID, "error", err)
		return
	}

	stored := 0
	for _, fact := range facts {
		key := dedupeKey(task.OwnerID, fact.Text)
		if _, seen := q.dedupe.Get(key); seen {
			q.duplicates.Add(1)
			continue
		}
		if err := q.writer.Persist(ctx, task.OwnerID, fact); err != nil {
			q.failed.Add(1)
			q.logger.Warn("triage persist failed", "owner", task.OwnerID, "task", task.ID, "error", err)
			continue
		}
		q.dedupe.SetWithTTL(key, struct{}{}, 1, q.window)
		q.dedupe.Wait()
		q.persisted.Add(1)
		stored++
	}

	if stored > 0 {
		q.logger.Debug("triage stored facts", "owner", task.OwnerID, "task", task.ID, "count", stored, "latency", time.Since(task.EnqueuedAt))
		if q.onPersist != nil {
			q.onPersist(task.OwnerID)
		}
	}
}

func (q *Queue) extract(ctx context.Context, task types.TriageTask) ([]types.Fact, error) {
	if content := strings.TrimSpace(task.PersistContent); content != "" {
		return []types.Fact{{Text: content}}, nil
	}
	if q.extractor == nil {
		return q.fallback.Extract(ctx, task)
	}
	if err := q.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	facts, err := q.extractor.Extract(ctx, task)
	if err != nil {
		q.logger.Warn("fact extraction failed; using heuristics", "owner", task.OwnerID, "error", err)
		return q.fallback.Extract(ctx, task)
	}
	return facts, nil
}

func dedupeKey(owner, text string) string {
	return owner + "\x00" + strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
