// Package orchestrator picks and runs a retrieval strategy for each incoming
// message and turns the results into a bounded context string.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/xiy/context-engine/internal/cache"
	"github.com/xiy/context-engine/internal/classify"
	"github.com/xiy/context-engine/internal/config"
	"github.com/xiy/context-engine/internal/pressure"
	"github.com/xiy/context-engine/internal/session"
	"github.com/xiy/context-engine/pkg/types"
)

// NoContextMarker is returned when a message needs no retrieved context.
const NoContextMarker = "No additional context needed for this message."

// ErrInvalidRequest is the only error HandleRequest returns.
var ErrInvalidRequest = errors.New("invalid request")

type Planner interface {
	Plan(ctx context.Context, message string, isNewConversation bool) (types.ContextPlan, error)
}

type VectorStore interface {
	SimilaritySearch(ctx context.Context, embedding []float32, owner string, limit int) ([]types.MemoryRecord, error)
}

type GraphStore interface {
	Traverse(ctx context.Context, hints []string, owner string) ([]types.RelatedEntity, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// DocumentSearcher is plain text search over stored memories.
type DocumentSearcher interface {
	SearchDocuments(ctx context.Context, owner, query string, limit int) ([]types.MemoryRecord, error)
}

// RecentLister returns an owner's newest memories.
type RecentLister interface {
	Recent(ctx context.Context, owner string, limit int) ([]types.MemoryRecord, error)
}

// NarrativeStore persists narratives across restarts.
type NarrativeStore interface {
	Narrative(ctx context.Context, owner string) (string, bool, error)
	SaveNarrative(ctx context.Context, owner, text string) error
}

// TriageScheduler accepts background extraction work. Implementations that
// also have Pause and Resume are paused under critical memory pressure.
type TriageScheduler interface {
	Schedule(task types.TriageTask) bool
}

type pausable interface {
	Pause()
	Resume()
}

// Deps are the collaborators of an Orchestrator. Any of them may be nil; the
// strategy that needs a missing collaborator degrades to the next cheaper one.
type Deps struct {
	Planner    Planner
	Vectors    VectorStore
	Graph      GraphStore
	Embedder   Embedder
	Completer  Completer
	Documents  DocumentSearcher
	Recent     RecentLister
	Narratives NarrativeStore
	Triage     TriageScheduler
	Pressure   *pressure.Monitor

	// Caches and the session index are created from Settings when nil.
	PlanCache      *cache.Cache[types.ContextPlan]
	NarrativeCache *cache.Cache[string]
	Sessions       *session.Index
}

// Settings are the tunable thresholds.
type Settings struct {
	FastPathMaxChars    int
	ContextMaxChars     int
	SearchLimit         int
	SessionMinScore     float64
	SessionLoadLimit    int
	PlannerTimeout      time.Duration
	DeepTimeout         time.Duration
	PlanCacheBytes      int64
	PlanCacheTTL        time.Duration
	NarrativeCacheBytes int64
	NarrativeCacheTTL   time.Duration
	SessionIndexBytes   int64
	SessionTTL          time.Duration
}

// SettingsFromConfig copies the orchestrator thresholds out of cfg.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		FastPathMaxChars:    cfg.FastPathMaxChars,
		ContextMaxChars:     cfg.ContextMaxChars,
		SearchLimit:         cfg.SearchLimit,
		SessionMinScore:     cfg.SessionMinScore,
		SessionLoadLimit:    cfg.SessionLoadLimit,
		PlannerTimeout:      cfg.PlannerTimeout(),
		DeepTimeout:         cfg.DeepTimeout(),
		PlanCacheBytes:      cfg.PlanCacheBytes,
		PlanCacheTTL:        cfg.PlanCacheTTL(),
		NarrativeCacheBytes: cfg.NarrativeCacheBytes,
		NarrativeCacheTTL:   cfg.NarrativeCacheTTL(),
		SessionIndexBytes:   cfg.SessionIndexBytes,
		SessionTTL:          cfg.SessionTTL(),
	}
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	settings Settings
	deps     Deps
	logger   *log.Logger

	plans      *cache.Cache[types.ContextPlan]
	narratives *cache.Cache[string]
	sessions   *session.Index

	coldStarts singleflight.Group
	loads      singleflight.Group

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgMu     sync.Mutex
	bg       sync.WaitGroup
	closed   atomic.Bool

	requests  atomic.Int64
	counts    [numStrategies]atomic.Int64
	fallbacks atomic.Int64
}

// New builds an orchestrator and subscribes it to pressure changes.
func New(settings Settings, deps Deps, logger *log.Logger) *Orchestrator {
	o := &Orchestrator{
		settings:   settings,
		deps:       deps,
		logger:     logger,
		plans:      deps.PlanCache,
		narratives: deps.NarrativeCache,
		sessions:   deps.Sessions,
	}
	if o.plans == nil {
		o.plans = cache.New[types.ContextPlan](settings.PlanCacheBytes, settings.PlanCacheTTL, cache.WithEntryOverhead(cache.DefaultEntryOverhead))
	}
	if o.narratives == nil {
		o.narratives = cache.New[string](settings.NarrativeCacheBytes, settings.NarrativeCacheTTL, cache.WithEntryOverhead(cache.DefaultEntryOverhead))
	}
	if o.sessions == nil {
		o.sessions = session.New(settings.SessionTTL, settings.SessionIndexBytes, logger)
	}
	o.bgCtx, o.bgCancel = context.WithCancel(context.Background())
	if deps.Pressure != nil {
		deps.Pressure.OnChange(o.applyBudgets)
	}
	return o
}

// request carries per-call state between the strategy handlers.
type request struct {
	types.RetrievalRequest
	trivial   bool
	narrative string
	plan      *types.ContextPlan
}

// HandleRequest returns the context for one message. It fails only when the
// request has no owner; every collaborator failure degrades to a cheaper
// strategy instead.
func (o *Orchestrator) HandleRequest(ctx context.Context, in types.RetrievalRequest) (string, error) {
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	if in.OwnerID == "" {
		return "", fmt.Errorf("%w: owner_id is required", ErrInvalidRequest)
	}
	o.requests.Add(1)

	start := time.Now()
	req := &request{RetrievalRequest: in, trivial: classify.IsTrivial(in.UserMessage)}
	strategy := o.selectStrategy(ctx, req)
	out, used := o.run(ctx, strategy, req)
	o.counts[used].Add(1)

	if !req.trivial {
		o.scheduleTriage(req)
	}
	o.logger.Debug("request handled", "owner", req.OwnerID, "selected", strategy, "strategy", used, "chars", len(out), "elapsed", time.Since(start))
	return out, nil
}

// selectStrategy picks the first applicable tier.
func (o *Orchestrator) selectStrategy(ctx context.Context, req *request) Strategy {
	switch {
	case !req.NeedsContext || req.trivial:
		return StrategyTrivial
	case req.IsNewConversation:
		if text, ok := o.lookupNarrative(ctx, req.OwnerID); ok {
			req.narrative = text
			return StrategyNarrativeCached
		}
		return StrategyColdStart
	case utf8.RuneCountInString(req.UserMessage) < o.settings.FastPathMaxChars && o.sessions.Has(req.OwnerID):
		return StrategyFastSession
	default:
		return StrategyPlanned
	}
}

// run executes strategy and returns the output with the strategy that
// actually produced it.
func (o *Orchestrator) run(ctx context.Context, strategy Strategy, req *request) (string, Strategy) {
	budgets := o.budgets()

	switch strategy {
	case StrategyTrivial:
		return NoContextMarker, StrategyTrivial

	case StrategyNarrativeCached:
		o.warmSession(req.OwnerID)
		return req.narrative, StrategyNarrativeCached

	case StrategyColdStart:
		o.warmSession(req.OwnerID)
		if !budgets.AllowDeep {
			return o.degraded(ctx, req), StrategyDegraded
		}
		if out, ok := o.coldStart(ctx, req); ok {
			return out, StrategyColdStart
		}
		return o.recentFallback(ctx, req.OwnerID), StrategyColdStart

	case StrategyFastSession:
		if out, ok := o.fastSession(ctx, req.OwnerID, req.UserMessage); ok {
			return out, StrategyFastSession
		}
		if !budgets.AllowPlanned {
			return NoContextMarker, StrategyDegraded
		}
		return o.run(ctx, StrategyPlanned, req)

	case StrategyPlanned:
		if !budgets.AllowPlanned {
			return o.degraded(ctx, req), StrategyDegraded
		}
		o.warmSession(req.OwnerID)
		return o.planned(ctx, req, budgets)
	}
	return NoContextMarker, StrategyTrivial
}

// degraded serves requests under critical pressure from the session index
// alone.
func (o *Orchestrator) degraded(ctx context.Context, req *request) string {
	if out, ok := o.fastSession(ctx, req.OwnerID, req.UserMessage); ok {
		return out
	}
	return NoContextMarker
}

func (o *Orchestrator) scheduleTriage(req *request) {
	if o.deps.Triage == nil || strings.TrimSpace(req.UserMessage) == "" {
		return
	}
	task := types.TriageTask{
		OwnerID:     req.OwnerID,
		UserMessage: req.UserMessage,
		EnqueuedAt:  time.Now().UTC(),
	}
	if req.plan != nil && req.plan.ShouldPersist {
		task.PersistContent = req.plan.PersistContent
	}
	if !o.deps.Triage.Schedule(task) {
		o.logger.Debug("triage task not scheduled", "owner", req.OwnerID)
	}
}

func (o *Orchestrator) budgets() pressure.Budgets {
	if o.deps.Pressure == nil {
		return pressure.Budgets{AllowPlanned: true, AllowDeep: true}
	}
	return o.deps.Pressure.Budgets()
}

func (o *Orchestrator) applyBudgets(b pressure.Budgets) {
	o.plans.SetBudget(b.PlanCacheBytes)
	o.narratives.SetBudget(b.NarrativeCacheBytes)
	o.sessions.SetBudget(b.SessionIndexBytes)

	p, ok := o.deps.Triage.(pausable)
	if !ok {
		return
	}
	switch {
	case b.TriagePaused:
		p.Pause()
	case b.Level == pressure.Normal:
		p.Resume()
	}
}

// InvalidateOwner drops derived state for owner after a write.
func (o *Orchestrator) InvalidateOwner(owner string) {
	o.sessions.Invalidate(owner)
}

// Sweep purges expired cache entries and session indices.
func (o *Orchestrator) Sweep(context.Context) (int64, error) {
	n := o.plans.Sweep() + o.narratives.Sweep() + o.sessions.Sweep()
	return int64(n), nil
}

// Close stops background session loads and waits for them.
func (o *Orchestrator) Close() {
	o.bgMu.Lock()
	if o.closed.Swap(true) {
		o.bgMu.Unlock()
		return
	}
	o.bgMu.Unlock()
	o.bgCancel()
	o.bg.Wait()
}
