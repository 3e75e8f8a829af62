package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/xiy/context-engine/internal/pressure"
	"github.com/xiy/context-engine/internal/session"
	"github.com/xiy/context-engine/pkg/types"
)

const (
	maxPlanQueries  = 3
	maxDeepRecords  = 40
	incompleteNote  = "Note: analysis incomplete; some memory sources were unavailable or timed out."
	recentHeader    = "Recent memories:"
	relevantHeader  = "Relevant memories:"
	sessionHeader   = "From this session:"
	narrativePrompt = `Write a short narrative (at most 8 sentences) describing this user from their memories.
Focus on durable facts: who they are, what they work on, people and places that matter to them, preferences.
%s`
	questionPrompt = `Using only the memories below, write the context an assistant needs to answer the user's message.
Be specific and concise. Leave out memories that are not relevant.
Message: %s
%s`
)

// lookupNarrative checks the narrative cache and then the narrative store.
func (o *Orchestrator) lookupNarrative(ctx context.Context, owner string) (string, bool) {
	if text, ok := o.narratives.Get(owner); ok {
		return text, true
	}
	if o.deps.Narratives == nil {
		return "", false
	}
	text, ok, err := o.deps.Narratives.Narrative(ctx, owner)
	if err != nil {
		o.logger.Warn("narrative lookup failed", "owner", owner, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	o.narratives.Put(owner, text, int64(len(text)))
	return text, true
}

// coldStart builds a narrative for owner. Concurrent cold starts for one
// owner share a single deep analysis. It runs on the orchestrator's
// background context; each caller only stops waiting when its own ctx ends.
func (o *Orchestrator) coldStart(ctx context.Context, req *request) (string, bool) {
	owner, message := req.OwnerID, req.UserMessage
	ch := o.coldStarts.DoChan(owner, func() (any, error) {
		res := o.deep(o.bgCtx, owner, message, true)
		if res.complete && res.memories > 0 && res.text != "" {
			o.narratives.Put(owner, res.text, int64(len(res.text)))
			if o.deps.Narratives != nil {
				if err := o.deps.Narratives.SaveNarrative(o.bgCtx, owner, res.text); err != nil {
					o.logger.Warn("narrative save failed", "owner", owner, "error", err)
				}
			}
		}
		return res, nil
	})
	select {
	case <-ctx.Done():
		o.logger.Debug("cold start abandoned by caller", "owner", owner, "error", ctx.Err())
		return "", false
	case r := <-ch:
		if r.Shared {
			o.logger.Debug("cold start shared with concurrent request", "owner", owner)
		}
		res := r.Val.(deepResult)
		return res.text, res.text != ""
	}
}

// fastSession answers from the owner's session index.
func (o *Orchestrator) fastSession(ctx context.Context, owner, message string) (string, bool) {
	hits := o.sessionHits(ctx, owner, message)
	if len(hits) == 0 {
		return "", false
	}
	recs := make([]types.MemoryRecord, len(hits))
	for i, h := range hits {
		recs[i] = h.Record
	}
	return o.format(sessionHeader, recs, nil), true
}

func (o *Orchestrator) sessionHits(ctx context.Context, owner, message string) []session.Hit {
	limit := o.limit()
	if o.deps.Embedder != nil && o.sessions.Has(owner) {
		emb, err := o.deps.Embedder.Embed(ctx, message)
		if err != nil {
			o.logger.Debug("session embedding failed; using keywords", "owner", owner, "error", err)
		} else {
			hits := o.sessions.Search(ctx, owner, emb, limit)
			kept := hits[:0]
			for _, h := range hits {
				if h.Score >= o.settings.SessionMinScore {
					kept = append(kept, h)
				}
			}
			if len(kept) > 0 {
				return kept
			}
		}
	}
	return o.sessions.SearchKeywords(owner, message, limit)
}

// planned runs the AI-planned search. A comprehensive plan escalates to deep
// analysis when the pressure budget allows it.
func (o *Orchestrator) planned(ctx context.Context, req *request, budgets pressure.Budgets) (string, Strategy) {
	plan := o.plan(ctx, req)
	req.plan = &plan

	switch plan.Strategy {
	case types.PlanComprehensive:
		if budgets.AllowDeep {
			if res := o.deep(ctx, req.OwnerID, req.UserMessage, false); res.text != "" {
				return res.text, StrategyDeep
			}
			return o.recentFallback(ctx, req.OwnerID), StrategyDeep
		}
	case types.PlanRecent:
		return o.recentFallback(ctx, req.OwnerID), StrategyPlanned
	}

	out, err := o.relevantContext(ctx, req.OwnerID, plan)
	if err != nil {
		o.logger.Warn("planned search failed; using recent memories", "owner", req.OwnerID, "error", err)
	}
	if out == "" {
		return o.recentFallback(ctx, req.OwnerID), StrategyPlanned
	}
	return out, StrategyPlanned
}

// plan returns the cached plan for the message or asks the planner. The
// planner call is abandoned after the planner timeout and a recent-memories
// plan is used instead.
func (o *Orchestrator) plan(ctx context.Context, req *request) types.ContextPlan {
	key := planKey(req.OwnerID, req.UserMessage)
	if p, ok := o.plans.Get(key); ok {
		return p
	}
	fallback := types.ContextPlan{Strategy: types.PlanRecent, SearchQueries: []string{req.UserMessage}}
	if o.deps.Planner == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, o.settings.PlannerTimeout)
	defer cancel()

	type result struct {
		plan types.ContextPlan
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := o.deps.Planner.Plan(ctx, req.UserMessage, req.IsNewConversation)
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && !r.plan.Strategy.Valid() {
			r.err = fmt.Errorf("unknown plan strategy %q", r.plan.Strategy)
		}
		if r.err != nil {
			o.fallbacks.Add(1)
			o.logger.Warn("planner failed; using recent plan", "owner", req.OwnerID, "error", r.err)
			return fallback
		}
		if len(r.plan.SearchQueries) == 0 {
			r.plan.SearchQueries = []string{req.UserMessage}
		}
		o.plans.Put(key, r.plan, planSize(key, r.plan))
		return r.plan
	case <-ctx.Done():
		o.fallbacks.Add(1)
		o.logger.Warn("planner timed out; using recent plan", "owner", req.OwnerID, "timeout", o.settings.PlannerTimeout)
		return fallback
	}
}

// relevantContext runs the plan's queries against the vector and graph
// stores. A vector failure is returned so the caller can fall back; a graph
// failure only loses the related entities.
func (o *Orchestrator) relevantContext(ctx context.Context, owner string, plan types.ContextPlan) (string, error) {
	queries := plan.SearchQueries
	if len(queries) > maxPlanQueries {
		queries = queries[:maxPlanQueries]
	}
	limit := o.limit()

	var lists [][]types.MemoryRecord
	switch {
	case o.deps.Vectors != nil && o.deps.Embedder != nil:
		for _, q := range queries {
			emb, err := o.deps.Embedder.Embed(ctx, q)
			if err != nil {
				return "", fmt.Errorf("embed query: %w", err)
			}
			recs, err := o.deps.Vectors.SimilaritySearch(ctx, emb, owner, limit)
			if err != nil {
				return "", fmt.Errorf("vector search: %w", err)
			}
			lists = append(lists, recs)
		}
	case o.deps.Documents != nil:
		for _, q := range queries {
			recs, err := o.deps.Documents.SearchDocuments(ctx, owner, q, limit)
			if err != nil {
				return "", fmt.Errorf("document search: %w", err)
			}
			lists = append(lists, recs)
		}
	}

	var related []types.RelatedEntity
	if o.deps.Graph != nil {
		var err error
		related, err = o.deps.Graph.Traverse(ctx, entityHints(queries), owner)
		if err != nil {
			o.logger.Warn("graph traversal failed", "owner", owner, "error", err)
			related = nil
		}
	}

	merged := fuse(lists...)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	if len(merged) == 0 && len(related) == 0 {
		return "", nil
	}
	return o.format(relevantHeader, merged, related), nil
}

// recentFallback formats the owner's newest memories, or returns the marker
// when there are none or the store fails.
func (o *Orchestrator) recentFallback(ctx context.Context, owner string) string {
	if o.deps.Recent == nil {
		return NoContextMarker
	}
	recs, err := o.deps.Recent.Recent(ctx, owner, o.limit())
	if err != nil {
		o.logger.Warn("recent memory fallback failed", "owner", owner, "error", err)
		return NoContextMarker
	}
	if len(recs) == 0 {
		return NoContextMarker
	}
	return o.format(recentHeader, recs, nil)
}

type deepResult struct {
	text     string
	memories int
	complete bool
}

// deep searches every source in parallel and asks the completer to
// synthesize the results. Failures return whatever was gathered, marked as
// incomplete.
func (o *Orchestrator) deep(ctx context.Context, owner, message string, narrative bool) deepResult {
	ctx, cancel := context.WithTimeout(ctx, o.settings.DeepTimeout)
	defer cancel()

	limit := o.limit() * 2
	query := strings.TrimSpace(message)
	var (
		vec, docs, recent []types.MemoryRecord
		related           []types.RelatedEntity
		g                 errgroup.Group
	)
	if query != "" && o.deps.Vectors != nil && o.deps.Embedder != nil {
		g.Go(func() error {
			emb, err := o.deps.Embedder.Embed(ctx, query)
			if err != nil {
				return fmt.Errorf("embed: %w", err)
			}
			recs, err := o.deps.Vectors.SimilaritySearch(ctx, emb, owner, limit)
			if err != nil {
				return fmt.Errorf("vector search: %w", err)
			}
			vec = recs
			return nil
		})
	}
	if query != "" && o.deps.Graph != nil {
		g.Go(func() error {
			rel, err := o.deps.Graph.Traverse(ctx, entityHints([]string{query}), owner)
			if err != nil {
				return fmt.Errorf("graph traversal: %w", err)
			}
			related = rel
			return nil
		})
	}
	if query != "" && o.deps.Documents != nil {
		g.Go(func() error {
			recs, err := o.deps.Documents.SearchDocuments(ctx, owner, query, limit)
			if err != nil {
				return fmt.Errorf("document search: %w", err)
			}
			docs = recs
			return nil
		})
	}
	if o.deps.Recent != nil {
		g.Go(func() error {
			recs, err := o.deps.Recent.Recent(ctx, owner, limit)
			if err != nil {
				return fmt.Errorf("recent memories: %w", err)
			}
			recent = recs
			return nil
		})
	}
	gatherErr := g.Wait()
	if gatherErr != nil {
		o.logger.Warn("deep analysis source failed", "owner", owner, "error", gatherErr)
	}

	merged := fuse(vec, docs, recent)
	res := deepResult{memories: len(merged), complete: gatherErr == nil}
	if len(merged) == 0 && len(related) == 0 {
		return res
	}
	if len(merged) > maxDeepRecords {
		merged = merged[:maxDeepRecords]
	}
	partial := o.format(relevantHeader, merged, related)
	if o.deps.Completer == nil {
		res.text = partial
		return res
	}

	prompt := fmt.Sprintf(questionPrompt, query, partial)
	if narrative {
		prompt = fmt.Sprintf(narrativePrompt, partial)
	}
	text, err := o.deps.Completer.Complete(ctx, prompt)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		o.logger.Warn("deep synthesis failed; returning partial results", "owner", owner, "error", err)
		res.complete = false
		res.text = capContext(incompleteNote+"\n\n"+partial, o.settings.ContextMaxChars)
		return res
	}
	if !res.complete {
		text = incompleteNote + "\n\n" + text
	}
	res.text = capContext(text, o.settings.ContextMaxChars)
	return res
}

// warmSession loads the owner's recent memories into the session index in
// the background. Concurrent loads for one owner are coalesced.
func (o *Orchestrator) warmSession(owner string) {
	if o.deps.Recent == nil || o.closed.Load() || o.sessions.Has(owner) {
		return
	}
	if o.budgets().Level == pressure.Critical {
		return
	}
	o.bgMu.Lock()
	if o.closed.Load() {
		o.bgMu.Unlock()
		return
	}
	o.bg.Add(1)
	o.bgMu.Unlock()
	go func() {
		defer o.bg.Done()
		_, _, _ = o.loads.Do(owner, func() (any, error) {
			ctx, cancel := context.WithTimeout(o.bgCtx, o.settings.DeepTimeout)
			defer cancel()
			recs, err := o.deps.Recent.Recent(ctx, owner, o.settings.SessionLoadLimit)
			if err != nil {
				o.logger.Warn("session load failed", "owner", owner, "error", err)
				return nil, err
			}
			if err := o.sessions.Build(ctx, owner, recs); err != nil {
				o.logger.Warn("session index build failed", "owner", owner, "error", err)
				return nil, err
			}
			return nil, nil
		})
	}()
}

func (o *Orchestrator) limit() int {
	if o.settings.SearchLimit <= 0 {
		return 10
	}
	return o.settings.SearchLimit
}
