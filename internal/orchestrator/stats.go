package orchestrator

import (
	"github.com/xiy/context-engine/internal/cache"
	"github.com/xiy/context-engine/internal/session"
	"github.com/xiy/context-engine/internal/triage"
)

// Stats is a snapshot of engine state for the admin dashboard and the
// engine_stats tool.
type Stats struct {
	Requests         int64            `json:"requests"`
	Strategies       map[string]int64 `json:"strategies"`
	PlannerFallbacks int64            `json:"planner_fallbacks"`
	PlanCache        cache.Stats      `json:"plan_cache"`
	NarrativeCache   cache.Stats      `json:"narrative_cache"`
	Sessions         session.Stats    `json:"sessions"`
	Pressure         string           `json:"pressure"`
	PressureRatio    float64          `json:"pressure_ratio"`
	Triage           *triage.Stats    `json:"triage,omitempty"`
}

func (o *Orchestrator) Stats() Stats {
	s := Stats{
		Requests:         o.requests.Load(),
		Strategies:       make(map[string]int64, numStrategies),
		PlannerFallbacks: o.fallbacks.Load(),
		PlanCache:        o.plans.Stats(),
		NarrativeCache:   o.narratives.Stats(),
		Sessions:         o.sessions.Stats(),
		Pressure:         o.budgets().Level.String(),
	}
	for i := range o.counts {
		s.Strategies[Strategy(i).String()] = o.counts[i].Load()
	}
	if o.deps.Pressure != nil {
		s.PressureRatio = o.deps.Pressure.Ratio()
	}
	if t, ok := o.deps.Triage.(interface{ Stats() triage.Stats }); ok {
		ts := t.Stats()
		s.Triage = &ts
	}
	return s
}
