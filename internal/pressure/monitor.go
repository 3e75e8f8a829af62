// Package pressure samples process memory usage and publishes degraded-mode
// budgets to the rest of the engine.
package pressure

import (
	"context"
	"errors"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Level is the current memory pressure.
type Level int32

const (
	Normal Level = iota
	Elevated
	Critical
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Elevated:
		return "elevated"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// Budgets are the limits in force for the current level. A Budgets value is
// never modified after it is published.
type Budgets struct {
	Level               Level `json:"level"`
	PlanCacheBytes      int64 `json:"plan_cache_bytes"`
	NarrativeCacheBytes int64 `json:"narrative_cache_bytes"`
	SessionIndexBytes   int64 `json:"session_index_bytes"`
	AllowPlanned        bool  `json:"allow_planned"`
	AllowDeep           bool  `json:"allow_deep"`
	TriagePaused        bool  `json:"triage_paused"`
}

// Sampler reports current memory usage against a limit.
type Sampler interface {
	Sample() (used, limit uint64, err error)
}

// Thresholds are usage ratios at which the level escalates.
type Thresholds struct {
	Elevated     float64
	Critical     float64
	BudgetFactor float64
}

// Monitor tracks the pressure level. Reads are lock free.
type Monitor struct {
	sampler    Sampler
	thresholds Thresholds
	base       Budgets
	logger     *log.Logger

	budgets atomic.Pointer[Budgets]
	ratio   atomic.Uint64

	mu        sync.Mutex
	listeners []func(Budgets)
}

// NewMonitor creates a monitor starting at Normal.
func NewMonitor(sampler Sampler, base Budgets, th Thresholds, logger *log.Logger) *Monitor {
	m := &Monitor{sampler: sampler, thresholds: th, base: base, logger: logger}
	b := m.budgetsFor(Normal)
	m.budgets.Store(&b)
	return m
}

// Current returns the last published level.
func (m *Monitor) Current() Level {
	return m.budgets.Load().Level
}

// Budgets returns the limits for the current level.
func (m *Monitor) Budgets() Budgets {
	return *m.budgets.Load()
}

// Ratio is the last sampled used/limit ratio.
func (m *Monitor) Ratio() float64 {
	return math.Float64frombits(m.ratio.Load())
}

// OnChange registers fn to be called with the new budgets whenever the level
// changes. Listeners run on the goroutine that changed the level.
func (m *Monitor) OnChange(fn func(Budgets)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Sample reads usage once and updates the level. A failed sample counts as
// normal pressure.
func (m *Monitor) Sample() Level {
	level := Normal
	used, limit, err := m.sampler.Sample()
	switch {
	case err != nil:
		m.logger.Warn("memory sample failed; assuming normal pressure", "error", err)
		m.ratio.Store(0)
	case limit == 0:
		m.ratio.Store(0)
	default:
		ratio := float64(used) / float64(limit)
		m.ratio.Store(math.Float64bits(ratio))
		switch {
		case ratio >= m.thresholds.Critical:
			level = Critical
		case ratio >= m.thresholds.Elevated:
			level = Elevated
		}
	}
	m.Set(level)
	return level
}

// Sweep adapts Sample to the periodic worker.
func (m *Monitor) Sweep(context.Context) (int64, error) {
	return int64(m.Sample()), nil
}

// Set publishes level and notifies listeners when it changed. The level and
// its budgets are published together in one pointer swap.
func (m *Monitor) Set(level Level) {
	next := m.budgetsFor(level)
	var prev Level
	for {
		cur := m.budgets.Load()
		if cur.Level == level {
			return
		}
		if m.budgets.CompareAndSwap(cur, &next) {
			prev = cur.Level
			break
		}
	}
	m.logger.Info("memory pressure changed", "from", prev, "to", level, "ratio", m.Ratio())

	m.mu.Lock()
	listeners := append([]func(Budgets){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(next)
	}
}

func (m *Monitor) budgetsFor(level Level) Budgets {
	b := m.base
	b.Level = level
	b.AllowPlanned = true
	b.AllowDeep = true
	b.TriagePaused = false
	if level == Normal {
		return b
	}
	f := m.thresholds.BudgetFactor
	b.PlanCacheBytes = int64(float64(b.PlanCacheBytes) * f)
	b.NarrativeCacheBytes = int64(float64(b.NarrativeCacheBytes) * f)
	b.SessionIndexBytes = int64(float64(b.SessionIndexBytes) * f)
	if level == Critical {
		b.AllowPlanned = false
		b.AllowDeep = false
		b.TriagePaused = true
	}
	return b
}

// RuntimeSampler measures the Go runtime's view of memory obtained from the OS.
type RuntimeSampler struct {
	// Limit overrides the soft memory limit. Zero uses debug.SetMemoryLimit's
	// current value, or 1 GiB when none is set.
	Limit uint64
}

const defaultLimit = 1 << 30

func (s RuntimeSampler) Sample() (uint64, uint64, error) {
	limit := s.Limit
	if limit == 0 {
		if l := debug.SetMemoryLimit(-1); l > 0 && l < math.MaxInt64 {
			limit = uint64(l)
		} else {
			limit = defaultLimit
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys < ms.HeapReleased {
		return 0, limit, errors.New("inconsistent memstats")
	}
	return ms.Sys - ms.HeapReleased, limit, nil
}
