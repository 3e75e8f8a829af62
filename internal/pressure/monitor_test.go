package pressure

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
)

type stubSampler struct {
	used, limit uint64
	err         error
}

func (s *stubSampler) Sample() (uint64, uint64, error) {
	return s.used, s.limit, s.err
}

func newTestMonitor(s Sampler) *Monitor {
	base := Budgets{PlanCacheBytes: 1000, NarrativeCacheBytes: 2000, SessionIndexBytes: 4000}
	th := Thresholds{Elevated: 0.7, Critical: 0.9, BudgetFactor: 0.5}
	return NewMonitor(s, base, th, log.NewWithOptions(io.Discard, log.Options{}))
}

func TestMonitor_Levels(t *testing.T) {
	t.Parallel()
	s := &stubSampler{limit: 100}
	m := newTestMonitor(s)

	s.used = 50
	if got := m.Sample(); got != Normal {
		t.Fatalf("Sample() = %v, expected normal", got)
	}
	s.used = 75
	if got := m.Sample(); got != Elevated {
		t.Fatalf("Sample() = %v, expected elevated", got)
	}
	b := m.Budgets()
	if b.PlanCacheBytes != 500 || b.SessionIndexBytes != 2000 || !b.AllowPlanned {
		t.Fatalf("unexpected elevated budgets %+v", b)
	}
	s.used = 95
	if got := m.Sample(); got != Critical {
		t.Fatalf("Sample() = %v, expected critical", got)
	}
	b = m.Budgets()
	if b.AllowPlanned || b.AllowDeep || !b.TriagePaused {
		t.Fatalf("unexpected critical budgets %+v", b)
	}
}

func TestMonitor_FailsOpen(t *testing.T) {
	t.Parallel()
	s := &stubSampler{limit: 100, used: 99}
	m := newTestMonitor(s)
	if got := m.Sample(); got != Critical {
		t.Fatalf("Sample() = %v, expected critical", got)
	}
	s.err = errors.New("boom")
	if got := m.Sample(); got != Normal {
		t.Fatalf("Sample() after error = %v, expected normal", got)
	}
	if b := m.Budgets(); b.PlanCacheBytes != 1000 || b.TriagePaused {
		t.Fatalf("expected full budgets after fail-open, got %+v", b)
	}
}

func TestMonitor_ListenersOnlyOnChange(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(&stubSampler{})
	var seen []Level
	m.OnChange(func(b Budgets) { seen = append(seen, b.Level) })

	m.Set(Normal)
	m.Set(Critical)
	m.Set(Critical)
	m.Set(Normal)
	if len(seen) != 2 || seen[0] != Critical || seen[1] != Normal {
		t.Fatalf("unexpected listener calls %v", seen)
	}
}

func TestRuntimeSampler(t *testing.T) {
	t.Parallel()
	used, limit, err := RuntimeSampler{Limit: 1 << 40}.Sample()
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if used == 0 || limit != 1<<40 {
		t.Fatalf("unexpected sample used=%d limit=%d", used, limit)
	}
}

func TestMonitor_SetPublishesLevelWithBudgets(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(&stubSampler{limit: 100})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.Set(Level((i + j) % 3))
				b := m.Budgets()
				if b.Level == Critical && b.AllowPlanned {
					t.Errorf("critical budgets allow planned: %+v", b)
					return
				}
				if b.Level == Normal && b.PlanCacheBytes != 1000 {
					t.Errorf("normal budgets scaled: %+v", b)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	if got, b := m.Current(), m.Budgets(); got != b.Level {
		t.Fatalf("Current() = %v but budgets are for %v", got, b.Level)
	}
	m.Set(Elevated)
	if m.Current() != Elevated || m.Budgets().PlanCacheBytes != 500 {
		t.Fatalf("unexpected state after Set(Elevated): %v %+v", m.Current(), m.Budgets())
	}
}
