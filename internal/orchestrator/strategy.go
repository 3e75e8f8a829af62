package orchestrator

// Strategy is the retrieval tier that handled a request.
type Strategy int

const (
	StrategyTrivial Strategy = iota
	StrategyNarrativeCached
	StrategyColdStart
	StrategyFastSession
	StrategyPlanned
	StrategyDeep
	// StrategyDegraded is used under critical memory pressure.
	StrategyDegraded

	numStrategies
)

var strategyNames = [numStrategies]string{
	StrategyTrivial:         "trivial",
	StrategyNarrativeCached: "narrative_cached",
	StrategyColdStart:       "cold_start",
	StrategyFastSession:     "fast_session",
	StrategyPlanned:         "planned",
	StrategyDeep:            "deep",
	StrategyDegraded:        "degraded",
}

func (s Strategy) String() string {
	if s < 0 || s >= numStrategies {
		return "unknown"
	}
	return strategyNames[s]
}
