package effectinfo

import "github.com/chazu/metajit/flowgraph"

// Summarizer computes interned effect summaries for call operations.
type Summarizer struct {
	Cache    *Cache
	Analyzer Analyzer
}

// NewSummarizer creates a summarizer over a fresh graph analyzer.
func NewSummarizer(cache *Cache) *Summarizer {
	return &Summarizer{Cache: cache, Analyzer: NewGraphAnalyzer()}
}

// Summarize returns the interned summary of a call. ok is false when the
// effects are unknown and callers must assume the call touches everything.
func (s *Summarizer) Summarize(op *flowgraph.Operation, oopspec OopSpecIndex) (info *EffectInfo, ok bool) {
	eff, ok := s.Analyzer.Analyze(op)
	if !ok {
		return nil, false
	}
	extra := s.extraEffect(op)
	return s.Cache.Intern(eff.Reads, eff.Writes, extra, oopspec, s.Analyzer.CanInvalidate(op)), true
}

// InfoFor is Summarize with unknown effects mapped to the most general
// summary.
func (s *Summarizer) InfoFor(op *flowgraph.Operation, oopspec OopSpecIndex) *EffectInfo {
	if info, ok := s.Summarize(op, oopspec); ok {
		return info
	}
	return s.Cache.MostGeneral()
}

func (s *Summarizer) extraEffect(op *flowgraph.Operation) ExtraEffect {
	if s.Analyzer.ForcesVirtualizable(op) {
		return ForcesEscape
	}
	raises := s.Analyzer.CanRaise(op)
	if fn := op.Callee(); fn != nil {
		switch {
		case fn.LoopInvariant:
			return LoopInvariant
		case fn.Elidable && raises:
			return PureCanRaise
		case fn.Elidable:
			return Pure
		}
	}
	if raises {
		return CanRaise
	}
	return CannotRaise
}
