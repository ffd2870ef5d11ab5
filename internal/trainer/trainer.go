// Package trainer implements inside-outside re-estimation: the expectation
// step accumulates posterior rule and symbol counts over the corpus, the
// maximization step rewrites every rule probability as its normalized
// expected share.
package trainer

import (
	"log/slog"
	"math"
	"time"

	"github.com/corpustools/pcfg-em/internal/estimator"
	"github.com/corpustools/pcfg-em/internal/grammar"
	"github.com/corpustools/pcfg-em/pkg/config"
	apperrors "github.com/corpustools/pcfg-em/pkg/errors"
	"github.com/corpustools/pcfg-em/pkg/metrics"
)

// State tracks where a training run is in its lifecycle.
type State int

const (
	StateFresh State = iota
	StateTrainedOnce
	StateTrainedN
	StateConverged
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateTrainedOnce:
		return "trained-once"
	case StateTrainedN:
		return "trained-n"
	case StateConverged:
		return "converged"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Trainer owns the EM loop over one grammar and one corpus. It has exclusive
// write access to the grammar between iterations; during an iteration the
// grammar is read-only.
type Trainer struct {
	g      *grammar.Grammar
	corpus *Corpus
	prune  string
	m      *metrics.Metrics
	log    *slog.Logger

	state      State
	iterations int
}

// New creates a Trainer. m may be nil when metrics are disabled.
func New(g *grammar.Grammar, corpus *Corpus, cfg config.TrainingConfig, m *metrics.Metrics) *Trainer {
	return &Trainer{
		g:      g,
		corpus: corpus,
		prune:  cfg.Prune,
		m:      m,
		log:    slog.Default().With("component", "trainer"),
		state:  StateFresh,
	}
}

func (t *Trainer) State() State {
	return t.state
}

// Iterations returns the number of completed iterations.
func (t *Trainer) Iterations() int {
	return t.iterations
}

// TrainIterations runs exactly n EM iterations.
func (t *Trainer) TrainIterations(n int) error {
	if n <= 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, apperrors.ExitUsage,
			"iteration count must be positive, got %d", n)
	}
	if t.abortIfEmpty() {
		return nil
	}
	for i := 0; i < n; i++ {
		if _, err := t.iterate(); err != nil {
			return err
		}
	}
	return nil
}

// TrainThreshold runs EM iterations until the per-iteration probability
// delta falls to tau or below. There is no iteration cap; callers must pass
// a positive tau.
func (t *Trainer) TrainThreshold(tau float64) error {
	if tau <= 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, apperrors.ExitUsage,
			"convergence threshold must be positive, got %g", tau)
	}
	if t.abortIfEmpty() {
		return nil
	}
	for {
		delta, err := t.iterate()
		if err != nil {
			return err
		}
		if delta <= tau {
			t.state = StateConverged
			t.log.Info("training converged", "iterations", t.iterations, "delta", delta, "threshold", tau)
			return nil
		}
	}
}

// abortIfEmpty moves the run to the aborted state when the corpus has no
// valid sentence at all.
func (t *Trainer) abortIfEmpty() bool {
	if t.corpus.NumValid > 0 {
		return false
	}
	t.log.Warn("grammar left unchanged", "error", apperrors.ErrEmptyCorpus)
	t.state = StateAborted
	return true
}

// iterate runs one EM iteration and returns the sum of absolute rule
// probability changes.
func (t *Trainer) iterate() (float64, error) {
	start := time.Now()

	expSymbol := make(map[grammar.Symbol]float64, t.g.NumNonterminals())
	expRule := make([]float64, t.g.NumRules())
	nonterminals := t.g.Nonterminals()

	contributed := 0
	unparseable := 0
	logLikelihood := 0.0

	for i := range t.corpus.Sentences {
		sent := &t.corpus.Sentences[i]
		if !sent.Valid {
			continue
		}
		pi, err := t.estimate(sent.Tokens, nonterminals, expSymbol, expRule)
		if err != nil {
			return 0, err
		}
		if pi == 0 {
			// The grammar cannot derive this sentence under the current
			// probabilities; it contributes nothing this iteration.
			unparseable++
			continue
		}
		contributed++
		logLikelihood += math.Log(pi)
	}

	if contributed == 0 {
		t.log.Warn("no sentence contributed to this iteration, grammar left unchanged")
		t.advanceState()
		return 0, nil
	}

	delta := t.maximize(expSymbol, expRule)
	t.advanceState()

	if t.shouldPrune() {
		pruned := t.g.Clean()
		if t.m != nil {
			t.m.RulesPrunedTotal.Add(float64(pruned))
		}
	}

	t.log.Info("iteration complete",
		"iteration", t.iterations,
		"delta", delta,
		"log_likelihood", logLikelihood,
		"trained", contributed,
		"unparseable", unparseable,
		"rules", t.g.NumRules(),
	)
	if t.m != nil {
		t.m.IterationsTotal.Inc()
		t.m.IterationDuration.Observe(time.Since(start).Seconds())
		t.m.IterationDelta.Set(delta)
		t.m.CorpusLogLikelihood.Set(logLikelihood)
		t.m.RuleCount.Set(float64(t.g.NumRules()))
		t.m.SentencesTotal.WithLabelValues("trained").Add(float64(contributed))
		t.m.SentencesTotal.WithLabelValues("unparseable").Add(float64(unparseable))
		t.m.SentencesTotal.WithLabelValues("skipped").Add(float64(len(t.corpus.Sentences) - t.corpus.NumValid))
	}
	return delta, nil
}

// estimate runs the E-step for one sentence, adding its posterior
// expectations into the accumulators. It returns the sentence probability π.
func (t *Trainer) estimate(tokens []grammar.Symbol, nonterminals []grammar.Symbol,
	expSymbol map[grammar.Symbol]float64, expRule []float64) (float64, error) {

	calc := estimator.NewCalculator(t.g, estimator.NewCache())
	if err := calc.SetSentence(tokens); err != nil {
		return 0, err
	}
	m := len(tokens)

	pi, err := calc.SentenceProb()
	if err != nil || pi == 0 {
		return pi, err
	}

	// Expected number of times each nonterminal appears in a derivation:
	// the sum of α·β over every span, divided by π (M&S fig. 11.24).
	for _, nt := range nonterminals {
		score := 0.0
		for p := 0; p < m; p++ {
			for q := p; q < m; q++ {
				out, err := calc.Outside(nt, p, q)
				if err != nil {
					return 0, err
				}
				if out == 0 {
					continue
				}
				in, err := calc.Inside(nt, p, q)
				if err != nil {
					return 0, err
				}
				score += out * in
			}
		}
		expSymbol[nt] += score / pi
	}

	// Expected rule counts.
	for h := 0; h < t.g.NumRules(); h++ {
		r := t.g.Rule(h)
		switch {
		case r.IsBinary():
			// Σ over spans of α(A,p,q) Σ over splits of β(B,p,d)·β(C,d+1,q),
			// weighted by the rule probability.
			score := 0.0
			for p := 0; p < m-1; p++ {
				for q := p + 1; q < m; q++ {
					out, err := calc.Outside(r.LHS, p, q)
					if err != nil {
						return 0, err
					}
					if out == 0 {
						continue
					}
					inner := 0.0
					for d := p; d < q; d++ {
						inB, err := calc.Inside(r.RHS[0], p, d)
						if err != nil {
							return 0, err
						}
						if inB == 0 {
							continue
						}
						inC, err := calc.Inside(r.RHS[1], d+1, q)
						if err != nil {
							return 0, err
						}
						inner += inB * inC
					}
					score += out * inner
				}
			}
			expRule[h] += r.Prob * score / pi
		case r.IsPreterminal():
			// Σ over positions where the terminal occurs of α·β at the leaf.
			score := 0.0
			for pos := 0; pos < m; pos++ {
				if tokens[pos] != r.RHS[0] {
					continue
				}
				out, err := calc.Outside(r.LHS, pos, pos)
				if err != nil {
					return 0, err
				}
				in, err := calc.Inside(r.LHS, pos, pos)
				if err != nil {
					return 0, err
				}
				score += out * in
			}
			expRule[h] += score / pi
		}
	}

	return pi, nil
}

// maximize rewrites every rule probability as its normalized expected share
// and returns the accumulated absolute change.
func (t *Trainer) maximize(expSymbol map[grammar.Symbol]float64, expRule []float64) float64 {
	delta := 0.0
	for h := 0; h < t.g.NumRules(); h++ {
		r := t.g.Rule(h)
		s := expSymbol[r.LHS]
		pNew := 0.0
		if s > 0 {
			pNew = expRule[h] / s
		}
		delta += math.Abs(r.Prob - pNew)
		r.Prob = pNew
	}
	return delta
}

func (t *Trainer) advanceState() {
	t.iterations++
	if t.iterations == 1 {
		t.state = StateTrainedOnce
	} else {
		t.state = StateTrainedN
	}
}

func (t *Trainer) shouldPrune() bool {
	switch t.prune {
	case "always":
		return true
	case "never":
		return false
	default:
		return t.iterations == 1
	}
}
