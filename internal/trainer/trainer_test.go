package trainer

import (
	"math"
	"strings"
	"testing"

	"github.com/corpustools/pcfg-em/internal/estimator"
	"github.com/corpustools/pcfg-em/internal/grammar"
	"github.com/corpustools/pcfg-em/internal/signature"
	"github.com/corpustools/pcfg-em/pkg/config"
)

func load(t *testing.T, text string) *grammar.Grammar {
	t.Helper()
	g, err := grammar.Load(strings.NewReader(text), signature.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return g
}

func corpus(t *testing.T, g *grammar.Grammar, text string) *Corpus {
	t.Helper()
	c, err := ReadCorpus(strings.NewReader(text), g)
	if err != nil {
		t.Fatalf("ReadCorpus: %v", err)
	}
	return c
}

func trainingConfig() config.TrainingConfig {
	return config.TrainingConfig{Iterations: 3, Prune: "once"}
}

// ruleProb finds the current probability of the rule written as lhs --> rhs.
func ruleProb(t *testing.T, g *grammar.Grammar, lhs string, rhs ...string) float64 {
	t.Helper()
	sig := g.Signature()
	lhsID, ok := sig.Lookup(lhs)
	if !ok {
		t.Fatalf("symbol %q not in grammar", lhs)
	}
	lo, hi := g.RulesFor(lhsID)
outer:
	for h := lo; h < hi; h++ {
		r := g.Rule(h)
		if len(r.RHS) != len(rhs) {
			continue
		}
		for i, sym := range rhs {
			id, ok := sig.Lookup(sym)
			if !ok || r.RHS[i] != id {
				continue outer
			}
		}
		return r.Prob
	}
	t.Fatalf("rule %s --> %s not found", lhs, strings.Join(rhs, " "))
	return 0
}

// sentenceProb computes π for one whitespace-separated sentence under the
// grammar's current probabilities.
func sentenceProb(t *testing.T, g *grammar.Grammar, sent string) float64 {
	t.Helper()
	sig := g.Signature()
	var tokens []grammar.Symbol
	for _, tok := range strings.Fields(sent) {
		id, ok := sig.Lookup(tok)
		if !ok {
			t.Fatalf("token %q not in grammar", tok)
		}
		tokens = append(tokens, id)
	}
	calc := estimator.NewCalculator(g, estimator.NewCache())
	if err := calc.SetSentence(tokens); err != nil {
		t.Fatalf("SetSentence: %v", err)
	}
	pi, err := calc.SentenceProb()
	if err != nil {
		t.Fatalf("SentenceProb: %v", err)
	}
	return pi
}

func checkStochastic(t *testing.T, g *grammar.Grammar) {
	t.Helper()
	sig := g.Signature()
	for _, nt := range g.Nonterminals() {
		lo, hi := g.RulesFor(nt)
		sum := 0.0
		for h := lo; h < hi; h++ {
			sum += g.Rule(h).Prob
		}
		if math.Abs(sum-1) > grammar.StochasticTolerance {
			t.Errorf("rules for %q sum to %g after training", sig.ResolveID(nt), sum)
		}
	}
}

func TestSinglePreterminalFixedPoint(t *testing.T) {
	g := load(t, `
S
S --> a [1.0]
`)
	c := corpus(t, g, "a\n")
	tr := New(g, c, trainingConfig(), nil)
	if err := tr.TrainIterations(1); err != nil {
		t.Fatalf("TrainIterations: %v", err)
	}
	if p := ruleProb(t, g, "S", "a"); p != 1.0 {
		t.Errorf("p(S --> a) = %g, want 1.0", p)
	}
	if pi := sentenceProb(t, g, "a"); pi != 1.0 {
		t.Errorf("π = %g, want 1.0", pi)
	}
}

func TestDeterministicGrammarIsStable(t *testing.T) {
	g := load(t, `
S
S --> A B [1.0]
A --> a [1.0]
B --> b [1.0]
`)
	c := corpus(t, g, "a b\n")
	tr := New(g, c, trainingConfig(), nil)
	if err := tr.TrainIterations(5); err != nil {
		t.Fatalf("TrainIterations: %v", err)
	}
	for _, check := range []struct {
		lhs string
		rhs []string
	}{
		{"S", []string{"A", "B"}},
		{"A", []string{"a"}},
		{"B", []string{"b"}},
	} {
		if p := ruleProb(t, g, check.lhs, check.rhs...); p != 1.0 {
			t.Errorf("p(%s --> %s) = %g, want 1.0", check.lhs, strings.Join(check.rhs, " "), p)
		}
	}
	if pi := sentenceProb(t, g, "a b"); pi != 1.0 {
		t.Errorf("π = %g, want 1.0", pi)
	}
}

func TestSymmetricFixedPoint(t *testing.T) {
	g := load(t, `
S
S --> A A [1.0]
A --> a [0.5]
A --> b [0.5]
`)
	c := corpus(t, g, "a a\nb b\n")
	for _, sent := range []string{"a a", "b b"} {
		if pi := sentenceProb(t, g, sent); !approxEq(pi, 0.25) {
			t.Errorf("π(%q) = %g, want 0.25", sent, pi)
		}
	}
	tr := New(g, c, trainingConfig(), nil)
	if err := tr.TrainIterations(1); err != nil {
		t.Fatalf("TrainIterations: %v", err)
	}
	if p := ruleProb(t, g, "A", "a"); !approxEq(p, 0.5) {
		t.Errorf("p(A --> a) = %g, want 0.5", p)
	}
	if p := ruleProb(t, g, "A", "b"); !approxEq(p, 0.5) {
		t.Errorf("p(A --> b) = %g, want 0.5", p)
	}
	checkStochastic(t, g)
}

func TestUnobservableSplitPreserved(t *testing.T) {
	g := load(t, `
S
S --> A B [0.6]
S --> A C [0.4]
A --> a [1.0]
B --> b [1.0]
C --> b [1.0]
`)
	c := corpus(t, g, strings.Repeat("a b\n", 10))
	tr := New(g, c, trainingConfig(), nil)
	if err := tr.TrainThreshold(1e-9); err != nil {
		t.Fatalf("TrainThreshold: %v", err)
	}
	if tr.State() != StateConverged {
		t.Errorf("state = %s, want converged", tr.State())
	}
	pAB := ruleProb(t, g, "S", "A", "B")
	pAC := ruleProb(t, g, "S", "A", "C")
	if !approxEq(pAB+pAC, 1.0) {
		t.Errorf("p(S-->AB) + p(S-->AC) = %g, want 1.0", pAB+pAC)
	}
	if pAB == 0 || pAC == 0 {
		t.Errorf("an unobservable split collapsed: p(S-->AB)=%g p(S-->AC)=%g", pAB, pAC)
	}
	if pi := sentenceProb(t, g, "a b"); !approxEq(pi, 1.0) {
		t.Errorf("π = %g, want 1.0", pi)
	}
}

func TestUnusableRulePruned(t *testing.T) {
	g := load(t, `
S
S --> A A [1.0]
A --> a [0.9]
A --> z [0.1]
`)
	c := corpus(t, g, "a a\n")
	before := g.NumRules()
	tr := New(g, c, trainingConfig(), nil)
	if err := tr.TrainIterations(1); err != nil {
		t.Fatalf("TrainIterations: %v", err)
	}
	if g.NumRules() != before-1 {
		t.Errorf("NumRules = %d after pruning iteration, want %d", g.NumRules(), before-1)
	}
	if p := ruleProb(t, g, "A", "a"); !approxEq(p, 1.0) {
		t.Errorf("p(A --> a) = %g after pruning, want 1.0", p)
	}
	checkStochastic(t, g)
}

func TestLikelihoodNonDecrease(t *testing.T) {
	g := load(t, `
S
S --> A A [1.0]
A --> a [0.3]
A --> b [0.7]
`)
	corpusText := "a a\na a\na a\nb b\n"
	c := corpus(t, g, corpusText)
	sentences := []string{"a a", "a a", "a a", "b b"}

	logLikelihood := func() float64 {
		total := 0.0
		for _, sent := range sentences {
			total += math.Log(sentenceProb(t, g, sent))
		}
		return total
	}

	tr := New(g, c, trainingConfig(), nil)
	prev := logLikelihood()
	for i := 0; i < 4; i++ {
		if err := tr.TrainIterations(1); err != nil {
			t.Fatalf("TrainIterations: %v", err)
		}
		cur := logLikelihood()
		if cur < prev-1e-9 {
			t.Errorf("corpus log-likelihood decreased at iteration %d: %g -> %g", i+1, prev, cur)
		}
		prev = cur
		checkStochastic(t, g)
	}
}

func TestPerSentenceLikelihoodNonDecreaseUniformCorpus(t *testing.T) {
	g := load(t, `
S
S --> A A [1.0]
A --> a [0.3]
A --> b [0.7]
`)
	c := corpus(t, g, "a a\n")
	tr := New(g, c, trainingConfig(), nil)
	prev := sentenceProb(t, g, "a a")
	for i := 0; i < 3; i++ {
		if err := tr.TrainIterations(1); err != nil {
			t.Fatalf("TrainIterations: %v", err)
		}
		cur := sentenceProb(t, g, "a a")
		if cur < prev-1e-9 {
			t.Errorf("π decreased at iteration %d: %g -> %g", i+1, prev, cur)
		}
		prev = cur
	}
	// A single observed sentence drives the preterminal to certainty.
	if p := ruleProb(t, g, "A", "a"); !approxEq(p, 1.0) {
		t.Errorf("p(A --> a) = %g, want 1.0", p)
	}
}

func TestInvalidSentencesSkipped(t *testing.T) {
	g := load(t, `
S
S --> A A [1.0]
A --> a [0.5]
A --> b [0.5]
`)
	c := corpus(t, g, "a a\nq q\na S\n")
	if c.NumValid != 1 {
		t.Fatalf("NumValid = %d, want 1", c.NumValid)
	}
	if c.NumUnknownToken != 2 {
		t.Errorf("NumUnknownToken = %d, want 2", c.NumUnknownToken)
	}
	if len(c.Sentences) != 3 {
		t.Errorf("len(Sentences) = %d, want 3 (invalid sentences are kept)", len(c.Sentences))
	}
	tr := New(g, c, trainingConfig(), nil)
	if err := tr.TrainIterations(1); err != nil {
		t.Fatalf("TrainIterations: %v", err)
	}
	if p := ruleProb(t, g, "A", "a"); !approxEq(p, 1.0) {
		t.Errorf("p(A --> a) = %g, only the valid sentence should count", p)
	}
}

func TestEmptyCorpusAborts(t *testing.T) {
	g := load(t, `
S
S --> A A [1.0]
A --> a [1.0]
`)
	c := corpus(t, g, "q q\n\n")
	tr := New(g, c, trainingConfig(), nil)
	if err := tr.TrainIterations(3); err != nil {
		t.Fatalf("TrainIterations: %v", err)
	}
	if tr.State() != StateAborted {
		t.Errorf("state = %s, want aborted", tr.State())
	}
	if tr.Iterations() != 0 {
		t.Errorf("iterations = %d, want 0", tr.Iterations())
	}
	if p := ruleProb(t, g, "A", "a"); p != 1.0 {
		t.Errorf("grammar changed despite aborted run: p(A --> a) = %g", p)
	}
}

func TestUnparseableSentenceContributesNothing(t *testing.T) {
	// "b a" uses known terminals but no derivation exists, so π = 0 and the
	// sentence must not perturb the counts from "a b".
	g := load(t, `
S
S --> A B [1.0]
A --> a [1.0]
B --> b [1.0]
`)
	c := corpus(t, g, "a b\nb a\n")
	tr := New(g, c, trainingConfig(), nil)
	if err := tr.TrainIterations(1); err != nil {
		t.Fatalf("TrainIterations: %v", err)
	}
	if p := ruleProb(t, g, "S", "A", "B"); p != 1.0 {
		t.Errorf("p(S --> A B) = %g, want 1.0", p)
	}
	checkStochastic(t, g)
}

func TestTrainThresholdRejectsNonPositive(t *testing.T) {
	g := load(t, `
S
S --> a [1.0]
`)
	c := corpus(t, g, "a\n")
	tr := New(g, c, trainingConfig(), nil)
	if err := tr.TrainThreshold(0); err == nil {
		t.Error("TrainThreshold(0) did not fail")
	}
}

func TestStateProgression(t *testing.T) {
	g := load(t, `
S
S --> a [1.0]
`)
	c := corpus(t, g, "a\n")
	tr := New(g, c, trainingConfig(), nil)
	if tr.State() != StateFresh {
		t.Errorf("initial state = %s, want fresh", tr.State())
	}
	if err := tr.TrainIterations(1); err != nil {
		t.Fatalf("TrainIterations: %v", err)
	}
	if tr.State() != StateTrainedOnce {
		t.Errorf("state after one iteration = %s, want trained-once", tr.State())
	}
	if err := tr.TrainIterations(1); err != nil {
		t.Fatalf("TrainIterations: %v", err)
	}
	if tr.State() != StateTrainedN {
		t.Errorf("state after two iterations = %s, want trained-n", tr.State())
	}
}

func TestPruneNever(t *testing.T) {
	g := load(t, `
S
S --> A A [1.0]
A --> a [0.9]
A --> z [0.1]
`)
	c := corpus(t, g, "a a\n")
	cfg := config.TrainingConfig{Iterations: 3, Prune: "never"}
	tr := New(g, c, cfg, nil)
	before := g.NumRules()
	if err := tr.TrainIterations(2); err != nil {
		t.Fatalf("TrainIterations: %v", err)
	}
	if g.NumRules() != before {
		t.Errorf("NumRules = %d with prune=never, want %d", g.NumRules(), before)
	}
	if p := ruleProb(t, g, "A", "z"); p != 0 {
		t.Errorf("p(A --> z) = %g, want 0 (kept but zeroed)", p)
	}
}

func approxEq(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9
}
