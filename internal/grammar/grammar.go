// Package grammar holds the probabilistic context-free grammar: the rule
// arena, the indices that make the inside/outside recursions efficient, and
// the load/normalize/prune lifecycle.
//
// Rules live in a single slice and are referred to everywhere by integer
// handles into that slice. The slice is reordered only by Load and Clean,
// which both run strictly between training iterations, so handles held
// within one iteration stay valid.
package grammar

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/corpustools/pcfg-em/internal/signature"
	apperrors "github.com/corpustools/pcfg-em/pkg/errors"
)

// StochasticTolerance is the absolute tolerance used when checking that the
// probabilities of one nonterminal's rules sum to one.
const StochasticTolerance = 1e-6

// lhsRange is a half-open handle interval [begin, end) of rules sharing one
// left-hand side in the sorted rule slice.
type lhsRange struct {
	lhs        Symbol
	begin, end int
}

type Grammar struct {
	sig   *signature.Signature
	start Symbol
	rules []Rule

	lhsIndex     []lhsRange
	firstIndex   map[Symbol][]int
	secondIndex  map[Symbol][]int
	nonterminals map[Symbol]struct{}
	vocabulary   map[Symbol]struct{}

	log *slog.Logger
}

// Load reads a grammar from r. The first non-blank, non-comment line is the
// start symbol; every following non-blank, non-comment line is one rule.
// Lines beginning with '#' are comments. Malformed rules are skipped with a
// warning. After reading, rules are sorted canonically, all indices are
// built, and probabilities are normalized per left-hand side.
func Load(r io.Reader, sig *signature.Signature) (*Grammar, error) {
	g := &Grammar{
		sig: sig,
		log: slog.Default().With("component", "grammar"),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	haveStart := false
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !haveStart {
			fields := strings.Fields(line)
			if len(fields) != 1 {
				return nil, apperrors.Newf(apperrors.ErrInvalidRule, apperrors.ExitError,
					"line %d: expected a bare start symbol, got %q", lineNo, line)
			}
			g.start = sig.Intern(fields[0])
			haveStart = true
			continue
		}
		rule, err := ParseRule(line, sig)
		if err != nil {
			g.log.Warn("rule ignored", "line", lineNo, "error", err)
			continue
		}
		g.rules = append(g.rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading grammar: %w", err)
	}
	if !haveStart {
		return nil, apperrors.New(apperrors.ErrEmptyGrammar, apperrors.ExitError,
			"no start symbol found")
	}
	if len(g.rules) == 0 {
		return nil, apperrors.New(apperrors.ErrEmptyGrammar, apperrors.ExitError,
			"no rules found")
	}

	g.rebuild()
	g.Normalize()
	return g, nil
}

// rebuild restores the canonical rule order and reconstructs every index and
// symbol set from the rule slice.
func (g *Grammar) rebuild() {
	sort.Slice(g.rules, func(i, j int) bool {
		return g.rules[i].less(&g.rules[j])
	})

	g.lhsIndex = g.lhsIndex[:0]
	g.firstIndex = make(map[Symbol][]int)
	g.secondIndex = make(map[Symbol][]int)
	g.nonterminals = make(map[Symbol]struct{})
	g.vocabulary = make(map[Symbol]struct{})

	for i := 0; i < len(g.rules); {
		lhs := g.rules[i].LHS
		j := i
		for j < len(g.rules) && g.rules[j].LHS == lhs {
			j++
		}
		g.lhsIndex = append(g.lhsIndex, lhsRange{lhs: lhs, begin: i, end: j})
		i = j
	}

	for h := range g.rules {
		r := &g.rules[h]
		g.nonterminals[r.LHS] = struct{}{}
		g.vocabulary[r.LHS] = struct{}{}
		for _, sym := range r.RHS {
			g.vocabulary[sym] = struct{}{}
		}
		if r.IsBinary() {
			g.firstIndex[r.RHS[0]] = append(g.firstIndex[r.RHS[0]], h)
			g.secondIndex[r.RHS[1]] = append(g.secondIndex[r.RHS[1]], h)
		}
	}
}

func (g *Grammar) Signature() *signature.Signature {
	return g.sig
}

func (g *Grammar) Start() Symbol {
	return g.start
}

func (g *Grammar) NumRules() int {
	return len(g.rules)
}

// Rule returns the rule at handle h. The pointer stays valid until the next
// Load or Clean.
func (g *Grammar) Rule(h int) *Rule {
	return &g.rules[h]
}

// RulesFor returns the half-open handle range [begin, end) of rules whose
// left-hand side is lhs, found by binary search over the LHS index.
func (g *Grammar) RulesFor(lhs Symbol) (int, int) {
	i := sort.Search(len(g.lhsIndex), func(i int) bool {
		return g.lhsIndex[i].lhs >= lhs
	})
	if i < len(g.lhsIndex) && g.lhsIndex[i].lhs == lhs {
		return g.lhsIndex[i].begin, g.lhsIndex[i].end
	}
	return 0, 0
}

// RulesWithFirst returns handles of binary rules whose first right-hand
// symbol is sym, or nil.
func (g *Grammar) RulesWithFirst(sym Symbol) []int {
	return g.firstIndex[sym]
}

// RulesWithSecond returns handles of binary rules whose second right-hand
// symbol is sym, or nil.
func (g *Grammar) RulesWithSecond(sym Symbol) []int {
	return g.secondIndex[sym]
}

func (g *Grammar) IsNonterminal(sym Symbol) bool {
	_, ok := g.nonterminals[sym]
	return ok
}

// IsTerminal reports whether sym occurs in the grammar and never expands.
func (g *Grammar) IsTerminal(sym Symbol) bool {
	if _, ok := g.vocabulary[sym]; !ok {
		return false
	}
	return !g.IsNonterminal(sym)
}

// Nonterminals returns all left-hand-side symbols in ascending identifier
// order.
func (g *Grammar) Nonterminals() []Symbol {
	nts := make([]Symbol, 0, len(g.nonterminals))
	for sym := range g.nonterminals {
		nts = append(nts, sym)
	}
	sort.Slice(nts, func(i, j int) bool { return nts[i] < nts[j] })
	return nts
}

func (g *Grammar) NumNonterminals() int {
	return len(g.nonterminals)
}

// Terminals returns every vocabulary symbol that is not a nonterminal, in
// ascending identifier order.
func (g *Grammar) Terminals() []Symbol {
	ts := make([]Symbol, 0, len(g.vocabulary)-len(g.nonterminals))
	for sym := range g.vocabulary {
		if _, ok := g.nonterminals[sym]; !ok {
			ts = append(ts, sym)
		}
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}

// IsCNF reports whether every rule is either a preterminal rule (one
// terminal child) or a binary rule over nonterminals.
func (g *Grammar) IsCNF() bool {
	for h := range g.rules {
		r := &g.rules[h]
		switch r.Arity() {
		case 1:
			if g.IsNonterminal(r.RHS[0]) {
				return false
			}
		case 2:
			if !g.IsNonterminal(r.RHS[0]) || !g.IsNonterminal(r.RHS[1]) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// HasChainRules reports whether any rule has a single nonterminal child.
func (g *Grammar) HasChainRules() bool {
	for h := range g.rules {
		r := &g.rules[h]
		if r.Arity() == 1 && g.IsNonterminal(r.RHS[0]) {
			return true
		}
	}
	return false
}

// Validate checks the invariants the trainer relies on: the start symbol is
// a nonterminal, the grammar is in CNF, and every nonterminal's rule
// probabilities sum to one within tolerance.
func (g *Grammar) Validate() error {
	if !g.IsNonterminal(g.start) {
		return apperrors.Newf(apperrors.ErrNotCNF, apperrors.ExitError,
			"start symbol %q has no rules", g.sig.ResolveID(g.start))
	}
	if !g.IsCNF() {
		if g.HasChainRules() {
			return apperrors.New(apperrors.ErrNotCNF, apperrors.ExitError,
				"chain rules are not supported")
		}
		return apperrors.New(apperrors.ErrNotCNF, apperrors.ExitError,
			"every rule must have one terminal child or two nonterminal children")
	}
	for _, rng := range g.lhsIndex {
		sum := 0.0
		for h := rng.begin; h < rng.end; h++ {
			sum += g.rules[h].Prob
		}
		if math.Abs(sum-1) > StochasticTolerance {
			return apperrors.Newf(apperrors.ErrNotStochastic, apperrors.ExitError,
				"rules for %q sum to %g", g.sig.ResolveID(rng.lhs), sum)
		}
	}
	return nil
}

// Normalize rescales rule probabilities so that each nonterminal's rules sum
// to one. Nonterminals already within tolerance, and nonterminals whose rules
// all have probability zero, are left untouched; the rest are divided by
// their sum with a warning.
func (g *Grammar) Normalize() {
	for _, rng := range g.lhsIndex {
		sum := 0.0
		for h := rng.begin; h < rng.end; h++ {
			sum += g.rules[h].Prob
		}
		if sum == 0 || math.Abs(sum-1) <= StochasticTolerance {
			continue
		}
		g.log.Warn("normalizing rule probabilities",
			"lhs", g.sig.ResolveID(rng.lhs), "sum", sum)
		for h := rng.begin; h < rng.end; h++ {
			g.rules[h].Prob /= sum
		}
	}
}

// Clean removes rules whose probability is exactly zero, then rebuilds the
// indices and symbol sets. Calling it twice in a row changes nothing. It
// must only run between training iterations: it invalidates rule handles.
func (g *Grammar) Clean() int {
	kept := g.rules[:0]
	for h := range g.rules {
		if g.rules[h].Prob != 0 {
			kept = append(kept, g.rules[h])
		}
	}
	pruned := len(g.rules) - len(kept)
	g.rules = kept
	if pruned > 0 {
		g.rebuild()
		g.log.Info("pruned zero-probability rules", "pruned", pruned, "remaining", len(g.rules))
	}
	return pruned
}

// String renders the grammar in the input file format: the start symbol
// followed by all rules in canonical order.
func (g *Grammar) String() string {
	var b strings.Builder
	g.write(&b, false)
	return b.String()
}

func (g *Grammar) write(w io.Writer, omitZero bool) {
	fmt.Fprintln(w, g.sig.ResolveID(g.start))
	for h := range g.rules {
		r := &g.rules[h]
		if omitZero && r.Prob == 0 {
			continue
		}
		fmt.Fprintln(w, r.Format(g.sig))
	}
}
