package grammar

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/corpustools/pcfg-em/internal/signature"
	apperrors "github.com/corpustools/pcfg-em/pkg/errors"
)

// Symbol is a dense identifier shared by terminals and nonterminals.
type Symbol = signature.ID

// Rule is a single production. The shape (LHS, RHS) is fixed after parsing;
// only Prob is rewritten by the trainer between iterations.
type Rule struct {
	LHS  Symbol
	RHS  []Symbol
	Prob float64
}

func (r *Rule) Arity() int {
	return len(r.RHS)
}

// IsPreterminal reports whether the rule has the shape A -> t.
func (r *Rule) IsPreterminal() bool {
	return len(r.RHS) == 1
}

// IsBinary reports whether the rule has the shape A -> B C.
func (r *Rule) IsBinary() bool {
	return len(r.RHS) == 2
}

// less is the canonical rule order: by LHS, then RHS, then probability.
// Sorting by this order makes each LHS a contiguous run in the rule slice.
func (r *Rule) less(o *Rule) bool {
	if r.LHS != o.LHS {
		return r.LHS < o.LHS
	}
	n := len(r.RHS)
	if len(o.RHS) < n {
		n = len(o.RHS)
	}
	for i := 0; i < n; i++ {
		if r.RHS[i] != o.RHS[i] {
			return r.RHS[i] < o.RHS[i]
		}
	}
	if len(r.RHS) != len(o.RHS) {
		return len(r.RHS) < len(o.RHS)
	}
	return r.Prob < o.Prob
}

// Format renders the rule in the grammar file syntax, e.g. "S --> NP VP [0.3]".
func (r *Rule) Format(sig *signature.Signature) string {
	var b strings.Builder
	b.WriteString(sig.ResolveID(r.LHS))
	b.WriteString(" -->")
	for _, sym := range r.RHS {
		b.WriteByte(' ')
		b.WriteString(sig.ResolveID(sym))
	}
	fmt.Fprintf(&b, " [%s]", strconv.FormatFloat(r.Prob, 'g', -1, 64))
	return b.String()
}

// ParseRule parses a production line of the form
//
//	LHS --> SYM (SYM)* [p]
//
// with tokens separated by tabs or spaces. Both "-->" and "->" are accepted.
// A missing probability defaults to 1.0 with a warning; a missing arrow or an
// empty right-hand side is a parse error. Higher-arity rules parse fine here
// and are rejected later by the grammar's CNF validation.
func ParseRule(line string, sig *signature.Signature) (Rule, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 3 {
		return Rule{}, apperrors.Newf(apperrors.ErrInvalidRule, apperrors.ExitError,
			"too few components in rule %q", line)
	}
	if tokens[0] == "-->" || tokens[0] == "->" {
		return Rule{}, apperrors.Newf(apperrors.ErrInvalidRule, apperrors.ExitError,
			"missing left-hand side in rule %q", line)
	}
	if tokens[1] != "-->" && tokens[1] != "->" {
		return Rule{}, apperrors.Newf(apperrors.ErrInvalidRule, apperrors.ExitError,
			"missing arrow in rule %q", line)
	}

	rhsTokens := tokens[2:]
	prob := 1.0
	last := rhsTokens[len(rhsTokens)-1]
	if strings.HasPrefix(last, "[") && strings.HasSuffix(last, "]") {
		p, err := strconv.ParseFloat(last[1:len(last)-1], 64)
		if err != nil {
			return Rule{}, apperrors.Newf(apperrors.ErrInvalidRule, apperrors.ExitError,
				"unparseable probability %q in rule %q", last, line)
		}
		if p < 0 || p > 1 {
			return Rule{}, apperrors.Newf(apperrors.ErrInvalidRule, apperrors.ExitError,
				"probability %g out of [0,1] in rule %q", p, line)
		}
		prob = p
		rhsTokens = rhsTokens[:len(rhsTokens)-1]
	} else {
		slog.Warn("rule has no probability, defaulting to 1.0", "rule", line)
	}

	if len(rhsTokens) == 0 {
		return Rule{}, apperrors.Newf(apperrors.ErrInvalidRule, apperrors.ExitError,
			"empty right-hand side in rule %q", line)
	}

	rule := Rule{
		LHS:  sig.Intern(tokens[0]),
		RHS:  make([]Symbol, 0, len(rhsTokens)),
		Prob: prob,
	}
	for _, tok := range rhsTokens {
		rule.RHS = append(rule.RHS, sig.Intern(tok))
	}
	return rule, nil
}
