package estimator

import (
	"fmt"

	"github.com/corpustools/pcfg-em/internal/grammar"
	apperrors "github.com/corpustools/pcfg-em/pkg/errors"
)

// Calculator computes inside and outside probabilities for a fixed sentence
// under a fixed grammar. It holds references to both and owns neither; the
// cache must be fresh for each sentence.
type Calculator struct {
	g        *grammar.Grammar
	cache    *Cache
	sentence []grammar.Symbol
}

func NewCalculator(g *grammar.Grammar, cache *Cache) *Calculator {
	return &Calculator{
		g:     g,
		cache: cache,
	}
}

// SetSentence binds the calculator to a sentence. It must be called before
// any computation.
func (c *Calculator) SetSentence(tokens []grammar.Symbol) error {
	if len(tokens) == 0 {
		return apperrors.New(apperrors.ErrNoSentence, apperrors.ExitError,
			"sentence is empty")
	}
	if len(tokens) > MaxSentenceLen {
		return apperrors.Newf(apperrors.ErrNoSentence, apperrors.ExitError,
			"sentence of %d tokens exceeds the %d-token limit", len(tokens), MaxSentenceLen)
	}
	c.sentence = tokens
	return nil
}

// Inside returns β(sym, begin, end): the probability that sym derives the
// token span [begin, end].
func (c *Calculator) Inside(sym grammar.Symbol, begin, end int) (float64, error) {
	if c.sentence == nil {
		return 0, apperrors.New(apperrors.ErrNoSentence, apperrors.ExitError,
			"cannot compute inside probability")
	}
	c.checkSpan(begin, end)
	return c.inside(sym, begin, end), nil
}

// Outside returns α(sym, begin, end): the probability that the start symbol
// derives the sentence with sym spanning [begin, end].
func (c *Calculator) Outside(sym grammar.Symbol, begin, end int) (float64, error) {
	if c.sentence == nil {
		return 0, apperrors.New(apperrors.ErrNoSentence, apperrors.ExitError,
			"cannot compute outside probability")
	}
	c.checkSpan(begin, end)
	return c.outside(sym, begin, end), nil
}

// SentenceProb returns π = β(S, 0, m-1), the probability the grammar assigns
// to the whole sentence.
func (c *Calculator) SentenceProb() (float64, error) {
	if c.sentence == nil {
		return 0, apperrors.New(apperrors.ErrNoSentence, apperrors.ExitError,
			"cannot compute sentence probability")
	}
	return c.inside(c.g.Start(), 0, len(c.sentence)-1), nil
}

// checkSpan panics on span indices the trainer must never pass. A bad span
// is an invariant violation, not a recoverable input error.
func (c *Calculator) checkSpan(begin, end int) {
	if begin < 0 || begin > end || end >= len(c.sentence) {
		panic(fmt.Sprintf("estimator: span [%d, %d] out of range for sentence of length %d",
			begin, end, len(c.sentence)))
	}
}

func (c *Calculator) inside(sym grammar.Symbol, begin, end int) float64 {
	if p, ok := c.cache.Inside(sym, begin, end); ok {
		return p
	}

	score := 0.0
	lo, hi := c.g.RulesFor(sym)
	if begin == end {
		// Base case: a preterminal rule sym -> w[begin].
		w := c.sentence[begin]
		for h := lo; h < hi; h++ {
			r := c.g.Rule(h)
			if r.IsPreterminal() && r.RHS[0] == w {
				score = r.Prob
				break
			}
		}
	} else {
		// Every binary rule sym -> A B, every split point.
		for h := lo; h < hi; h++ {
			r := c.g.Rule(h)
			if !r.IsBinary() {
				continue
			}
			for split := begin; split < end; split++ {
				score += r.Prob *
					c.inside(r.RHS[0], begin, split) *
					c.inside(r.RHS[1], split+1, end)
			}
		}
	}

	c.cache.StoreInside(sym, begin, end, score)
	return score
}

func (c *Calculator) outside(sym grammar.Symbol, left, right int) float64 {
	if p, ok := c.cache.Outside(sym, left, right); ok {
		return p
	}

	m := len(c.sentence)
	if left == 0 && right == m-1 {
		// Base case: the full span belongs to the start symbol alone.
		score := 0.0
		if sym == c.g.Start() {
			score = 1
		}
		c.cache.StoreOutside(sym, left, right, score)
		return score
	}

	// sym as the left child of a parent P -> sym B.
	scoreLeft := 0.0
	for _, h := range c.g.RulesWithFirst(sym) {
		r := c.g.Rule(h)
		for split := right + 1; split < m; split++ {
			scoreLeft += c.outside(r.LHS, left, split) *
				r.Prob *
				c.inside(r.RHS[1], right+1, split)
		}
	}

	// sym as the right child of a parent P -> A sym.
	scoreRight := 0.0
	for _, h := range c.g.RulesWithSecond(sym) {
		r := c.g.Rule(h)
		for split := 0; split < left; split++ {
			scoreRight += c.outside(r.LHS, split, right) *
				r.Prob *
				c.inside(r.RHS[0], split, left-1)
		}
	}

	score := scoreLeft + scoreRight
	c.cache.StoreOutside(sym, left, right, score)
	return score
}
