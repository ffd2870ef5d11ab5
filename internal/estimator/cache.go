// Package estimator computes inside and outside probabilities for one
// sentence under a fixed grammar, following the recursions in Manning &
// Schütze §11.3. Values are memoized per sentence in a Cache.
package estimator

import (
	"github.com/corpustools/pcfg-em/internal/grammar"
)

// MaxSentenceLen is the longest sentence the cache key encoding supports:
// begin and end each occupy 8 bits of the packed key.
const MaxSentenceLen = 256

// Cache memoizes inside and outside values for (symbol, begin, end) triples.
// It is scoped to a single sentence and discarded afterwards; the grammar's
// rule probabilities must not change while a cache is alive.
type Cache struct {
	inside  map[uint64]float64
	outside map[uint64]float64
}

func NewCache() *Cache {
	return &Cache{
		inside:  make(map[uint64]float64),
		outside: make(map[uint64]float64),
	}
}

// key packs a triple into one map key. Symbols fit 32 bits, spans 8 bits
// each; the triple is unique for sentences up to MaxSentenceLen tokens.
func key(sym grammar.Symbol, begin, end int) uint64 {
	return uint64(uint32(sym))<<16 | uint64(begin)<<8 | uint64(end)
}

func (c *Cache) Inside(sym grammar.Symbol, begin, end int) (float64, bool) {
	p, ok := c.inside[key(sym, begin, end)]
	return p, ok
}

func (c *Cache) StoreInside(sym grammar.Symbol, begin, end int, p float64) {
	c.inside[key(sym, begin, end)] = p
}

func (c *Cache) Outside(sym grammar.Symbol, begin, end int) (float64, bool) {
	p, ok := c.outside[key(sym, begin, end)]
	return p, ok
}

func (c *Cache) StoreOutside(sym grammar.Symbol, begin, end int, p float64) {
	c.outside[key(sym, begin, end)] = p
}
