// Package signature maps external grammar symbols to dense integer
// identifiers and back. Terminals and nonterminals share one identifier
// space; identifiers are assigned in insertion order starting at zero.
//
// A Signature is not safe for concurrent use. The trainer is single-threaded
// and interns symbols only while loading the grammar.
package signature

import (
	"fmt"
	"strings"
)

// ID is a dense nonnegative symbol identifier.
type ID = int32

type Signature struct {
	ids     map[string]ID
	symbols []string
}

func New() *Signature {
	return &Signature{
		ids: make(map[string]ID),
	}
}

// Intern returns the identifier for sym, inserting it if it is new.
func (s *Signature) Intern(sym string) ID {
	if id, ok := s.ids[sym]; ok {
		return id
	}
	id := ID(len(s.symbols))
	s.ids[sym] = id
	s.symbols = append(s.symbols, sym)
	return id
}

// Lookup returns the identifier for sym without inserting it.
func (s *Signature) Lookup(sym string) (ID, bool) {
	id, ok := s.ids[sym]
	return id, ok
}

// ResolveID returns the symbol for id, or the empty string if id is out of
// range.
func (s *Signature) ResolveID(id ID) string {
	if id < 0 || int(id) >= len(s.symbols) {
		return ""
	}
	return s.symbols[id]
}

// ContainsID reports whether id has been assigned.
func (s *Signature) ContainsID(id ID) bool {
	return id >= 0 && int(id) < len(s.symbols)
}

// Len returns the number of interned symbols.
func (s *Signature) Len() int {
	return len(s.symbols)
}

// Dump renders the full mapping as a two-column table for debug output.
func (s *Signature) Dump() string {
	var b strings.Builder
	b.WriteString("ID\t| Symbol\n----------------\n")
	for id, sym := range s.symbols {
		fmt.Fprintf(&b, "%d\t| %s\n", id, sym)
	}
	return b.String()
}
