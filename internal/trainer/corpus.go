package trainer

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/corpustools/pcfg-em/internal/estimator"
	"github.com/corpustools/pcfg-em/internal/grammar"
	apperrors "github.com/corpustools/pcfg-em/pkg/errors"
)

// Sentence is one tokenized corpus line. Invalid sentences stay in the
// corpus so line counts remain meaningful, but the trainer skips them.
type Sentence struct {
	Tokens []grammar.Symbol
	Valid  bool
}

// Corpus is the full training input plus ingestion statistics.
type Corpus struct {
	Sentences []Sentence

	NumValid        int
	NumUnknownToken int
	NumOverLength   int
}

// ReadCorpus reads one sentence per line, tokenizing on tabs and spaces and
// resolving each token against the grammar's signature. A token that is not
// a terminal of the grammar marks the whole sentence invalid; so does a
// sentence longer than the estimator's span limit. Blank lines are ignored.
func ReadCorpus(r io.Reader, g *grammar.Grammar) (*Corpus, error) {
	log := slog.Default().With("component", "corpus")
	corpus := &Corpus{}
	sig := g.Signature()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		sent := Sentence{
			Tokens: make([]grammar.Symbol, 0, len(fields)),
			Valid:  true,
		}
		for _, tok := range fields {
			id, ok := sig.Lookup(tok)
			if !ok || !g.IsTerminal(id) {
				log.Warn("sentence ignored",
					"line", lineNo, "token", tok, "error", apperrors.ErrUnknownToken)
				sent.Valid = false
				corpus.NumUnknownToken++
				break
			}
			sent.Tokens = append(sent.Tokens, id)
		}
		if sent.Valid && len(fields) > estimator.MaxSentenceLen {
			log.Warn("sentence ignored, too long",
				"line", lineNo, "tokens", len(fields), "limit", estimator.MaxSentenceLen)
			sent.Valid = false
			corpus.NumOverLength++
		}
		if sent.Valid {
			corpus.NumValid++
		}
		corpus.Sentences = append(corpus.Sentences, sent)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading corpus: %w", err)
	}

	log.Info("corpus loaded",
		"sentences", len(corpus.Sentences),
		"valid", corpus.NumValid,
		"unknown_token", corpus.NumUnknownToken,
		"over_length", corpus.NumOverLength,
	)
	return corpus, nil
}
