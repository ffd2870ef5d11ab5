package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/corpustools/pcfg-em/internal/grammar"
	"github.com/corpustools/pcfg-em/internal/signature"
	"github.com/corpustools/pcfg-em/internal/trainer"
	"github.com/corpustools/pcfg-em/pkg/config"
	apperrors "github.com/corpustools/pcfg-em/pkg/errors"
	"github.com/corpustools/pcfg-em/pkg/logger"
	"github.com/corpustools/pcfg-em/pkg/metrics"
)

func main() {
	grammarPath := flag.String("grammar", "", "path to the grammar file (required)")
	corpusPath := flag.String("corpus", "", "path to the training corpus (required)")
	savePath := flag.String("save", "", "write the trained grammar to this path")
	printGrammar := flag.Bool("print", false, "print the trained grammar to stdout")
	iterations := flag.Int("iterations", 0, "number of EM iterations (default from config)")
	threshold := flag.Float64("threshold", 0, "train until the probability delta falls to this value")
	configPath := flag.String("config", "", "path to config file")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "", "log format: text, json")
	flag.Parse()

	if *grammarPath == "" || *corpusPath == "" {
		fmt.Fprintln(os.Stderr, "pcfg-em: -grammar and -corpus are required")
		flag.Usage()
		os.Exit(apperrors.ExitUsage)
	}
	iterationsSet, thresholdSet := false, false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "iterations":
			iterationsSet = true
		case "threshold":
			thresholdSet = true
		}
	})
	if iterationsSet && thresholdSet {
		fmt.Fprintln(os.Stderr, "pcfg-em: -iterations and -threshold are mutually exclusive")
		os.Exit(apperrors.ExitUsage)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(apperrors.ExitUsage)
	}
	if iterationsSet {
		cfg.Training.Iterations = *iterations
		cfg.Training.Threshold = 0
	}
	if thresholdSet {
		cfg.Training.Threshold = *threshold
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(apperrors.ExitUsage)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting pcfg-em", "grammar", *grammarPath, "corpus", *corpusPath)

	var m *metrics.Metrics
	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	useThreshold := thresholdSet || cfg.Training.Threshold > 0
	if err := run(cfg, *grammarPath, *corpusPath, *savePath, *printGrammar, useThreshold, m); err != nil {
		slog.Error("training failed", "error", err)
		os.Exit(apperrors.ExitCode(err))
	}

	if shutdownMetrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(ctx); err != nil {
			slog.Error("metrics server shutdown failed", "error", err)
		}
	}
	slog.Info("done")
}

func run(cfg *config.Config, grammarPath, corpusPath, savePath string,
	printGrammar, useThreshold bool, m *metrics.Metrics) error {

	grammarFile, err := os.Open(grammarPath)
	if err != nil {
		return fmt.Errorf("opening grammar: %w", err)
	}
	defer grammarFile.Close()

	sig := signature.New()
	g, err := grammar.Load(grammarFile, sig)
	if err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}
	slog.Info("grammar loaded",
		"rules", g.NumRules(),
		"nonterminals", g.NumNonterminals(),
		"start", sig.ResolveID(g.Start()),
	)
	slog.Debug("symbol table", "signature", sig.Dump())

	corpusFile, err := os.Open(corpusPath)
	if err != nil {
		return fmt.Errorf("opening corpus: %w", err)
	}
	defer corpusFile.Close()

	corpus, err := trainer.ReadCorpus(corpusFile, g)
	if err != nil {
		return err
	}

	t := trainer.New(g, corpus, cfg.Training, m)
	if useThreshold {
		err = t.TrainThreshold(cfg.Training.Threshold)
	} else {
		err = t.TrainIterations(cfg.Training.Iterations)
	}
	if err != nil {
		return err
	}
	slog.Info("training finished", "state", t.State().String(), "iterations", t.Iterations())

	if printGrammar {
		fmt.Print(g.String())
	}
	if savePath != "" {
		if err := g.Save(savePath); err != nil {
			return err
		}
		slog.Info("grammar saved", "path", savePath)
	}
	return nil
}
