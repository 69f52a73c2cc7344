package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cellwatch/pkg/baseline"
	"github.com/walteh/cellwatch/pkg/changelog"
	"github.com/walteh/cellwatch/pkg/compare"
	"github.com/walteh/cellwatch/pkg/config"
	"github.com/walteh/cellwatch/pkg/diff"
	"github.com/walteh/cellwatch/pkg/display"
	"github.com/walteh/cellwatch/pkg/mirror"
	"github.com/walteh/cellwatch/pkg/xlsx"
)

var (
	// Flags
	configFile string
	debug      bool
)

// addRootFlags adds shared flags to the root command
func addRootFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "cellwatch.yaml", "config file path")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
}

// setupLogging configures zerolog based on flags
func setupLogging() zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// 🧰 app holds every wired component. Built once per command invocation.
type app struct {
	cfg      *config.Config
	store    *baseline.Store
	engine   *compare.Engine
	differ   *diff.ResultCache
	reporter *display.Reporter
	log      *changelog.Logger
}

// newApp loads the config and wires the comparison stack.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(ctx, configFile)
	if err != nil {
		return nil, errors.Errorf("loading config: %w", err)
	}

	var journal *mirror.Journal
	if cfg.Mirror.JournalFile != "" {
		journal = mirror.NewJournal(cfg.Mirror.JournalFile)
	}

	differ, err := diff.NewResultCache(diff.NewClassifier(cfg.Track))
	if err != nil {
		return nil, errors.Errorf("creating classifier cache: %w", err)
	}

	store := baseline.NewStore(cfg.BaselineFolder)
	engine := compare.New(cfg, xlsx.New(), mirror.New(cfg.Mirror, journal), store, differ)

	return &app{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		differ:   differ,
		reporter: display.NewReporter(cfg.MaxChangesToDisplay),
		log:      changelog.New(cfg.LogFolder, cfg.LogDedupWindow()),
	}, nil
}

func (a *app) close() {
	a.differ.Close()
}
