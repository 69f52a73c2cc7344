// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/walteh/cellwatch/pkg/compare"
	"github.com/walteh/cellwatch/pkg/watch"
)

// scanParallelism bounds concurrent baseline reads during the startup
// scan. Reading workbooks is memory hungry; a wide fan-out on a folder of
// large files would thrash.
const scanParallelism = 4

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the configured folders and report changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
		},
	}
}

func runWatch(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info().Str("config", a.cfg.String()).Msg("starting")

	if err := startupScan(ctx, a); err != nil {
		return errors.Errorf("startup scan: %w", err)
	}

	watcher, err := watch.NewWatcher(a.cfg)
	if err != nil {
		return errors.Errorf("creating watcher: %w", err)
	}
	defer watcher.Stop()

	events, err := watcher.Start(ctx)
	if err != nil {
		return errors.Errorf("starting watcher: %w", err)
	}

	watchdog := watch.NewWatchdog(a.cfg.FileTimeout())
	go watchdog.Run(ctx)
	defer watchdog.Stop()

	poller := watch.NewPoller(a.cfg, a.engine, a.reporter)
	defer poller.Stop()

	router := watch.NewRouter(a.cfg, a.engine, a.reporter, a.log, poller, watchdog)

	logger.Info().Int("folders", len(a.cfg.WatchFolders)).Msg("watching")
	router.Run(ctx, events)

	logger.Info().Msg("shut down cleanly")
	return nil
}

// 🔎 startupScan walks the watch folders and makes sure every supported
// file has a baseline before events start flowing. Folders marked
// no-pre-baseline are skipped; their files get a baseline on first event
// instead. With scan_all_on_start the scan also compares files that
// already have baselines, catching edits made while the watcher was down.
func startupScan(ctx context.Context, a *app) error {
	logger := zerolog.Ctx(ctx)

	var targets []string
	for _, folder := range a.cfg.WatchFolders {
		if a.cfg.IsNoPreBaseline(folder) {
			logger.Info().Str("folder", folder).Msg("broad folder, baselines deferred to first event")
			continue
		}
		err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if a.cfg.IsExcluded(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if a.cfg.IsSupportedFile(path) && !a.cfg.IsNoPreBaseline(path) && !a.cfg.IsExcluded(path) {
				targets = append(targets, path)
			}
			return nil
		})
		if err != nil {
			return errors.Errorf("walking %s: %w", folder, err)
		}
	}
	targets = append(targets, a.cfg.ManualBaselineTargets...)

	if len(targets) == 0 {
		return nil
	}
	logger.Info().Int("files", len(targets)).Msg("scanning existing files")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanParallelism)

	for _, path := range targets {
		path := path
		g.Go(func() error {
			// Without scan_all_on_start only missing baselines are seeded;
			// existing ones are trusted until an event arrives.
			if !a.cfg.ScanAllOnStart {
				if err := a.engine.Seed(gctx, path); err != nil {
					logger.Warn().Str("path", path).Err(err).Msg("startup seed skipped file")
				}
				return nil
			}

			res, err := a.engine.Run(gctx, path, compare.Options{})
			if err != nil {
				// One unreadable file must not abort the whole startup.
				logger.Warn().Str("path", path).Err(err).Msg("startup scan skipped file")
				return nil
			}
			if res.Changed {
				a.reporter.Show(res)
				if !res.Whitelisted {
					if _, err := a.log.Append(gctx, res); err != nil {
						logger.Warn().Str("path", path).Err(err).Msg("change log append failed")
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}
