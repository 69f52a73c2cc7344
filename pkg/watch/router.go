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

package watch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/walteh/cellwatch/pkg/changelog"
	"github.com/walteh/cellwatch/pkg/compare"
	"github.com/walteh/cellwatch/pkg/config"
	"github.com/walteh/cellwatch/pkg/display"
)

// 🚦 Router consumes debounced file events and applies the baseline
// policies: creates seed, writes compare, removes are noted and left
// alone. Each file is handled on its own goroutine; the engine serializes
// runs per file internally.
type Router struct {
	cfg      *config.Config
	engine   *compare.Engine
	reporter *display.Reporter
	log      *changelog.Logger
	poller   *Poller
	watchdog *Watchdog

	wg sync.WaitGroup
}

// NewRouter wires the event consumers together.
func NewRouter(cfg *config.Config, engine *compare.Engine, reporter *display.Reporter, log *changelog.Logger, poller *Poller, watchdog *Watchdog) *Router {
	return &Router{
		cfg:      cfg,
		engine:   engine,
		reporter: reporter,
		log:      log,
		poller:   poller,
		watchdog: watchdog,
	}
}

// ▶️ Run consumes events until the channel closes or ctx is cancelled,
// then waits for in-flight handlers.
func (r *Router) Run(ctx context.Context, events <-chan *Event) {
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case event, ok := <-events:
			if !ok {
				r.wg.Wait()
				return
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.handle(ctx, event)
			}()
		}
	}
}

func (r *Router) handle(ctx context.Context, event *Event) {
	logger := zerolog.Ctx(ctx).With().
		Str("path", event.Path).
		Str("op", event.Op.String()).
		Logger()
	ctx = logger.WithContext(ctx)

	switch event.Op {
	case OpRemove, OpRename:
		// The baseline stays: if the file comes back the old content is
		// still the right reference to diff against.
		logger.Info().Msg("watched file moved or removed")
		return

	case OpCreate:
		r.handleCreate(ctx, event)

	default:
		r.handleWrite(ctx, event)
	}
}

// handleCreate seeds a baseline for a file seen for the first time. A
// create for a file with an existing baseline (a round-trip rename, or an
// editor that replaces on save) is treated as a write.
func (r *Router) handleCreate(ctx context.Context, event *Event) {
	logger := zerolog.Ctx(ctx)

	done := r.watchdog.Begin(event.Path, "seed")
	defer done()

	if err := r.engine.Seed(ctx, event.Path); err != nil {
		logger.Warn().Err(err).Msg("baseline seed failed")
		return
	}

	// Seed is a no-op when a baseline already exists; the content may
	// still differ from it, so compare as if this were a write.
	r.handleWrite(ctx, event)
}

func (r *Router) handleWrite(ctx context.Context, event *Event) {
	logger := zerolog.Ctx(ctx)

	// A file already under follow-up polling gets re-read on its timer; the
	// event would only duplicate the next poll's comparison.
	if r.poller.IsActive(event.Path) {
		logger.Debug().Msg("already polling, event folded into the next poll")
		return
	}

	done := r.watchdog.Begin(event.Path, "compare")
	res, err := r.engine.Run(ctx, event.Path, compare.Options{})
	done()
	if err != nil {
		logger.Error().Err(err).Msg("comparison failed")
		return
	}

	if res.Seeded {
		// First sighting of a no-pre-baseline file: the baseline is the
		// report. Nothing to diff yet.
		if r.cfg.IsNoPreBaseline(event.Path) {
			logger.Info().Msg("first change in a broad folder, baseline captured")
		}
		return
	}

	// Every write starts follow-up polling, changed or not. A save with no
	// visible difference yet is often the first of a burst, and a failed
	// read needs the re-check anyway.
	defer r.poller.Bump(ctx, event.Path)

	if res.ReadFailed {
		r.reporter.Warning(ctx, event.Path, "file could not be read, keeping previous baseline")
		return
	}

	if !res.Changed {
		return
	}

	r.reporter.Show(res)

	if res.Whitelisted {
		logger.Info().Str("author", res.Author).Msg("author whitelisted, change not logged")
		return
	}
	if _, err := r.log.Append(ctx, res); err != nil {
		logger.Warn().Err(err).Msg("change log append failed")
	}
}
