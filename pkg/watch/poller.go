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
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/walteh/cellwatch/pkg/compare"
	"github.com/walteh/cellwatch/pkg/config"
	"github.com/walteh/cellwatch/pkg/display"
)

// ⏱️ Poller watches recently changed files more closely than fsnotify can:
// after a detected change it re-compares the file on a timer until a poll
// finds it stable again. One timer per file, re-armed or stopped as polls
// come back.
type Poller struct {
	cfg      *config.Config
	engine   *compare.Engine
	reporter *display.Reporter

	mu      sync.Mutex
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
	stopped bool
}

// NewPoller creates a poller. Poll results go to the console via reporter
// but never to the permanent log; the triggering event already logged the
// change once.
func NewPoller(cfg *config.Config, engine *compare.Engine, reporter *display.Reporter) *Poller {
	return &Poller{
		cfg:      cfg,
		engine:   engine,
		reporter: reporter,
		timers:   map[string]*time.Timer{},
	}
}

// 🔁 Bump starts or re-arms follow-up polling for path. Called after every
// write comparison, changed or not; an existing timer for the same file is
// replaced, never duplicated.
func (p *Poller) Bump(ctx context.Context, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}

	interval := p.interval(path)
	if existing, ok := p.timers[path]; ok {
		existing.Stop()
	}
	p.timers[path] = time.AfterFunc(interval, func() {
		p.poll(ctx, path)
	})

	zerolog.Ctx(ctx).Debug().
		Str("path", path).
		Dur("interval", interval).
		Msg("follow-up polling armed")
}

// interval picks the poll spacing by file size: small files are cheap to
// re-read and get the dense interval, large ones the sparse interval.
func (p *Poller) interval(path string) time.Duration {
	threshold := int64(p.cfg.Polling.SizeThresholdMB * 1024 * 1024)
	if info, err := os.Stat(path); err == nil && info.Size() > threshold {
		return p.cfg.Polling.SparseInterval()
	}
	return p.cfg.Polling.DenseInterval()
}

// poll runs one comparison and decides whether to keep polling: another
// change re-arms the timer, a stable poll stops this file's polling until
// the next file system event.
func (p *Poller) poll(ctx context.Context, path string) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	delete(p.timers, path)
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	logger := zerolog.Ctx(ctx)

	if _, err := os.Stat(path); err != nil {
		logger.Debug().Str("path", path).Msg("polled file gone, polling stopped")
		return
	}

	res, err := p.engine.Run(ctx, path, compare.Options{Polling: true, Force: true})
	if err != nil {
		logger.Warn().Str("path", path).Err(err).Msg("poll comparison failed")
		return
	}

	if res.Changed {
		p.reporter.Show(res)
		p.Bump(ctx, path)
		return
	}

	logger.Debug().Str("path", path).Msg("file stable, polling stopped")
}

// ⏹️ Stop cancels every timer and waits for in-flight polls to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	for path, timer := range p.timers {
		timer.Stop()
		delete(p.timers, path)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Active returns how many files currently have an armed poll timer.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// IsActive reports whether path currently has an armed poll timer.
func (p *Poller) IsActive(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[path]
	return ok
}
