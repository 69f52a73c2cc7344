package watch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// 🐕 Watchdog tracks in-flight operations and barks in the log when one
// runs past the configured file timeout. It never cancels anything; the
// engine's own context timeout does that. The watchdog exists so a wedged
// network share shows up in the log before someone asks why reports
// stopped.
type Watchdog struct {
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]inflightOp
	stop     chan struct{}
	stopOnce sync.Once
}

type inflightOp struct {
	stage   string
	started time.Time
	warned  bool
}

// NewWatchdog creates a watchdog warning about operations older than
// timeout.
func NewWatchdog(timeout time.Duration) *Watchdog {
	return &Watchdog{
		timeout:  timeout,
		inflight: map[string]inflightOp{},
		stop:     make(chan struct{}),
	}
}

// ▶️ Run checks in-flight operations periodically until ctx is cancelled
// or Stop is called.
func (d *Watchdog) Run(ctx context.Context) {
	interval := d.timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.check(ctx)
		}
	}
}

func (d *Watchdog) check(ctx context.Context) {
	logger := zerolog.Ctx(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	for path, op := range d.inflight {
		age := time.Since(op.started)
		if age > d.timeout && !op.warned {
			logger.Warn().
				Str("path", path).
				Str("stage", op.stage).
				Dur("age", age).
				Msg("operation running past timeout")
			op.warned = true
			d.inflight[path] = op
		}
	}
}

// 🏁 Begin registers an operation and returns its completion func. A
// second Begin for the same path overwrites the first; per-file runs are
// serialized upstream so that only happens across stages.
func (d *Watchdog) Begin(path, stage string) func() {
	d.mu.Lock()
	d.inflight[path] = inflightOp{stage: stage, started: time.Now()}
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.inflight, path)
		d.mu.Unlock()
	}
}

// Stop ends the Run loop. Safe to call more than once.
func (d *Watchdog) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}
