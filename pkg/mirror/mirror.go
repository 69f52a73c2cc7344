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

// Package mirror produces a local, readable copy of a possibly remote or
// locked spreadsheet file. The source file is never held open for more than
// a brief readability check plus the copy itself; a settle wait and retry
// loop absorb half-written saves and network hiccups.
package mirror

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cellwatch/pkg/config"
)

// 📦 Result describes how a local copy was obtained.
type Result struct {
	// LocalPath is the path to read the snapshot from. Empty only when
	// strict mode refused to fall back to the original.
	LocalPath string

	// UsedOriginal is set when no usable copy could be made and the source
	// path itself was returned (never in strict mode).
	UsedOriginal bool

	// Reused is set when an existing mirror copy was at least as new as the
	// source and no copy was performed.
	Reused bool

	// Settled reports whether the source mtime stayed stable during the
	// settle wait (true when the wait is disabled).
	Settled bool

	// Attempts is the number of copy attempts made.
	Attempts int
}

// 🏭 Fetcher copies source files into the mirror folder.
type Fetcher struct {
	opts    *config.MirrorArgs
	journal *Journal
}

// New creates a fetcher. The journal may be nil, in which case attempts are
// not recorded.
func New(opts *config.MirrorArgs, journal *Journal) *Fetcher {
	return &Fetcher{opts: opts, journal: journal}
}

// 🪞 Fetch returns a local readable copy of source. Outside strict mode a
// copy failure falls back to the source path itself; in strict mode it is an
// error instead.
func (f *Fetcher) Fetch(ctx context.Context, source string) (*Result, error) {
	logger := zerolog.Ctx(ctx)

	if f.opts.DisableLocalMirror {
		if f.opts.Strict {
			return nil, errors.Errorf("strict mode requires the local mirror to be enabled")
		}
		return &Result{LocalPath: source, UsedOriginal: true, Settled: true}, nil
	}

	// Reading a file that is already a mirror copy must not copy the copy.
	if f.isMirrorPath(source) {
		return &Result{LocalPath: source, Reused: true, Settled: true}, nil
	}

	if err := f.checkReadable(source); err != nil {
		return f.fail(ctx, source, 0, err)
	}

	settled := f.waitForSettle(ctx, source)
	if !settled {
		logger.Warn().Str("path", source).Msg("source mtime did not settle, copying anyway")
	}

	dest := f.MirrorPath(source)
	if fresh, err := f.mirrorIsFresh(source, dest); err == nil && fresh {
		logger.Debug().Str("path", source).Str("mirror", dest).Msg("reusing fresh mirror copy")
		f.record(ctx, attempt{source: source, dest: dest, reused: true, settled: settled, ok: true})
		return &Result{LocalPath: dest, Reused: true, Settled: settled}, nil
	}

	if err := os.MkdirAll(f.opts.Folder, 0755); err != nil {
		return f.fail(ctx, source, 0, errors.Errorf("creating mirror folder: %w", err))
	}

	attempts := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(f.opts.RetryInterval()),
			backoff.WithMaxElapsedTime(0),
		),
		uint64(f.opts.MaxRetries-1),
	), ctx)

	err := backoff.Retry(func() error {
		attempts++
		start := time.Now()
		size, copyErr := f.copyOnce(ctx, source, dest)
		f.record(ctx, attempt{
			source:   source,
			dest:     dest,
			size:     size,
			duration: time.Since(start),
			number:   attempts,
			settled:  settled,
			ok:       copyErr == nil,
			err:      copyErr,
		})
		if copyErr != nil {
			logger.Debug().Str("path", source).Int("attempt", attempts).Err(copyErr).Msg("copy attempt failed")
			return copyErr
		}
		return nil
	}, policy)

	if err != nil {
		return f.fail(ctx, source, attempts, errors.Errorf("copying after %d attempt(s): %w", attempts, err))
	}

	if delay := f.opts.PostCopyDelay(); delay > 0 {
		// Give the file system a moment before anyone reads the copy.
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	return &Result{LocalPath: dest, Settled: settled, Attempts: attempts}, nil
}

// fail resolves a copy failure per strict mode: error out, or fall back to
// the original path with a logged warning.
func (f *Fetcher) fail(ctx context.Context, source string, attempts int, err error) (*Result, error) {
	logger := zerolog.Ctx(ctx)
	logger.Warn().
		Str("path", source).
		Int("attempts", attempts).
		Str("strategy", f.opts.Strategy).
		Int("max_retries", f.opts.MaxRetries).
		Bool("strict", f.opts.Strict).
		Err(err).
		Msg("local copy unavailable")

	if f.opts.Strict {
		return nil, errors.Errorf("strict mode, no usable local copy of %s: %w", source, err)
	}
	return &Result{LocalPath: source, UsedOriginal: true, Attempts: attempts}, nil
}

// 🔑 MirrorPath returns the mirror location for a source path: a short hash
// of the source path plus the original base name, so copies are stable per
// source and still recognizable by eye.
func (f *Fetcher) MirrorPath(source string) string {
	sum := md5.Sum([]byte(filepath.ToSlash(source)))
	prefix := hex.EncodeToString(sum[:])[:16]
	return filepath.Join(f.opts.Folder, prefix+"_"+filepath.Base(source))
}

func (f *Fetcher) isMirrorPath(path string) bool {
	rel, err := filepath.Rel(f.opts.Folder, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// checkReadable is the only direct touch of the source outside copying:
// stat it and open/close it once.
func (f *Fetcher) checkReadable(source string) error {
	info, err := os.Stat(source)
	if err != nil {
		return errors.Errorf("stating source: %w", err)
	}
	if info.IsDir() {
		return errors.Errorf("source is a directory: %s", source)
	}
	file, err := os.Open(source)
	if err != nil {
		return errors.Errorf("opening source: %w", err)
	}
	return file.Close()
}

// waitForSettle waits until the source mtime is identical across
// SettleChecks consecutive reads spaced SettleGap apart, bounded by
// SettleMax overall. Returns false when the wait is exhausted without the
// file settling; the copy proceeds anyway but the attempt is noted as less
// reliable.
func (f *Fetcher) waitForSettle(ctx context.Context, source string) bool {
	if f.opts.SettleChecks == 0 {
		return true
	}

	deadline := time.Now().Add(f.opts.SettleMax())
	var last time.Time
	stable := 0

	for time.Now().Before(deadline) {
		info, err := os.Stat(source)
		if err != nil {
			return false
		}
		if !last.IsZero() && info.ModTime().Equal(last) {
			stable++
			if stable >= f.opts.SettleChecks {
				return true
			}
		} else {
			stable = 0
		}
		last = info.ModTime()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(f.opts.SettleGap()):
		}
	}
	return false
}

// mirrorIsFresh reports whether an existing mirror copy is at least as new
// as the source.
func (f *Fetcher) mirrorIsFresh(source, dest string) (bool, error) {
	destInfo, err := os.Stat(dest)
	if err != nil {
		return false, err
	}
	srcInfo, err := os.Stat(source)
	if err != nil {
		return false, err
	}
	return !destInfo.ModTime().Before(srcInfo.ModTime()), nil
}

// copyOnce performs one copy attempt using the configured strategy and
// returns the number of bytes copied.
func (f *Fetcher) copyOnce(ctx context.Context, source, dest string) (int64, error) {
	switch f.opts.Strategy {
	case "chunked":
		return f.copyChunked(source, dest)
	case "tool":
		return f.copyWithTool(ctx, source, dest)
	default:
		return f.copySingle(source, dest)
	}
}

// copySingle copies in one pass through a temp file renamed into place.
func (f *Fetcher) copySingle(source, dest string) (int64, error) {
	src, err := os.Open(source)
	if err != nil {
		return 0, errors.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	tmp := dest + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, errors.Errorf("creating destination file: %w", err)
	}

	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return n, errors.Errorf("copying file content: %w", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return n, errors.Errorf("renaming temp file: %w", err)
	}
	return n, nil
}

// copyChunked copies in fixed-size chunks, reopening the source for each
// chunk so it is never held open across a long stretch on very large files.
func (f *Fetcher) copyChunked(source, dest string) (int64, error) {
	chunk := int64(f.opts.ChunkSizeMB) * 1024 * 1024

	tmp := dest + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, errors.Errorf("creating destination file: %w", err)
	}

	var total int64
	for {
		n, err := copyChunkAt(source, dst, total, chunk)
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			dst.Close()
			os.Remove(tmp)
			return total, errors.Errorf("copying chunk at offset %d: %w", total, err)
		}
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return total, errors.Errorf("closing destination file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return total, errors.Errorf("renaming temp file: %w", err)
	}
	return total, nil
}

// copyChunkAt copies one chunk from the given offset, opening and closing
// the source around it. Returns io.EOF once the source is exhausted.
func copyChunkAt(source string, dst io.Writer, offset, chunk int64) (int64, error) {
	src, err := os.Open(source)
	if err != nil {
		return 0, errors.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return 0, errors.Errorf("seeking source: %w", err)
	}

	n, err := io.CopyN(dst, src, chunk)
	if err == io.EOF || (err == nil && n < chunk) {
		return n, io.EOF
	}
	return n, err
}

// copyWithTool hands the copy to an external command for network setups
// where the in-process copy is known to misbehave. The command receives the
// source and destination paths as its final two arguments.
func (f *Fetcher) copyWithTool(ctx context.Context, source, dest string) (int64, error) {
	args := append(append([]string{}, f.opts.ToolCommand[1:]...), source, dest)
	cmd := exec.CommandContext(ctx, f.opts.ToolCommand[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return 0, errors.Errorf("running copy tool: %s: %w", strings.TrimSpace(string(out)), err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, errors.Errorf("stating tool output: %w", err)
	}
	return info.Size(), nil
}

// record writes one attempt to the journal. Journal trouble is logged and
// swallowed: diagnostics must never fail the copy they describe.
func (f *Fetcher) record(ctx context.Context, a attempt) {
	if f.journal == nil {
		return
	}
	if err := f.journal.Record(a); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("copy journal write failed")
	}
}
