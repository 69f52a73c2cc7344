package mirror

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
)

// attempt is one copy attempt, successful or not.
type attempt struct {
	source   string
	dest     string
	size     int64
	duration time.Duration
	number   int
	settled  bool
	reused   bool
	ok       bool
	err      error
}

var journalHeader = []string{
	"id", "timestamp", "source", "dest", "bytes", "duration_ms",
	"attempt", "settled", "reused", "ok", "error",
}

// 📒 Journal appends one CSV row per copy attempt to a diagnostics file.
// It is best effort by contract: callers log its errors and move on.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *csv.Writer
}

// NewJournal creates a journal writing to path. The file and its parent
// directory are created lazily on the first record.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Record appends one attempt row, flushing immediately so rows survive a
// crash of the process being diagnosed.
func (j *Journal) Record(a attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.open(); err != nil {
		return err
	}

	errText := ""
	if a.err != nil {
		errText = a.err.Error()
	}
	row := []string{
		uuid.NewString(),
		time.Now().Format(time.RFC3339),
		a.source,
		a.dest,
		strconv.FormatInt(a.size, 10),
		fmt.Sprintf("%d", a.duration.Milliseconds()),
		strconv.Itoa(a.number),
		strconv.FormatBool(a.settled),
		strconv.FormatBool(a.reused),
		strconv.FormatBool(a.ok),
		errText,
	}
	if err := j.w.Write(row); err != nil {
		return errors.Errorf("writing journal row: %w", err)
	}
	j.w.Flush()
	if err := j.w.Error(); err != nil {
		return errors.Errorf("flushing journal: %w", err)
	}
	return nil
}

func (j *Journal) open() error {
	if j.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return errors.Errorf("creating journal folder: %w", err)
	}

	info, statErr := os.Stat(j.path)
	fresh := statErr != nil || info.Size() == 0

	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Errorf("opening journal file: %w", err)
	}
	j.file = file
	j.w = csv.NewWriter(file)

	if fresh {
		if err := j.w.Write(journalHeader); err != nil {
			return errors.Errorf("writing journal header: %w", err)
		}
		j.w.Flush()
	}
	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	j.w.Flush()
	err := j.file.Close()
	j.file = nil
	return err
}
