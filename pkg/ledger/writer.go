package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/caracal-dev/caracal/pkg/persist"
)

// Writer owns the log file and the next-event-ID counter. Appends take
// an exclusive advisory lock, write one line, flush, and fsync before
// the ID is considered assigned.
type Writer struct {
	mu       sync.Mutex
	path     string
	lock     *flock.Flock
	nextID   uint64
	firstUse bool
	archive  Archiver
	clock    func() time.Time
	logger   *slog.Logger
}

// Archiver mirrors appended events into a secondary query store.
// Archive failures never fail the append.
type Archiver interface {
	Archive(ev *Event) error
}

// NewWriter opens (or creates) the log at path. The next event ID is
// recovered by scanning for the highest ID already on disk.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	w := &Writer{
		path:     path,
		lock:     flock.New(path + ".lock"),
		firstUse: true,
		clock:    time.Now,
		logger:   slog.Default().With("component", "ledger_writer", "path", path),
	}
	maxID, err := scanMaxEventID(path)
	if err != nil {
		return nil, err
	}
	w.nextID = maxID + 1
	return w, nil
}

// WithClock overrides the clock for testing.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	w.clock = clock
	return w
}

// WithArchive attaches a secondary archive store.
func (w *Writer) WithArchive(a Archiver) *Writer {
	w.archive = a
	return w
}

// scanMaxEventID reads the log tail-tolerantly: malformed trailing
// lines (partial appends from a crash) are ignored.
func scanMaxEventID(path string) (uint64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: open log: %w", err)
	}
	defer f.Close()

	var max uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.EventID > max {
			max = ev.EventID
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("ledger: scan log: %w", err)
	}
	return max, nil
}

// Append validates and durably appends the event, assigning its ID.
// Transient I/O errors are retried with backoff; exhaustion is
// surfaced loudly and the mutation is considered failed.
func (w *Writer) Append(ev *Event) (uint64, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.firstUse {
		w.backupExisting()
		w.firstUse = false
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.clock().UTC()
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}
	ev.EventID = w.nextID

	line, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("ledger: marshal event: %w", err)
	}
	line = append(line, '\n')

	err = persist.Retry(func() error { return w.writeLine(line) }, w.logger, "ledger append")
	if err != nil {
		// The one place the system is loud and gives up: the upstream
		// side effect may already have happened.
		w.logger.Error("LEDGER APPEND FAILED, event lost after retries",
			"event_id", ev.EventID, "principal_id", ev.PrincipalID,
			"cost", ev.Cost, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}

	w.nextID++

	if w.archive != nil {
		if err := w.archive.Archive(ev); err != nil {
			w.logger.Warn("archive mirror failed", "event_id", ev.EventID, "error", err)
		}
	}
	return ev.EventID, nil
}

func (w *Writer) writeLine(line []byte) error {
	if err := w.lock.Lock(); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer func() {
		if err := w.lock.Unlock(); err != nil {
			w.logger.Warn("file lock release failed", "error", err)
		}
	}()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

// backupExisting copies the current log aside once per process start,
// so a crashed write never loses the fsync'd previous state.
func (w *Writer) backupExisting() {
	if _, err := os.Stat(w.path); os.IsNotExist(err) {
		return
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("startup backup read failed", "error", err)
		return
	}
	if err := os.WriteFile(w.path+".bak.1", data, 0o600); err != nil {
		w.logger.Warn("startup backup write failed", "error", err)
	}
}

// NextEventID exposes the counter for observability.
func (w *Writer) NextEventID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextID
}
