package logtail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/watchdog/internal/burst"
)

// Default capacities and limits.
const (
	DefaultHistorySize  = 100
	DefaultSocketWindow = 10
	DefaultMaxReadBytes = 8 << 20
)

var ErrLogRead = errors.New("log read failed")

// ReadError wraps a failure to read the tailed file.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string   { return fmt.Sprintf("read %s: %v", e.Path, e.Err) }
func (e *ReadError) Unwrap() []error { return []error{ErrLogRead, e.Err} }

// Cursor is the byte offset of the last consumed position in Path.
type Cursor struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
}

// ErrorRecord is one classified log line.
type ErrorRecord struct {
	Time    time.Time      `json:"time"`
	HasTime bool           `json:"has_time"`
	Line    string         `json:"line"`
	Class   Classification `json:"class"`
}

// Config configures a Tailer.
type Config struct {
	Path          string
	HistorySize   int
	SocketWindow  int
	MaxReadBytes  int64
	Classifier    Classifier
	Burst         burst.Detector
	Location      *time.Location
	WatchRotation bool
}

// Result summarizes one Check.
type Result struct {
	Lines    int
	Critical []ErrorRecord
	Burst    burst.Signal
}

// FirstCritical returns the first critical record seen in the check.
func (r Result) FirstCritical() (ErrorRecord, bool) {
	if len(r.Critical) == 0 {
		return ErrorRecord{}, false
	}
	return r.Critical[0], true
}

// Tailer incrementally reads a growing log file and keeps bounded error
// history. It is not safe for concurrent use; a single control loop owns it.
type Tailer struct {
	cfg     Config
	cursor  Cursor
	history *Ring[ErrorRecord]
	socket  *Ring[ErrorRecord]

	watcher *fsnotify.Watcher
	rotated atomic.Bool
	done    chan struct{}
}

// New creates a Tailer. When cfg.WatchRotation is set, an fsnotify watcher
// on the log directory flags rotation/recreation so the next poll starts
// from offset 0. Watch setup failures are logged and tailing continues
// with size-based truncation detection only.
func New(cfg Config) *Tailer {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.SocketWindow <= 0 {
		cfg.SocketWindow = DefaultSocketWindow
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = DefaultMaxReadBytes
	}
	if len(cfg.Classifier.Critical) == 0 && cfg.Classifier.Generic == "" {
		cfg.Classifier = NewClassifier(nil, "", "")
	}
	if cfg.Burst.MinEvents == 0 && cfg.Burst.Gap == 0 {
		cfg.Burst = burst.New()
	}
	t := &Tailer{
		cfg:     cfg,
		cursor:  Cursor{Path: cfg.Path},
		history: NewRing[ErrorRecord](cfg.HistorySize),
		socket:  NewRing[ErrorRecord](cfg.SocketWindow),
	}
	if cfg.WatchRotation {
		if err := t.watch(); err != nil {
			slog.Warn("Log rotation watch disabled", "path", cfg.Path, "error", err)
		}
	}
	return t
}

func (t *Tailer) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(t.cfg.Path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}
	t.watcher = w
	t.done = make(chan struct{})
	target := filepath.Clean(t.cfg.Path)
	go func() {
		defer close(t.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
					t.rotated.Store(true)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Debug("Log watcher error", "path", target, "error", err)
			}
		}
	}()
	return nil
}

// Close releases the rotation watcher, if any.
func (t *Tailer) Close() error {
	if t.watcher == nil {
		return nil
	}
	err := t.watcher.Close()
	<-t.done
	t.watcher = nil
	return err
}

// Cursor returns the current read position.
func (t *Tailer) Cursor() Cursor { return t.cursor }

// Reset moves the cursor back to the start of the file. The supervisor
// calls it after truncating the log on process start.
func (t *Tailer) Reset() { t.cursor.Offset = 0 }

// PollNewLines returns complete lines appended since the previous poll.
// A trailing line without a newline is held back until it is completed.
// A missing file yields no lines and no error. If the file shrank below
// the cursor, reading restarts at offset 0.
func (t *Tailer) PollNewLines() ([]string, error) {
	path := t.cfg.Path
	if t.rotated.Swap(false) && t.cursor.Offset != 0 {
		slog.Debug("Log file rotated, resetting cursor", "path", path, "offset", t.cursor.Offset)
		t.cursor.Offset = 0
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &ReadError{Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	size := info.Size()
	if size < t.cursor.Offset {
		slog.Debug("Log file truncated, resetting cursor", "path", path, "offset", t.cursor.Offset, "size", size)
		t.cursor.Offset = 0
	}
	if size == t.cursor.Offset {
		return nil, nil
	}
	if _, err := f.Seek(t.cursor.Offset, io.SeekStart); err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	buf, err := io.ReadAll(io.LimitReader(f, t.cfg.MaxReadBytes))
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}

	consumed := bytes.LastIndexByte(buf, '\n') + 1
	if consumed == 0 {
		// No complete line. Only give up waiting when the chunk is full,
		// otherwise a single oversized line would stall the cursor forever.
		if int64(len(buf)) < t.cfg.MaxReadBytes {
			return nil, nil
		}
		consumed = len(buf)
	}
	chunk := buf[:consumed]
	t.cursor.Offset += int64(consumed)

	text := strings.TrimSuffix(string(chunk), "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines, nil
}

// Classify classifies one line with the configured marker catalog.
func (t *Tailer) Classify(line string) Classification { return t.cfg.Classifier.Classify(line) }

// Check polls new lines, records every error into history, feeds socket
// errors into the burst window and evaluates it.
func (t *Tailer) Check() (Result, error) {
	lines, err := t.PollNewLines()
	if err != nil {
		return Result{}, err
	}
	res := Result{Lines: len(lines)}
	socketSeen := false
	for _, line := range lines {
		rec, ok := t.record(line)
		if !ok {
			continue
		}
		if rec.Class.Kind == KindCritical {
			res.Critical = append(res.Critical, rec)
		}
		if t.cfg.Classifier.IsSocket(rec.Line) {
			t.socket.Append(rec)
			socketSeen = true
		}
	}
	if socketSeen {
		res.Burst = t.EvaluateBurst()
	}
	return res, nil
}

func (t *Tailer) record(line string) (ErrorRecord, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return ErrorRecord{}, false
	}
	class := t.cfg.Classifier.Classify(line)
	if class.Kind == KindNone {
		return ErrorRecord{}, false
	}
	ts, ok := ParseTimestamp(line, t.cfg.Location)
	rec := ErrorRecord{Time: ts, HasTime: ok, Line: line, Class: class}
	t.history.Append(rec)
	return rec, true
}

// EvaluateBurst runs the burst detector over the socket-error window.
// Records without a parseable timestamp are ignored.
func (t *Tailer) EvaluateBurst() burst.Signal {
	items := t.socket.Items()
	times := make([]time.Time, 0, len(items))
	for _, r := range items {
		if r.HasTime {
			times = append(times, r.Time)
		}
	}
	return t.cfg.Burst.RecordAndEvaluate(times)
}

// LastError returns the most recent history entry.
func (t *Tailer) LastError() (ErrorRecord, bool) { return t.history.Last() }

// IsSocketError reports whether rec came from the socket-failure marker.
func (t *Tailer) IsSocketError(rec ErrorRecord) bool { return t.cfg.Classifier.IsSocket(rec.Line) }

// History returns a copy of the error history, oldest first.
func (t *Tailer) History() []ErrorRecord { return t.history.Items() }

// SocketWindow returns a copy of the socket-error window, oldest first.
func (t *Tailer) SocketWindow() []ErrorRecord { return t.socket.Items() }
