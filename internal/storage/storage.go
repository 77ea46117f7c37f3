package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/shirou/gopsutil/v4/disk"
)

// DefaultMinFreeBytes is the free-space threshold used when none is configured.
const DefaultMinFreeBytes uint64 = 1 << 30

// scratchDirMode is applied to scratch directories recreated by a purge.
const scratchDirMode fs.FileMode = 0o750

var (
	ErrStorageQuery = errors.New("storage query failed")
	ErrPurge        = errors.New("scratch purge failed")
)

// QueryError reports an inaccessible or unqueryable path.
type QueryError struct {
	Path string
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query free space on %s: %v", e.Path, e.Err)
}
func (e *QueryError) Unwrap() []error { return []error{ErrStorageQuery, e.Err} }

// PurgeError collects per-directory purge failures.
type PurgeError struct {
	Failures map[string]error
}

func (e *PurgeError) Error() string {
	var errs []error
	for _, dir := range e.dirs() {
		errs = append(errs, fmt.Errorf("%s: %w", dir, e.Failures[dir]))
	}
	return "purge scratch: " + errors.Join(errs...).Error()
}

// Unwrap exposes ErrPurge and every per-directory cause.
func (e *PurgeError) Unwrap() []error {
	out := []error{ErrPurge}
	for _, dir := range e.dirs() {
		out = append(out, e.Failures[dir])
	}
	return out
}

func (e *PurgeError) dirs() []string {
	dirs := make([]string, 0, len(e.Failures))
	for d := range e.Failures {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Status is a point-in-time free-space reading. It is never cached.
type Status struct {
	Path           string `json:"path"`
	FreeBytes      uint64 `json:"free_bytes"`
	ThresholdBytes uint64 `json:"threshold_bytes"`
}

// OK reports whether free space meets the threshold.
func (s Status) OK() bool { return s.FreeBytes >= s.ThresholdBytes }

// Guard checks free space and purges disposable scratch directories.
type Guard struct {
	MinFreeBytes uint64
	// usage is swappable for tests; defaults to gopsutil disk.Usage.
	usage func(path string) (*disk.UsageStat, error)
}

// NewGuard returns a Guard with the given threshold (0 means DefaultMinFreeBytes).
func NewGuard(minFree uint64) *Guard {
	if minFree == 0 {
		minFree = DefaultMinFreeBytes
	}
	return &Guard{MinFreeBytes: minFree, usage: disk.Usage}
}

// CheckFreeSpace queries the filesystem holding path.
func (g *Guard) CheckFreeSpace(path string) (Status, error) {
	threshold := g.MinFreeBytes
	if threshold == 0 {
		threshold = DefaultMinFreeBytes
	}
	st := Status{Path: path, ThresholdBytes: threshold}
	usage := g.usage
	if usage == nil {
		usage = disk.Usage
	}
	if _, err := os.Stat(path); err != nil {
		return st, &QueryError{Path: path, Err: err}
	}
	u, err := usage(path)
	if err != nil {
		return st, &QueryError{Path: path, Err: err}
	}
	st.FreeBytes = u.Free
	return st, nil
}

// PurgeScratch empties each directory, recreating it with mode 0o750, and
// returns the bytes reclaimed. Missing directories are skipped. Only call this on directories holding
// disposable artifacts: the deletion is irreversible.
func (g *Guard) PurgeScratch(dirs []string) (int64, error) {
	var reclaimed int64
	failures := map[string]error{}
	for _, dir := range dirs {
		n, err := purgeDir(dir)
		reclaimed += n
		if err != nil {
			failures[dir] = err
		}
	}
	if reclaimed > 0 {
		slog.Info("Purged scratch directories", "dirs", dirs, "reclaimed_mb", float64(reclaimed)/(1024*1024))
	}
	if len(failures) > 0 {
		return reclaimed, &PurgeError{Failures: failures}
	}
	return reclaimed, nil
}

func purgeDir(dir string) (int64, error) {
	clean := filepath.Clean(dir)
	info, err := os.Stat(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	if !info.IsDir() {
		return 0, &fs.PathError{Op: "purge", Path: clean, Err: syscall.ENOTDIR}
	}
	var size int64
	_ = filepath.WalkDir(clean, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			size += fi.Size()
		}
		return nil
	})
	if size == 0 {
		entries, err := os.ReadDir(clean)
		if err == nil && len(entries) == 0 {
			return 0, nil
		}
	}
	if err := os.RemoveAll(clean); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(clean, scratchDirMode); err != nil {
		return size, err
	}
	return size, nil
}
