package detector

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Watch inspects the process found by f once immediately and then every
// period, until ctx is done or fn returns false. One Finder serves every
// round so the last-known PID is checked before any full scan. Lookup and
// sampling errors are handed to fn and the loop keeps going; only a
// missing signature ends it with an error.
func Watch(ctx context.Context, f *Finder, every, interval time.Duration, threshold float64, fn func(Inspection, error) bool) error {
	if every <= 0 {
		return errors.New("watch period must be positive")
	}
	slog.Info("Watching process", "match", f.Describe(), "every", every)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		ins, err := inspectOnce(ctx, f, interval, threshold)
		if err != nil && ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrNoSignature) {
			return err
		}
		if !fn(ins, err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func inspectOnce(ctx context.Context, f *Finder, interval time.Duration, threshold float64) (Inspection, error) {
	prev := f.LastPID()
	p, err := f.Find(ctx)
	if err != nil {
		return Inspection{}, err
	}
	if prev != 0 && prev != int(p.Pid) {
		slog.Warn("Target process changed", "match", f.Describe(), "old_pid", prev, "pid", p.Pid)
	}
	return Inspect(ctx, p, interval, threshold)
}
