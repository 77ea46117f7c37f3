package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/watchdog/internal/config"
	"github.com/loykin/watchdog/internal/detector"
	"github.com/loykin/watchdog/internal/health"
	"github.com/loykin/watchdog/internal/history"
	"github.com/loykin/watchdog/internal/history/factory"
	"github.com/loykin/watchdog/internal/logger"
	"github.com/loykin/watchdog/internal/logtail"
	"github.com/loykin/watchdog/internal/metrics"
	"github.com/loykin/watchdog/internal/process"
	"github.com/loykin/watchdog/internal/server"
	"github.com/loykin/watchdog/internal/storage"
	"github.com/loykin/watchdog/internal/supervisor"
	wtls "github.com/loykin/watchdog/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = supervisor.Status

type State = supervisor.State

type ErrorRecord = logtail.ErrorRecord

type StorageStatus = storage.Status

type Inspection = detector.Inspection

type HistorySink = history.Sink

var ErrRestartCeiling = supervisor.ErrRestartCeiling

// IsCeiling reports whether err means the restart ceiling was reached.
func IsCeiling(err error) bool { return supervisor.IsCeiling(err) }

func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a config file on top of the defaults and WATCHDOG_*
// environment overrides, then validates it.
func LoadConfig(path string) (*Config, error) {
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// ReadConfig loads like LoadConfig without validating, for tooling that
// never launches the process.
func ReadConfig(path string) (*Config, error) { return config.Load(path) }

// SetupLogging installs the configured slog logger as the default.
func SetupLogging(c *Config) io.Closer { return logger.Setup(c.Log) }

// Watchdog is a configured supervisor together with the log tailer and
// history sinks it owns.
type Watchdog struct {
	cfg     *Config
	sup     *supervisor.Supervisor
	tailer  *logtail.Tailer
	history *history.Fanout
}

// Option customizes New.
type Option func(*options)

type options struct {
	sinks []history.Sink
	clock supervisor.Clock
}

// WithHistorySink adds a sink next to the ones built from history.dsns.
func WithHistorySink(s HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithClock replaces the wall clock used by the restart policy.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New builds a Watchdog from a validated config. The process is not
// launched until Run.
func New(c *Config, opts ...Option) (*Watchdog, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	spec, err := c.ProcessSpec()
	if err != nil {
		return nil, err
	}

	fan, err := factory.NewFanout(c.History.DSNs, factory.Options{
		Timeout:         c.History.Timeout,
		BreakerFailures: c.History.BreakerFailures,
		BreakerCooldown: c.History.BreakerCooldown,
	})
	if err != nil {
		return nil, err
	}
	for _, s := range o.sinks {
		fan.Add(s)
	}

	tailer := logtail.New(logtail.Config{
		Path:          c.Logs.Path,
		HistorySize:   c.Logs.HistorySize,
		SocketWindow:  c.Logs.SocketWindow,
		MaxReadBytes:  c.Logs.MaxReadBytes,
		Classifier:    logtail.NewClassifier(c.Logs.CriticalMarkers, c.Logs.GenericMarker, c.Logs.SocketMarker),
		Location:      loc,
		WatchRotation: c.Logs.WatchRotation,
	})

	probe := health.NewProbe()
	probe.SampleInterval = c.Monitor.SampleInterval
	probe.MemoryThreshold = c.Monitor.MemoryThreshold
	probe.CPUThreshold = c.Monitor.CPUThreshold

	sup := supervisor.New(supervisor.Options{
		Spec:            spec,
		ScratchDirs:     c.ScratchDirs(),
		StoragePath:     c.Storage.BaseDir,
		MaxRestarts:     c.Restart.MaxRestarts,
		MinInterval:     c.Restart.MinInterval,
		StabilityWindow: c.Restart.StabilityWindow,
		SocketCooldown:  socketCooldown(c.Restart.SocketCooldown),
		BurstCooldown:   c.Restart.BurstCooldown,
		StopTimeout:     c.Process.StopTimeout,
		Tick:            c.Monitor.Tick,
		StorageEvery:    c.Monitor.StorageEvery,
		LogEvery:        c.Monitor.LogEvery,
		WarnDedupe:      c.Monitor.WarnDedupe,
	}, supervisor.Deps{
		Launcher: process.NewLauncher(c.ProcessLog()),
		Probe:    probe,
		Storage:  storage.NewGuard(c.Storage.MinFreeBytes),
		Tailer:   tailer,
		History:  fan,
		Clock:    o.clock,
	})
	return &Watchdog{cfg: c, sup: sup, tailer: tailer, history: fan}, nil
}

// socketCooldown maps restart.socket_cooldown = 0 (off in config) to the
// supervisor's negative "disabled" value.
func socketCooldown(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// Run supervises the process until ctx is canceled (nil) or the restart
// ceiling is reached (an error matching ErrRestartCeiling). The tailer and
// history sinks are released on return.
func (w *Watchdog) Run(ctx context.Context) error {
	err := w.sup.Run(ctx)
	return errors.Join(err, w.Close())
}

// Close releases the rotation watcher and history sinks. Run calls it.
func (w *Watchdog) Close() error {
	return errors.Join(w.tailer.Close(), w.history.Close())
}

// Config returns the configuration w was built from.
func (w *Watchdog) Config() *Config { return w.cfg }

func (w *Watchdog) Snapshot() Status { return w.sup.Snapshot() }

func (w *Watchdog) Errors() []ErrorRecord { return w.sup.Errors() }

func (w *Watchdog) State() State { return w.sup.State() }

// NewHTTPServer serves the status API for w on addr, over HTTPS when
// server.tls is enabled and behind server.auth_token when set. metrics may
// be nil.
func NewHTTPServer(addr, basePath string, w *Watchdog, metrics http.Handler) (*http.Server, error) {
	tlsCfg, err := wtls.Setup(w.cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	return server.NewServer(addr, w, server.ServerOptions{
		BasePath: basePath,
		Metrics:  metrics,
		Token:    w.cfg.Server.AuthToken,
		TLS:      tlsCfg,
	})
}

// NewMetricsServer serves /metrics from the default registry on addr.
func NewMetricsServer(addr string) (*http.Server, error) {
	return server.NewMetricsServer(addr, metrics.Handler())
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

// CheckStorage reports free space under storage.base_dir.
func CheckStorage(c *Config) (StorageStatus, error) {
	return storage.NewGuard(c.Storage.MinFreeBytes).CheckFreeSpace(c.Storage.BaseDir)
}

// PurgeScratch empties the configured scratch directories.
func PurgeScratch(c *Config) (int64, error) {
	return storage.NewGuard(c.Storage.MinFreeBytes).PurgeScratch(c.ScratchDirs())
}

// Inspector samples an externally started process found by command line.
// It remembers the last match, so repeated calls skip the process table
// scan while that process is still alive.
type Inspector struct {
	finder    *detector.Finder
	interval  time.Duration
	threshold float64
}

// NewInspector targets the process whose command line contains signature.
// Each inspection samples CPU over interval and lists threads above
// threshold CPU percent.
func NewInspector(signature string, interval time.Duration, threshold float64) *Inspector {
	return &Inspector{finder: detector.NewFinder(signature), interval: interval, threshold: threshold}
}

// Inspect finds the target and reports its resource usage once.
func (i *Inspector) Inspect(ctx context.Context) (Inspection, error) {
	p, err := i.finder.Find(ctx)
	if err != nil {
		return Inspection{}, err
	}
	return detector.Inspect(ctx, p, i.interval, i.threshold)
}

// Watch inspects now and then every period until ctx is done or fn returns
// false. A missing target is passed to fn as an error matching
// ErrProcessNotFound.
func (i *Inspector) Watch(ctx context.Context, every time.Duration, fn func(Inspection, error) bool) error {
	return detector.Watch(ctx, i.finder, every, i.interval, i.threshold, fn)
}

// LastPID is the PID of the most recent match, or 0.
func (i *Inspector) LastPID() int { return i.finder.LastPID() }

var ErrProcessNotFound = detector.ErrNotFound

// Inspect is a one-shot NewInspector(...).Inspect.
func Inspect(ctx context.Context, signature string, interval time.Duration, threshold float64) (Inspection, error) {
	return NewInspector(signature, interval, threshold).Inspect(ctx)
}
