package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/watchdog/internal/env"
	"github.com/loykin/watchdog/internal/logger"
	"github.com/loykin/watchdog/internal/logtail"
	"github.com/loykin/watchdog/internal/process"
	wtls "github.com/loykin/watchdog/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. WATCHDOG_PROCESS_COMMAND.
const EnvPrefix = "WATCHDOG"

// Config is the top-level configuration file structure.
type Config struct {
	Process ProcessConfig `mapstructure:"process"`
	Restart RestartConfig `mapstructure:"restart"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Logs    LogsConfig    `mapstructure:"logs"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
	History HistoryConfig `mapstructure:"history"`
}

type ProcessConfig struct {
	Name        string        `mapstructure:"name"`
	Command     string        `mapstructure:"command"`
	WorkDir     string        `mapstructure:"work_dir"`
	Env         []string      `mapstructure:"env"`
	EnvFiles    []string      `mapstructure:"env_files"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	Detached    bool          `mapstructure:"detached"`
}

type RestartConfig struct {
	MaxRestarts     int           `mapstructure:"max_restarts"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
	StabilityWindow time.Duration `mapstructure:"stability_window"`
	SocketCooldown  time.Duration `mapstructure:"socket_cooldown"`
	BurstCooldown   time.Duration `mapstructure:"burst_cooldown"`
}

type MonitorConfig struct {
	Tick               time.Duration `mapstructure:"tick"`
	StorageEvery       int           `mapstructure:"storage_every"`
	LogEvery           int           `mapstructure:"log_every"`
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
	MemoryThreshold    float64       `mapstructure:"memory_threshold"`
	CPUThreshold       float64       `mapstructure:"cpu_threshold"`
	ThreadCPUThreshold float64       `mapstructure:"thread_cpu_threshold"`
	Signature          string        `mapstructure:"signature"`
	WarnDedupe         time.Duration `mapstructure:"warn_dedupe"`
}

type LogsConfig struct {
	Path            string   `mapstructure:"path"`
	HistorySize     int      `mapstructure:"history_size"`
	SocketWindow    int      `mapstructure:"socket_window"`
	MaxReadBytes    int64    `mapstructure:"max_read_bytes"`
	CriticalMarkers []string `mapstructure:"critical_markers"`
	GenericMarker   string   `mapstructure:"generic_marker"`
	SocketMarker    string   `mapstructure:"socket_marker"`
	Timezone        string   `mapstructure:"timezone"`
	WatchRotation   bool     `mapstructure:"watch_rotation"`
	MaxSizeMB       int      `mapstructure:"max_size_mb"`
	MaxBackups      int      `mapstructure:"max_backups"`
	MaxAgeDays      int      `mapstructure:"max_age_days"`
	Compress        bool     `mapstructure:"compress"`
}

type StorageConfig struct {
	BaseDir      string   `mapstructure:"base_dir"`
	PurgeDirs    []string `mapstructure:"purge_dirs"`
	MinFreeBytes uint64   `mapstructure:"min_free_bytes"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type ServerConfig struct {
	Listen    string      `mapstructure:"listen"`
	BasePath  string      `mapstructure:"base_path"`
	AuthToken string      `mapstructure:"auth_token"` // bearer token for status and errors
	TLS       wtls.Config `mapstructure:"tls"`
}

type HistoryConfig struct {
	DSNs            []string      `mapstructure:"dsns"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// Default returns a configuration with every default filled in. Only the
// process command has no usable default.
func Default() Config {
	return Config{
		Process: ProcessConfig{
			Name:        "worker",
			StopTimeout: process.DefaultStopTimeout,
		},
		Restart: RestartConfig{
			MaxRestarts:     5,
			MinInterval:     60 * time.Second,
			StabilityWindow: time.Hour,
			SocketCooldown:  5 * time.Second,
		},
		Monitor: MonitorConfig{
			Tick:               time.Second,
			StorageEvery:       300,
			LogEvery:           10,
			SampleInterval:     time.Second,
			MemoryThreshold:    90,
			CPUThreshold:       80,
			ThreadCPUThreshold: 30,
			WarnDedupe:         5 * time.Minute,
		},
		Logs: LogsConfig{
			Path:            "logs.txt",
			HistorySize:     logtail.DefaultHistorySize,
			SocketWindow:    logtail.DefaultSocketWindow,
			MaxReadBytes:    logtail.DefaultMaxReadBytes,
			CriticalMarkers: append([]string(nil), logtail.DefaultCriticalMarkers...),
			GenericMarker:   logtail.DefaultGenericMarker,
			SocketMarker:    logtail.DefaultSocketMarker,
			Timezone:        "Local",
		},
		Storage: StorageConfig{
			BaseDir:      ".",
			PurgeDirs:    []string{"downloads", "cache"},
			MinFreeBytes: 1 << 30,
		},
		Log: logger.Config{Level: "info", Format: "text"},
		Server: ServerConfig{
			BasePath: "/api",
		},
		History: HistoryConfig{
			Timeout:         5 * time.Second,
			BreakerFailures: 3,
			BreakerCooldown: time.Minute,
		},
	}
}

// setDefaults registers every key so env overrides apply even when the key
// is absent from the file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("process.name", d.Process.Name)
	v.SetDefault("process.command", d.Process.Command)
	v.SetDefault("process.work_dir", d.Process.WorkDir)
	v.SetDefault("process.env", d.Process.Env)
	v.SetDefault("process.env_files", d.Process.EnvFiles)
	v.SetDefault("process.stop_timeout", d.Process.StopTimeout)
	v.SetDefault("process.detached", d.Process.Detached)

	v.SetDefault("restart.max_restarts", d.Restart.MaxRestarts)
	v.SetDefault("restart.min_interval", d.Restart.MinInterval)
	v.SetDefault("restart.stability_window", d.Restart.StabilityWindow)
	v.SetDefault("restart.socket_cooldown", d.Restart.SocketCooldown)
	v.SetDefault("restart.burst_cooldown", d.Restart.BurstCooldown)

	v.SetDefault("monitor.tick", d.Monitor.Tick)
	v.SetDefault("monitor.storage_every", d.Monitor.StorageEvery)
	v.SetDefault("monitor.log_every", d.Monitor.LogEvery)
	v.SetDefault("monitor.sample_interval", d.Monitor.SampleInterval)
	v.SetDefault("monitor.memory_threshold", d.Monitor.MemoryThreshold)
	v.SetDefault("monitor.cpu_threshold", d.Monitor.CPUThreshold)
	v.SetDefault("monitor.thread_cpu_threshold", d.Monitor.ThreadCPUThreshold)
	v.SetDefault("monitor.signature", d.Monitor.Signature)
	v.SetDefault("monitor.warn_dedupe", d.Monitor.WarnDedupe)

	v.SetDefault("logs.path", d.Logs.Path)
	v.SetDefault("logs.history_size", d.Logs.HistorySize)
	v.SetDefault("logs.socket_window", d.Logs.SocketWindow)
	v.SetDefault("logs.max_read_bytes", d.Logs.MaxReadBytes)
	v.SetDefault("logs.critical_markers", d.Logs.CriticalMarkers)
	v.SetDefault("logs.generic_marker", d.Logs.GenericMarker)
	v.SetDefault("logs.socket_marker", d.Logs.SocketMarker)
	v.SetDefault("logs.timezone", d.Logs.Timezone)
	v.SetDefault("logs.watch_rotation", d.Logs.WatchRotation)
	v.SetDefault("logs.max_size_mb", d.Logs.MaxSizeMB)
	v.SetDefault("logs.max_backups", d.Logs.MaxBackups)
	v.SetDefault("logs.max_age_days", d.Logs.MaxAgeDays)
	v.SetDefault("logs.compress", d.Logs.Compress)

	v.SetDefault("storage.base_dir", d.Storage.BaseDir)
	v.SetDefault("storage.purge_dirs", d.Storage.PurgeDirs)
	v.SetDefault("storage.min_free_bytes", d.Storage.MinFreeBytes)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file.path", d.Log.File.Path)
	v.SetDefault("log.file.max_size_mb", d.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", d.Log.File.MaxAgeDays)
	v.SetDefault("log.file.compress", d.Log.File.Compress)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.auth_token", d.Server.AuthToken)
	v.SetDefault("server.tls.enabled", d.Server.TLS.Enabled)
	v.SetDefault("server.tls.cert_file", d.Server.TLS.CertFile)
	v.SetDefault("server.tls.key_file", d.Server.TLS.KeyFile)
	v.SetDefault("server.tls.dir", d.Server.TLS.Dir)
	v.SetDefault("server.tls.auto_generate", d.Server.TLS.AutoGenerate)
	v.SetDefault("server.tls.hosts", d.Server.TLS.Hosts)
	v.SetDefault("server.tls.valid_days", d.Server.TLS.ValidDays)
	v.SetDefault("server.tls.min_version", d.Server.TLS.MinVersion)
	v.SetDefault("history.dsns", d.History.DSNs)
	v.SetDefault("history.timeout", d.History.Timeout)
	v.SetDefault("history.breaker_failures", d.History.BreakerFailures)
	v.SetDefault("history.breaker_cooldown", d.History.BreakerCooldown)
}

// Load reads path (TOML unless the extension says yaml or json) on top of
// Default and applies WATCHDOG_* environment overrides. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	return &c, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "toml"
	}
}

// resolvePaths anchors relative filesystem paths at the config file's
// directory so the working directory of the watchdog does not matter.
func (c *Config) resolvePaths(base string) {
	rel := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	rel(&c.Process.WorkDir)
	for i := range c.Process.EnvFiles {
		rel(&c.Process.EnvFiles[i])
	}
	rel(&c.Logs.Path)
	rel(&c.Storage.BaseDir)
	rel(&c.Log.File.Path)
	rel(&c.Server.TLS.CertFile)
	rel(&c.Server.TLS.KeyFile)
	rel(&c.Server.TLS.Dir)
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Process.Command) == "" {
		errs = append(errs, errors.New("process.command is required"))
	}
	if c.Restart.MaxRestarts < 1 {
		errs = append(errs, fmt.Errorf("restart.max_restarts must be positive, got %d", c.Restart.MaxRestarts))
	}
	if c.Restart.MinInterval < 0 || c.Restart.StabilityWindow < 0 {
		errs = append(errs, errors.New("restart intervals must not be negative"))
	}
	if c.Restart.SocketCooldown < 0 || c.Restart.BurstCooldown < 0 {
		errs = append(errs, errors.New("cooldowns must not be negative"))
	}
	if c.Monitor.Tick <= 0 {
		errs = append(errs, errors.New("monitor.tick must be positive"))
	}
	if c.Monitor.StorageEvery < 1 || c.Monitor.LogEvery < 1 {
		errs = append(errs, errors.New("monitor.storage_every and monitor.log_every must be at least 1"))
	}
	if c.Logs.HistorySize < 1 || c.Logs.SocketWindow < 1 {
		errs = append(errs, errors.New("logs.history_size and logs.socket_window must be at least 1"))
	}
	if strings.TrimSpace(c.Logs.Path) == "" {
		errs = append(errs, errors.New("logs.path is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text, json or color, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Location resolves logs.timezone used to parse log line timestamps.
func (c *Config) Location() (*time.Location, error) {
	switch c.Logs.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Logs.Timezone)
	if err != nil {
		return nil, fmt.Errorf("logs.timezone: %w", err)
	}
	return loc, nil
}

// ProcessSpec merges env files and the inline env list into the spec of the
// managed process. Inline entries override file entries.
func (c *Config) ProcessSpec() (process.Spec, error) {
	files, err := env.LoadFiles(c.Process.EnvFiles...)
	if err != nil {
		return process.Spec{}, err
	}
	vars := append(files, c.Process.Env...)
	return process.Spec{
		Name:        c.Process.Name,
		Command:     c.Process.Command,
		WorkDir:     c.Process.WorkDir,
		Env:         vars,
		StopTimeout: c.Process.StopTimeout,
		Detached:    c.Process.Detached,
	}, nil
}

// ProcessLog returns the managed process log settings.
func (c *Config) ProcessLog() logger.ProcessLogConfig {
	return logger.ProcessLogConfig{
		Path:       c.Logs.Path,
		MaxSizeMB:  c.Logs.MaxSizeMB,
		MaxBackups: c.Logs.MaxBackups,
		MaxAgeDays: c.Logs.MaxAgeDays,
		Compress:   c.Logs.Compress,
	}
}

// ScratchDirs returns the purge targets resolved against storage.base_dir.
func (c *Config) ScratchDirs() []string {
	out := make([]string, 0, len(c.Storage.PurgeDirs))
	for _, d := range c.Storage.PurgeDirs {
		if filepath.IsAbs(d) {
			out = append(out, d)
			continue
		}
		out = append(out, filepath.Join(c.Storage.BaseDir, d))
	}
	return out
}
