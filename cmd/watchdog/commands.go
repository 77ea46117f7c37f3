package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/watchdog"
	"github.com/loykin/watchdog/pkg/client"
)

const shutdownTimeout = 5 * time.Second

// runSupervisor wires the configured watchdog, its optional HTTP servers and
// signal handling, and blocks until shutdown or the restart ceiling.
func runSupervisor(ctx context.Context, f RunFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := watchdog.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	closer := watchdog.SetupLogging(cfg)
	defer func() { _ = closer.Close() }()

	if f.PIDFile != "" {
		if err := writePidFile(f.PIDFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PIDFile) }()
	}

	var metricsHandler http.Handler
	var servers []*http.Server
	defer func() { shutdownServers(servers) }()
	if cfg.Metrics.Enabled {
		if err := watchdog.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		metricsHandler = watchdog.MetricsHandler()
		if cfg.Metrics.Listen != "" {
			ms, err := watchdog.NewMetricsServer(cfg.Metrics.Listen)
			if err != nil {
				return err
			}
			slog.Info("Metrics server listening", "addr", ms.Addr)
			servers = append(servers, ms)
		}
	}

	w, err := watchdog.New(cfg)
	if err != nil {
		return err
	}
	if cfg.Server.Listen != "" {
		srv, err := watchdog.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, w, metricsHandler)
		if err != nil {
			_ = w.Close()
			return err
		}
		slog.Info("Status API listening", "addr", srv.Addr, "base", cfg.Server.BasePath)
		servers = append(servers, srv)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = w.Run(ctx)
	if watchdog.IsCeiling(err) {
		return fmt.Errorf("watchdog stopped: %w", err)
	}
	return err
}

func shutdownServers(servers []*http.Server) {
	for _, s := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.Shutdown(ctx); err != nil {
			slog.Warn("HTTP server shutdown failed", "addr", s.Addr, "error", err)
		}
		cancel()
	}
}

func runPurge(out io.Writer, configPath string) error {
	cfg, err := watchdog.ReadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	n, err := watchdog.PurgeScratch(cfg)
	_, _ = fmt.Fprintf(out, "reclaimed %s from %d directories\n", formatBytes(uint64(n)), len(cfg.ScratchDirs()))
	return err
}

var errLowStorage = errors.New("free space below threshold")

func runCheckStorage(out io.Writer, configPath string) error {
	cfg, err := watchdog.ReadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	st, err := watchdog.CheckStorage(cfg)
	if err != nil {
		return err
	}
	printJSON(out, struct {
		watchdog.StorageStatus
		OK bool `json:"ok"`
	}{st, st.OK()})
	if !st.OK() {
		return fmt.Errorf("%w: %s free, %s required", errLowStorage, formatBytes(st.FreeBytes), formatBytes(st.ThresholdBytes))
	}
	return nil
}

var errNoSignature = errors.New("inspect needs --signature or monitor.signature")

// inspectDefaults fills the signature and, unless given on the command line,
// the thread threshold from the config.
func inspectDefaults(configPath string, f InspectFlags, thresholdSet bool) (InspectFlags, error) {
	cfg, err := watchdog.ReadConfig(configPath)
	if err != nil {
		return f, fmt.Errorf("error loading config: %w", err)
	}
	if f.Signature == "" {
		f.Signature = cfg.Monitor.Signature
	}
	if !thresholdSet && cfg.Monitor.ThreadCPUThreshold > 0 {
		f.Threshold = cfg.Monitor.ThreadCPUThreshold
	}
	if f.Signature == "" {
		return f, errNoSignature
	}
	return f, nil
}

func runInspect(ctx context.Context, out io.Writer, f InspectFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	in := watchdog.NewInspector(f.Signature, f.Interval, f.Threshold)
	if f.Every <= 0 {
		ins, err := in.Inspect(ctx)
		if err != nil {
			return fmt.Errorf("inspect %q: %w", f.Signature, err)
		}
		printJSON(out, ins)
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	enc := json.NewEncoder(out)
	rounds := 0
	return in.Watch(ctx, f.Every, func(ins watchdog.Inspection, err error) bool {
		rounds++
		switch {
		case errors.Is(err, watchdog.ErrProcessNotFound):
			slog.Warn("Process not found", "signature", f.Signature)
		case err != nil:
			slog.Warn("Inspection failed", "signature", f.Signature, "error", err)
		default:
			_ = enc.Encode(ins)
		}
		return f.Count <= 0 || rounds < f.Count
	})
}

func runStatus(ctx context.Context, out io.Writer, f StatusFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c := client.New(client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Insecure: f.Insecure,
		CACert:   f.CACert,
		Token:    f.Token,
	})
	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("watchdog unreachable at %s: %w", f.APIUrl, err)
	}
	if f.Errors <= 0 {
		printJSON(out, st)
		return nil
	}
	errs, err := c.Errors(ctx, f.Errors)
	if err != nil {
		return err
	}
	printJSON(out, map[string]any{"status": st, "errors": errs})
	return nil
}
