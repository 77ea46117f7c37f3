package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	statusFlags := &StatusFlags{}
	inspectFlags := &InspectFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, runFlags),
		createPurgeCommand(globalFlags),
		createCheckStorageCommand(globalFlags),
		createInspectCommand(globalFlags, inspectFlags),
		createStatusCommand(statusFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "watchdog",
		Short: "Supervise one worker process and restart it on failure",
		Long: `Watchdog keeps a single worker process alive. It restarts the process
when it exits or turns into a zombie, with a debounce interval between
restarts and a hard restart ceiling. Critical log errors from a live
process are reported but do not trigger a restart; the last one is
logged, and socket errors add a cool-down, when the process dies.

Examples:
  watchdog run --config=watchdog.toml
  watchdog check-storage --config=watchdog.toml
  watchdog status --api-url=http://localhost:8080/api`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Start the supervisor",
		Long: `Start the managed process and supervise it until interrupted.
Exits 0 on SIGINT/SIGTERM and 1 when the restart ceiling is reached.

Examples:
  watchdog run --config=watchdog.toml
  watchdog run watchdog.toml --pidfile=/run/watchdog.pid
  WATCHDOG_PROCESS_COMMAND="python bot.py" watchdog run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *runFlags
			f.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			return runSupervisor(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&runFlags.PIDFile, "pidfile", "", "write the watchdog PID to this file")
	return cmd
}

// createPurgeCommand creates the purge subcommand
func createPurgeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Empty the configured scratch directories",
		Long: `Empty every directory listed in storage.purge_dirs. The deletion is
irreversible; only point purge_dirs at disposable data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd.OutOrStdout(), globalFlags.ConfigPath)
		},
	}
}

// createCheckStorageCommand creates the check-storage subcommand
func createCheckStorageCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-storage",
		Short: "Report free space under storage.base_dir",
		Long:  `Print free space under storage.base_dir. Exits 1 when it is below storage.min_free_bytes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckStorage(cmd.OutOrStdout(), globalFlags.ConfigPath)
		},
	}
}

// createInspectCommand creates the inspect subcommand
func createInspectCommand(globalFlags *GlobalFlags, flags *InspectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Report resource usage of a process found by command line",
		Long: `Find the process whose command line contains --signature and report its
CPU, memory, thread count and the threads above --threshold CPU percent.
--signature and --threshold default to monitor.signature and
monitor.thread_cpu_threshold from the config.

With --every the report repeats, one JSON line per round, and the last
matched PID is checked before scanning the process table again.

Examples:
  watchdog inspect --signature="python bot.py"
  watchdog inspect --signature=bot.py --interval=2s --threshold=50
  watchdog inspect --config=watchdog.toml --every=60s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := inspectDefaults(globalFlags.ConfigPath, *flags, cmd.Flags().Changed("threshold"))
			if err != nil {
				return err
			}
			return runInspect(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&flags.Signature, "signature", "", "substring of the target command line (default monitor.signature)")
	cmd.Flags().DurationVar(&flags.Interval, "interval", time.Second, "CPU sample interval")
	cmd.Flags().Float64Var(&flags.Threshold, "threshold", 30, "per-thread CPU percent to report (default monitor.thread_cpu_threshold)")
	cmd.Flags().DurationVar(&flags.Every, "every", 0, "repeat the report at this period until interrupted")
	cmd.Flags().IntVar(&flags.Count, "count", 0, "with --every, stop after this many reports")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running watchdog",
		Long: `Query the status API of a running watchdog.

Examples:
  watchdog status
  watchdog status --api-url=http://remote:8080/api --errors=10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "http://localhost:8080/api", "watchdog API URL")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().IntVar(&flags.Errors, "errors", 0, "also show the newest N error records")
	cmd.Flags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for https endpoints")
	cmd.Flags().StringVar(&flags.Token, "token", os.Getenv("WATCHDOG_API_TOKEN"), "bearer token (default $WATCHDOG_API_TOKEN)")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "watchdog", version)
		},
	}
}
