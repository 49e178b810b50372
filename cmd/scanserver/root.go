package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"scanserver/internal/config"
)

// envStr returns the environment value of key, or def when unset.
func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// splitCSV splits a comma separated list, dropping empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type options struct {
	configPath string
	cfg        config.Config
	failCSV    string
	corsCSV    string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scanserver",
		Short:         "Scan execution engine for instrument control",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "scanserver", version)
			return err
		},
	}
}

func newServeCmd() *cobra.Command { return newServeCmdWith(&options{}) }

// newServeCmdWith binds the serve flags to o.
func newServeCmdWith(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the scan worker and its HTTP API",
		Example: "  scanserver serve --simulate\n  scanserver serve --config scanserver.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, baseDir(o.configPath))
		},
	}

	// Flags with environment variable defaults
	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", envStr("SCANSERVER_CONFIG", ""), "Config file (.yaml, .json or .toml)")
	f.StringVar(&o.cfg.Addr, "addr", envStr("SCANSERVER_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	f.StringVar(&o.cfg.Queue, "queue", envStr("SCANSERVER_QUEUE", "primary"), "Name of the served queue")
	f.IntVar(&o.cfg.PollIntervalMS, "poll-interval-ms", envInt("SCANSERVER_POLL_INTERVAL_MS", 10), "Barrier re-check interval in ms")
	f.IntVar(&o.cfg.PauseIntervalMS, "pause-interval-ms", envInt("SCANSERVER_PAUSE_INTERVAL_MS", 100), "Re-check interval while paused in ms")
	f.IntVar(&o.cfg.GateIntervalMS, "gate-interval-ms", envInt("SCANSERVER_GATE_INTERVAL_MS", 1000), "Device server availability re-check interval in ms")
	f.IntVar(&o.cfg.WaitTimeoutMS, "wait-timeout-ms", envInt("SCANSERVER_WAIT_TIMEOUT_MS", 0), "Move/read barrier timeout in ms (0=wait forever)")
	f.IntVar(&o.cfg.StageTimeoutMS, "stage-timeout-ms", envInt("SCANSERVER_STAGE_TIMEOUT_MS", 0), "Stage/unstage barrier timeout in ms (0=wait forever)")
	f.IntVar(&o.cfg.StatusRetentionMin, "status-retention-min", envInt("SCANSERVER_STATUS_RETENTION_MIN", 30), "Expiry of finished scan status records in minutes")
	f.IntVar(&o.cfg.HistorySize, "history-size", envInt("SCANSERVER_HISTORY_SIZE", 100), "Number of finished queue items kept")
	f.StringVar(&o.cfg.LogLevel, "log-level", envStr("SCANSERVER_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	f.StringVar(&o.cfg.LogFormat, "log-format", envStr("SCANSERVER_LOG_FORMAT", "console"), "Log format: console|json")
	f.BoolVar(&o.cfg.Simulate, "simulate", envBool("SCANSERVER_SIMULATE", false), "Run the in-process device simulator")
	f.StringVar(&o.failCSV, "fail-devices", envStr("SCANSERVER_FAIL_DEVICES", ""), "Comma separated simulated devices whose moves fail")
	f.StringVar(&o.corsCSV, "cors-origins", envStr("SCANSERVER_CORS_ORIGINS", ""), "Comma separated allowed CORS origins (empty disables CORS)")
	f.StringVar(&o.cfg.DevicesFile, "devices-file", envStr("SCANSERVER_DEVICES_FILE", ""), "YAML device list")
	return cmd
}

// resolve merges the config file with the flags. A flag set on the command
// line wins over the file; otherwise a non-zero file value wins over the flag
// default.
func (o *options) resolve(cmd *cobra.Command) (config.Config, error) {
	flags := o.cfg
	flags.FailDevices = splitCSV(o.failCSV)
	flags.CORSOrigins = splitCSV(o.corsCSV)
	if o.configPath == "" {
		return flags, nil
	}
	file, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	set := cmd.Flags().Changed
	str := func(name string, dst *string, fv, cv string) {
		*dst = fv
		if !set(name) && cv != "" {
			*dst = cv
		}
	}
	num := func(name string, dst *int, fv, cv int) {
		*dst = fv
		if !set(name) && cv != 0 {
			*dst = cv
		}
	}
	list := func(name string, dst *[]string, fv, cv []string) {
		*dst = fv
		if !set(name) && len(cv) > 0 {
			*dst = cv
		}
	}

	out := file
	str("addr", &out.Addr, flags.Addr, file.Addr)
	str("queue", &out.Queue, flags.Queue, file.Queue)
	str("log-level", &out.LogLevel, flags.LogLevel, file.LogLevel)
	str("log-format", &out.LogFormat, flags.LogFormat, file.LogFormat)
	str("devices-file", &out.DevicesFile, flags.DevicesFile, file.DevicesFile)
	num("poll-interval-ms", &out.PollIntervalMS, flags.PollIntervalMS, file.PollIntervalMS)
	num("pause-interval-ms", &out.PauseIntervalMS, flags.PauseIntervalMS, file.PauseIntervalMS)
	num("gate-interval-ms", &out.GateIntervalMS, flags.GateIntervalMS, file.GateIntervalMS)
	num("wait-timeout-ms", &out.WaitTimeoutMS, flags.WaitTimeoutMS, file.WaitTimeoutMS)
	num("stage-timeout-ms", &out.StageTimeoutMS, flags.StageTimeoutMS, file.StageTimeoutMS)
	num("status-retention-min", &out.StatusRetentionMin, flags.StatusRetentionMin, file.StatusRetentionMin)
	num("history-size", &out.HistorySize, flags.HistorySize, file.HistorySize)
	list("fail-devices", &out.FailDevices, flags.FailDevices, file.FailDevices)
	list("cors-origins", &out.CORSOrigins, flags.CORSOrigins, file.CORSOrigins)
	out.Simulate = flags.Simulate || (!set("simulate") && file.Simulate)
	return out, nil
}
