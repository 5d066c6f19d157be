package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/sessiond"
	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/pathutil"
	"pkt.systems/sessiond/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SESSIOND_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "sessiond")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := root.ExecuteContextC(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			if isServeCommand(executed) {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func isServeCommand(cmd *cobra.Command) bool {
	return cmd != nil && (!cmd.HasParent() || cmd.Name() == "serve")
}

// cliRuntime carries state resolved once per invocation by the root
// PersistentPreRunE.
type cliRuntime struct {
	base       pslog.Logger
	logger     pslog.Logger
	configFile string
	envFile    string
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	viper.Reset()
	viper.SetEnvPrefix("SESSIOND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rt := &cliRuntime{base: baseLogger, logger: baseLogger}

	cmd := &cobra.Command{
		Use:           "sessiond",
		Short:         "sessiond supervises automation workers behind cross-process identity locks and hourly action budgets",
		SilenceErrors: true,
		Example: `
  # Serve the control API with workers from ~/.sessiond/workers.yaml
  sessiond

  # Disk-backed locks shared by every sessiond on this machine, sqlite action log
  sessiond serve --store disk:///var/lib/sessiond/locks --action-log sqlite:///var/lib/sessiond/actions.db

  # MinIO lock store (TLS on by default; append ?insecure=1 for HTTP)
  SESSIOND_STORE=s3://localhost:9000/sessiond?insecure=1 SESSIOND_S3_ACCESS_KEY_ID=minioadmin SESSIOND_S3_SECRET_ACCESS_KEY=minioadmin sessiond

  # Inspect and clean up locks directly in the store
  sessiond locks list --all --store disk:///var/lib/sessiond/locks
  sessiond locks sweep --store disk:///var/lib/sessiond/locks

  # Drive a running server
  sessiond workers start alice
  sessiond workers stats alice
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.prepare(cmd)
		},
		RunE: runServe(rt),
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.sessiond/"+sessiond.DefaultConfigFileName+")")
	persistent.String("env-file", "", "load environment variables from this file (defaults to ./.env when present)")
	persistent.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	persistent.StringP("output", "o", "table", "output format for listing commands (table|json)")
	addStoreFlags(persistent)
	persistent.String("server", "http://"+sessiond.DefaultListen, "sessiond server base URL for workers/proxy commands")
	persistent.Duration("client-timeout", 30*time.Second, "HTTP timeout for workers/proxy commands")

	addServeFlags(cmd.Flags())

	cmd.AddCommand(newServeCommand(rt))
	cmd.AddCommand(newLocksCommand(rt))
	cmd.AddCommand(newWorkersCommand(rt))
	cmd.AddCommand(newProxyCommand(rt))
	cmd.AddCommand(newConfigCommand(rt))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func addStoreFlags(flags *pflag.FlagSet) {
	flags.String("store", sessiond.DefaultStore, "lock store URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.Duration("lock-timeout", sessiond.DefaultLockTimeout, "age after which a lock is stale")
	flags.String("host-tag", "", "host recorded in locks (defaults to the hostname)")
	flags.Bool("disable-storage-tracing", false, "disable spans and debug logging around lock store calls")
	flags.Int("storage-retry-attempts", sessiond.DefaultStorageRetryMaxAttempts, "maximum lock store retry attempts")
	flags.Duration("storage-retry-base-delay", sessiond.DefaultStorageRetryBaseDelay, "initial backoff for lock store retries")
	flags.Duration("storage-retry-max-delay", sessiond.DefaultStorageRetryMaxDelay, "maximum backoff for lock store retries")
	flags.Float64("storage-retry-multiplier", sessiond.DefaultStorageRetryMultiplier, "backoff multiplier for lock store retries")
	flags.String("s3-access-key-id", "", "access key for s3:// stores (or SESSIOND_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores (or SESSIOND_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-account", "", "Azure storage account (overrides the DSN host)")
	flags.String("azure-key", "", "Azure storage account key (or SESSIOND_AZURE_KEY)")
	flags.String("azure-endpoint", "", "Azure blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
}

func addServeFlags(flags *pflag.FlagSet) {
	flags.String("listen", sessiond.DefaultListen, "control API listen address")
	flags.String("metrics-listen", sessiond.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", sessiond.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the metrics endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable OpenTelemetry spans for HTTP handlers")
	flags.String("action-log", sessiond.DefaultActionLog, "action log URL (mem://, bolt:///path, sqlite:///path, postgres://...)")
	flags.String("workers-file", "", "worker definitions YAML (defaults to $HOME/.sessiond/workers.yaml when present)")
	flags.String("session-dir", "", "directory for persisted client sessions (defaults to $HOME/.sessiond/sessions)")
	flags.Bool("auto-start", false, "start every configured worker when the server comes up")
	flags.Duration("stop-timeout", sessiond.DefaultStopTimeout, "how long stop waits for a worker before cancelling it")
	flags.Duration("reconcile-interval", sessiond.DefaultReconcileInterval, "stale lock sweep and reconcile cadence")
	flags.Duration("shutdown-timeout", sessiond.DefaultShutdownTimeout, "overall graceful shutdown timeout")
	flags.String("proxy-test-endpoint", sessiond.DefaultProxyTestEndpoint, "URL fetched through a proxy by proxy tests")
	flags.Duration("proxy-test-timeout", sessiond.DefaultProxyTestTimeout, "timeout for a single proxy test")
}

// configKeys are the flags mirrored into viper, and therefore settable via
// SESSIOND_* env vars and the config file. Subcommand-local flags are not.
var configKeys = func() map[string]bool {
	keys := map[string]bool{
		"config": true, "env-file": true, "log-level": true, "output": true,
		"server": true, "client-timeout": true,
	}
	fs := pflag.NewFlagSet("config-keys", pflag.ContinueOnError)
	addStoreFlags(fs)
	addServeFlags(fs)
	fs.VisitAll(func(f *pflag.Flag) { keys[f.Name] = true })
	return keys
}()

func newServeCommand(rt *cliRuntime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sessiond control server (same as running sessiond without a subcommand)",
		Args:  cobra.NoArgs,
		RunE:  runServe(rt),
	}
	addServeFlags(cmd.Flags())
	return cmd
}

// prepare binds the executing command's flags into viper, then loads the
// env file, the config file and the log level.
func (rt *cliRuntime) prepare(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if bindErr != nil || !configKeys[f.Name] {
			return
		}
		bindErr = viper.BindPFlag(f.Name, f)
	})
	if bindErr != nil {
		return bindErr
	}
	envFile, err := loadEnvFile(viper.GetString("env-file"))
	if err != nil {
		return err
	}
	rt.envFile = envFile
	configFile, err := loadConfigFile()
	if err != nil {
		return err
	}
	rt.configFile = configFile

	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		logLevel = "info"
	}
	level, ok := pslog.ParseLevel(logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", logLevel)
	}
	rt.logger = rt.base.LogLevel(level)
	return nil
}

func runServe(rt *cliRuntime) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cmd.SilenceUsage = true
		logger := rt.logger
		cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
		loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
			"welcome to sessiond",
			"version", version.Current(),
			"pid", os.Getpid(),
			"uid", os.Getuid(),
		)
		if rt.envFile != "" {
			cliLogger.Info("loaded env file", "path", rt.envFile)
		}
		if rt.configFile != "" {
			cliLogger.Info("loaded config file", "path", rt.configFile)
		}

		var cfg sessiond.Config
		if err := bindConfig(&cfg); err != nil {
			return err
		}
		server, err := sessiond.NewServer(cfg, sessiond.WithLogger(logger))
		if err != nil {
			return err
		}
		shutdownTimeout := cfg.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = sessiond.DefaultShutdownTimeout
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				cliLogger.Error("shutdown failed", "error", err)
			}
		}()

		return server.Start()
	}
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. With no path, ./.env is loaded when it
// exists.
func loadEnvFile(path string) (string, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ".env"
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			return "", nil
		}
	}
	expanded, err := pathutil.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand env file path %q: %w", path, err)
	}
	if err := godotenv.Load(expanded); err != nil {
		return "", fmt.Errorf("load env file %q: %w", expanded, err)
	}
	return expanded, nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := sessiond.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, sessiond.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := pathutil.Expand(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func bindConfig(cfg *sessiond.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.DisableStorageTracing = viper.GetBool("disable-storage-tracing")

	cfg.Store = viper.GetString("store")
	cfg.ActionLog = viper.GetString("action-log")
	cfg.HostTag = viper.GetString("host-tag")
	cfg.AutoStart = viper.GetBool("auto-start")
	if workers := strings.TrimSpace(viper.GetString("workers-file")); workers != "" {
		expanded, err := pathutil.Expand(workers)
		if err != nil {
			return fmt.Errorf("expand workers-file: %w", err)
		}
		cfg.WorkersFile = expanded
	}
	if dir := strings.TrimSpace(viper.GetString("session-dir")); dir != "" {
		expanded, err := pathutil.Expand(dir)
		if err != nil {
			return fmt.Errorf("expand session-dir: %w", err)
		}
		cfg.SessionDir = expanded
	}

	cfg.LockTimeout = viper.GetDuration("lock-timeout")
	cfg.StopTimeout = viper.GetDuration("stop-timeout")
	cfg.ReconcileInterval = viper.GetDuration("reconcile-interval")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")

	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")

	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")

	cfg.ProxyTestEndpoint = viper.GetString("proxy-test-endpoint")
	cfg.ProxyTestTimeout = viper.GetDuration("proxy-test-timeout")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
