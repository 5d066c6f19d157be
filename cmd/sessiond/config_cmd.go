package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/sessiond"
	"pkt.systems/sessiond/internal/workerconfig"
)

func newConfigCommand(rt *cliRuntime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage sessiond configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	cmd.AddCommand(newConfigValidateCommand(rt))
	return cmd
}

const exampleWorkersYAML = `# sessiond worker definitions. Unknown keys are rejected.
workers:
  - id: shop
    identity: shop.account
    password: change-me
    client: sim
    targets: [brand_a, brand_b]
    main_account: shop.main
    messages:
      - "Hi {name}, thanks for stopping by {main_account}!"
    limits:
      like: 8
      follow: 4
      message: 2
      comment: 3
    min_delay: 5m
    max_delay: 10m
    posts_to_like: 2
    posts_to_analyze: 3
    interaction_mode: both
    proxy:
      enabled: false
      type: socks5
      host: 127.0.0.1
      port: 1080
`

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	var workers bool
	defaultOutput := "$HOME/.sessiond/" + sessiond.DefaultConfigFileName
	if dir, err := sessiond.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, sessiond.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default config file (or an example workers file with --workers)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			var (
				data []byte
				err  error
			)
			if workers {
				data = []byte(exampleWorkersYAML)
			} else if data, err = defaultConfigYAML(); err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				if workers {
					outPath, err = sessiond.DefaultWorkersFile()
				} else {
					var dir string
					dir, err = sessiond.DefaultConfigDir()
					outPath = filepath.Join(dir, sessiond.DefaultConfigFileName)
				}
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", outPath, humanize.Bytes(uint64(len(data))))
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print to stdout instead of writing a file")
	cmd.Flags().BoolVar(&workers, "workers", false, "generate an example workers file instead of the server config")
	return cmd
}

type configDefaults struct {
	Listen                 string  `yaml:"listen"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	Store                  string  `yaml:"store"`
	ActionLog              string  `yaml:"action-log"`
	WorkersFile            string  `yaml:"workers-file"`
	SessionDir             string  `yaml:"session-dir"`
	AutoStart              bool    `yaml:"auto-start"`
	LockTimeout            string  `yaml:"lock-timeout"`
	StopTimeout            string  `yaml:"stop-timeout"`
	ReconcileInterval      string  `yaml:"reconcile-interval"`
	ShutdownTimeout        string  `yaml:"shutdown-timeout"`
	StorageRetryAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	S3AccessKeyID          string  `yaml:"s3-access-key-id"`
	S3SecretAccessKey      string  `yaml:"s3-secret-access-key"`
	AWSRegion              string  `yaml:"aws-region"`
	AzureKey               string  `yaml:"azure-key"`
	AzureSASToken          string  `yaml:"azure-sas-token"`
	ProxyTestEndpoint      string  `yaml:"proxy-test-endpoint"`
	ProxyTestTimeout       string  `yaml:"proxy-test-timeout"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	workersFile, _ := sessiond.DefaultWorkersFile()
	sessionDir, _ := sessiond.DefaultSessionDir()
	defaults := configDefaults{
		Listen:                 sessiond.DefaultListen,
		MetricsListen:          sessiond.DefaultMetricsListen,
		PprofListen:            sessiond.DefaultPprofListen,
		Store:                  sessiond.DefaultStore,
		ActionLog:              sessiond.DefaultActionLog,
		WorkersFile:            workersFile,
		SessionDir:             sessionDir,
		LockTimeout:            sessiond.DefaultLockTimeout.String(),
		StopTimeout:            sessiond.DefaultStopTimeout.String(),
		ReconcileInterval:      sessiond.DefaultReconcileInterval.String(),
		ShutdownTimeout:        sessiond.DefaultShutdownTimeout.String(),
		StorageRetryAttempts:   sessiond.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  sessiond.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   sessiond.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: sessiond.DefaultStorageRetryMultiplier,
		ProxyTestEndpoint:      sessiond.DefaultProxyTestEndpoint,
		ProxyTestTimeout:       sessiond.DefaultProxyTestTimeout.String(),
		LogLevel:               "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}

func newConfigValidateCommand(rt *cliRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective server config and the workers file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var cfg sessiond.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rt.configFile != "" {
				fmt.Fprintf(out, "config:  %s\n", rt.configFile)
			}
			fmt.Fprintf(out, "store:   %s\n", cfg.Store)
			fmt.Fprintf(out, "actions: %s\n", cfg.ActionLog)

			path := cfg.WorkersFile
			if path == "" {
				def, err := sessiond.DefaultWorkersFile()
				if err != nil {
					return err
				}
				if _, err := os.Stat(def); err != nil {
					fmt.Fprintln(out, "workers: none configured")
					return nil
				}
				path = def
			}
			f, err := workerconfig.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "workers: %s (%d)\n", path, len(f.Workers))
			tw := newTable(out)
			for _, w := range f.Workers {
				proxy := "-"
				if w.Proxy.Enabled {
					proxy = fmt.Sprintf("%s://%s:%d", w.Proxy.Type, w.Proxy.Host, w.Proxy.Port)
				}
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%s..%s\t%s\n", w.ID, w.Identity, w.InteractionMode, w.MinDelay, w.MaxDelay, proxy)
			}
			return tw.Flush()
		},
	}
}
