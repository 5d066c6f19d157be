package sessiond

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/sessiond/internal/locks"
	"pkt.systems/sessiond/internal/proxy"
	"pkt.systems/sessiond/internal/supervisor"
)

const (
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultListen is the default TCP endpoint the control API binds to.
	DefaultListen = "127.0.0.1:9361"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the lock manager at the in-memory backend.
	DefaultStore = "mem://"
	// DefaultActionLog keeps action records in memory.
	DefaultActionLog = "mem://"
	// DefaultLockTimeout is the age after which a lock counts as stale.
	DefaultLockTimeout = locks.DefaultTimeout
	// DefaultStopTimeout bounds how long Stop waits for a worker to notice
	// its stop flag before cancelling its context.
	DefaultStopTimeout = supervisor.DefaultStopTimeout
	// DefaultReconcileInterval sets how often stale locks are swept and
	// orphaned locks are reconciled.
	DefaultReconcileInterval = supervisor.DefaultReconcileInterval
	// DefaultShutdownTimeout caps graceful shutdown (workers + HTTP server).
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultProxyTestEndpoint is fetched through a proxy to test it.
	DefaultProxyTestEndpoint = proxy.DefaultTestEndpoint
	// DefaultProxyTestTimeout bounds a proxy test request.
	DefaultProxyTestTimeout = proxy.DefaultTestTimeout
)

// Config captures the tunables for a sessiond server.
type Config struct {
	// Listen is the control API bind address.
	Listen string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics enables Go runtime metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
	// DisableHTTPTracing disables OpenTelemetry spans for HTTP handlers.
	DisableHTTPTracing bool
	// DisableStorageTracing disables spans and debug logging around lock store calls.
	DisableStorageTracing bool

	// Store is the lock store DSN (mem://, disk:///path, s3://host/bucket,
	// aws://bucket, azure://account/container).
	Store string
	// ActionLog is the action log DSN (mem://, bolt:///path, sqlite:///path,
	// postgres://...).
	ActionLog string
	// WorkersFile is the YAML file holding worker definitions.
	WorkersFile string
	// SessionDir holds persisted client session blobs. Empty uses
	// DefaultSessionDir.
	SessionDir string
	// HostTag overrides the host recorded in locks (defaults to os.Hostname).
	HostTag string
	// AutoStart starts every configured worker when the server comes up.
	AutoStart bool

	// LockTimeout is the age after which a lock is stale.
	LockTimeout time.Duration
	// StopTimeout bounds cooperative worker shutdown.
	StopTimeout time.Duration
	// ReconcileInterval controls the sweep/reconcile cadence.
	ReconcileInterval time.Duration
	// ShutdownTimeout caps total graceful shutdown duration.
	ShutdownTimeout time.Duration

	// StorageRetryMaxAttempts caps retries for transient lock store errors.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the initial retry delay.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps the retry delay.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier grows the retry delay between attempts.
	StorageRetryMultiplier float64

	// S3AccessKeyID authenticates against s3:// stores.
	S3AccessKeyID string
	// S3SecretAccessKey authenticates against s3:// stores.
	S3SecretAccessKey string
	// S3SessionToken is an optional temporary credential token.
	S3SessionToken string
	// AWSRegion is the region for aws:// stores when the DSN omits it.
	AWSRegion string
	// AzureAccount overrides the account named in azure:// DSNs.
	AzureAccount string
	// AzureAccountKey authenticates with a shared key.
	AzureAccountKey string
	// AzureEndpoint overrides the derived blob endpoint.
	AzureEndpoint string
	// AzureSASToken authenticates with a SAS token.
	AzureSASToken string

	// ProxyTestEndpoint is fetched through a proxy by POST /v1/proxy/test.
	ProxyTestEndpoint string
	// ProxyTestTimeout bounds a single proxy test.
	ProxyTestTimeout time.Duration
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return errors.New("config: profiling metrics require metrics-listen")
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.ActionLog == "" {
		c.ActionLog = DefaultActionLog
	}
	if err := checkScheme("store", c.Store, storeSchemes); err != nil {
		return err
	}
	if err := checkScheme("action log", c.ActionLog, actionLogSchemes); err != nil {
		return err
	}
	if c.LockTimeout < 0 || c.StopTimeout < 0 || c.ReconcileInterval < 0 || c.ShutdownTimeout < 0 {
		return errors.New("config: durations must be >= 0")
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.StopTimeout > c.ShutdownTimeout {
		return fmt.Errorf("config: stop timeout %s exceeds shutdown timeout %s", c.StopTimeout, c.ShutdownTimeout)
	}
	if c.StorageRetryMaxAttempts < 0 {
		return errors.New("config: storage retry attempts must be >= 0")
	}
	if c.StorageRetryMaxAttempts == 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return errors.New("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.ProxyTestEndpoint == "" {
		c.ProxyTestEndpoint = DefaultProxyTestEndpoint
	}
	if c.ProxyTestTimeout <= 0 {
		c.ProxyTestTimeout = DefaultProxyTestTimeout
	}
	if c.SessionDir == "" {
		dir, err := DefaultSessionDir()
		if err != nil {
			return fmt.Errorf("config: session dir: %w", err)
		}
		c.SessionDir = dir
	}
	return nil
}

var (
	storeSchemes     = []string{"mem", "memory", "disk", "s3", "aws", "azure"}
	actionLogSchemes = []string{"mem", "memory", "bolt", "sqlite", "postgres", "postgresql"}
)

func checkScheme(what, dsn string, allowed []string) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("config: parse %s %q: %w", what, dsn, err)
	}
	for _, s := range allowed {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("config: %s scheme %q not supported (options: %s)", what, u.Scheme, strings.Join(allowed, ", "))
}

// DefaultConfigDir returns the default configuration directory ($HOME/.sessiond).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SESSIOND_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sessiond"), nil
}

// DefaultSessionDir returns the default session blob directory.
func DefaultSessionDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions"), nil
}

// DefaultWorkersFile returns the default worker definition file location.
func DefaultWorkersFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "workers.yaml"), nil
}
