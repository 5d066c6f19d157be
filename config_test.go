package sessiond

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	t.Setenv("SESSIOND_CONFIG_DIR", t.TempDir())
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.Store != DefaultStore || cfg.ActionLog != DefaultActionLog {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LockTimeout != time.Hour || cfg.StopTimeout != DefaultStopTimeout || cfg.ReconcileInterval != DefaultReconcileInterval {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.StorageRetryMaxAttempts != DefaultStorageRetryMaxAttempts || cfg.StorageRetryMultiplier != DefaultStorageRetryMultiplier {
		t.Fatalf("unexpected retry defaults: %+v", cfg)
	}
	if !strings.HasSuffix(cfg.SessionDir, "sessions") {
		t.Fatalf("session dir = %q", cfg.SessionDir)
	}
	if cfg.ProxyTestEndpoint != DefaultProxyTestEndpoint {
		t.Fatalf("proxy endpoint = %q", cfg.ProxyTestEndpoint)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"profiling without metrics", Config{EnableProfilingMetrics: true}, "metrics-listen"},
		{"bad store", Config{Store: "redis://x"}, "store scheme"},
		{"bad action log", Config{ActionLog: "mongo://x"}, "action log scheme"},
		{"negative duration", Config{LockTimeout: -time.Second}, ">= 0"},
		{"stop beyond shutdown", Config{StopTimeout: time.Minute, ShutdownTimeout: time.Second}, "exceeds"},
		{"retry delays", Config{StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond}, "max delay"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			cfg.SessionDir = t.TempDir()
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SESSIOND_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("DefaultConfigDir = %q, %v", got, err)
	}
	workers, err := DefaultWorkersFile()
	if err != nil || !strings.HasPrefix(workers, dir) {
		t.Fatalf("DefaultWorkersFile = %q, %v", workers, err)
	}
}
