package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/actionlog/actionlogtest"
)

func TestSQLiteLog(t *testing.T) {
	actionlogtest.Run(t, func(t *testing.T) actionlog.Log {
		log, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "actions.db")})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return log
	})
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("empty path accepted")
	}
}
