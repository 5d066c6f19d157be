package postgres

import (
	"context"
	"os"
	"testing"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/actionlog/actionlogtest"
)

func TestPostgresLog(t *testing.T) {
	dsn := os.Getenv("SESSIOND_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SESSIOND_TEST_POSTGRES_DSN not set")
	}
	actionlogtest.Run(t, func(t *testing.T) actionlog.Log {
		ctx := context.Background()
		log, err := Open(ctx, dsn, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := log.pool.Exec(ctx, `TRUNCATE sessiond_action_records, sessiond_processed_users`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return log
	})
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), "", nil); err == nil {
		t.Fatal("empty dsn accepted")
	}
}
