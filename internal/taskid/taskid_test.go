package taskid_test

import (
	"testing"

	"github.com/google/uuid"

	"pkt.systems/sessiond/internal/taskid"
)

func TestNewIsUniqueUUIDv7(t *testing.T) {
	t.Parallel()

	raw := taskid.New()
	parsed, err := uuid.Parse(raw)
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if raw == taskid.New() {
		t.Fatal("expected unique ids on subsequent calls")
	}
}
