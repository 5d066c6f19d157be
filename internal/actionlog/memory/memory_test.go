package memory

import (
	"testing"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/actionlog/actionlogtest"
)

func TestMemoryLog(t *testing.T) {
	actionlogtest.Run(t, func(t *testing.T) actionlog.Log { return New(nil) })
}
