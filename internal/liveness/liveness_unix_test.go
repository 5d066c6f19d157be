//go:build unix

package liveness

import (
	"context"
	"os"
	"os/exec"
	"testing"
)

func TestSignalProbeDetectsExitedChild(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run helper process: %v", err)
	}
	pid := cmd.Process.Pid
	ctx := context.Background()
	if (Signal{}).Alive(ctx, pid) {
		t.Fatalf("reaped child %d reported alive", pid)
	}
	if !(Signal{}).Alive(ctx, os.Getpid()) {
		t.Fatal("signal probe reports current process dead")
	}
}
