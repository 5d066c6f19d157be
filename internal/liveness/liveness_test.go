package liveness

import (
	"context"
	"os"
	"testing"
)

func TestProcessProbeSeesSelf(t *testing.T) {
	ctx := context.Background()
	if !(Process{}).Alive(ctx, os.Getpid()) {
		t.Fatal("gopsutil probe reports current process dead")
	}
	if (Process{}).Alive(ctx, 0) {
		t.Fatal("pid 0 reported alive")
	}
}

func TestDefaultProbeSeesSelf(t *testing.T) {
	if !Default().Alive(context.Background(), os.Getpid()) {
		t.Fatal("default probe reports current process dead")
	}
	if Default().Alive(context.Background(), -1) {
		t.Fatal("negative pid reported alive")
	}
}

func TestStaticProber(t *testing.T) {
	p := Static(10, 20)
	ctx := context.Background()
	if !p.Alive(ctx, 10) || !p.Alive(ctx, 20) {
		t.Fatal("listed pids should be alive")
	}
	if p.Alive(ctx, 30) {
		t.Fatal("unlisted pid should be dead")
	}
}
