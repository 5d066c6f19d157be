package remote

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"pkt.systems/sessiond/internal/clock"
)

func TestNewRejectsUnknownKind(t *testing.T) {
	if _, err := New("instagrapi"); err == nil {
		t.Fatal("expected unsupported kind error")
	}
	c, err := New("SIM")
	if err != nil {
		t.Fatalf("New(sim): %v", err)
	}
	if _, ok := c.(*Sim); !ok {
		t.Fatalf("New(sim) returned %T", c)
	}
}

func TestSimIsDeterministic(t *testing.T) {
	ctx := context.Background()
	a, b := NewSim(), NewSim()
	pa, err := a.FetchProfile(ctx, "target")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	pb, _ := b.FetchProfile(ctx, "target")
	if pa != pb {
		t.Fatalf("profiles differ: %+v vs %+v", pa, pb)
	}
	posts, err := a.FetchRecentPosts(ctx, pa.UserID, 3)
	if err != nil || len(posts) != 3 {
		t.Fatalf("posts = %v, %v", posts, err)
	}
	if !posts[0].TakenAt.After(posts[1].TakenAt) {
		t.Fatal("posts must be newest first")
	}
	la, _ := a.FetchLikers(ctx, posts[0].ID)
	lb, _ := b.FetchLikers(ctx, posts[0].ID)
	if len(la) == 0 || la[0] != lb[0] {
		t.Fatalf("likers differ: %v vs %v", la, lb)
	}
}

func TestSimScriptedFailures(t *testing.T) {
	ctx := context.Background()
	s := NewSim()
	boom := errors.New("feedback_required: please wait")
	s.FailNext("like", boom)
	if err := s.Like(ctx, "p1"); !errors.Is(err, boom) {
		t.Fatalf("first like err = %v", err)
	}
	if err := s.Like(ctx, "p1"); err != nil {
		t.Fatalf("second like err = %v", err)
	}
	if got := s.CountCalls("like"); got != 2 {
		t.Fatalf("like calls = %d", got)
	}
}

func TestSimLoginReusesSession(t *testing.T) {
	s := NewSim()
	blob, err := s.Login(context.Background(), Credentials{Username: "acct", Password: "pw"})
	if err != nil || len(blob) == 0 {
		t.Fatalf("login = %q, %v", blob, err)
	}
	again, err := s.Login(context.Background(), Credentials{Username: "acct", Session: blob})
	if err != nil || !bytes.Equal(again, blob) {
		t.Fatalf("session not reused")
	}
	if _, err := s.Login(context.Background(), Credentials{}); err == nil || !strings.Contains(err.Error(), "login_required") {
		t.Fatalf("empty login err = %v", err)
	}
}

func TestProfileFirstName(t *testing.T) {
	if got := (Profile{Username: "jdoe", FullName: "Jane Doe"}).FirstName(); got != "Jane" {
		t.Fatalf("FirstName = %q", got)
	}
	if got := (Profile{Username: "jdoe"}).FirstName(); got != "jdoe" {
		t.Fatalf("FirstName fallback = %q", got)
	}
}

func TestSessionStoreLifecycle(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(time.Now().UTC())
	store, err := NewSessionStore(dir, clk)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	blob := bytes.Repeat([]byte("s"), SessionMinSize+10)
	if err := store.Save("alice smith", blob); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := store.Load("alice smith")
	if err != nil || !ok || !bytes.Equal(got, blob) {
		t.Fatalf("Load = %d bytes, %v, %v", len(got), ok, err)
	}
	clk.Advance(SessionMaxAge + time.Minute)
	if _, ok, err := store.Load("alice smith"); err != nil || ok {
		t.Fatalf("expired Load = %v, %v", ok, err)
	}
	path, _ := store.Path("alice smith")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expired session not removed: %v", err)
	}
}

func TestSessionStoreDiscardsTruncated(t *testing.T) {
	store, err := NewSessionStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	if err := store.Save("bob", []byte("short")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok, err := store.Load("bob"); err != nil || ok {
		t.Fatalf("truncated Load = %v, %v", ok, err)
	}
	if err := store.Delete("bob"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if _, err := store.Path("../escape"); err == nil {
		t.Fatal("expected invalid identity")
	}
}
