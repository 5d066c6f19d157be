package workerconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/sessiond/internal/remote"
)

const sample = `
workers:
  - id: w1
    identity: shop.account
    password: hunter2
    client: sim
    targets: [brand_a, brand_b]
    main_account: shop.main
    messages:
      - "Hi {name}, have a look at {main_account}"
    limits:
      like: 10
    min_delay: 60s
    max_delay: 2m
    interaction_mode: likers
    proxy:
      enabled: true
      type: socks5
      host: 127.0.0.1
      port: 1080
  - id: w2
    identity: second
    targets: [brand_c]
    filters:
      min_followers: 10
      skip_verified: true
`

func TestParseAppliesDefaults(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	w1, ok := f.Lookup("w1")
	if !ok {
		t.Fatal("w1 missing")
	}
	if w1.Limits.Like != 10 || w1.Limits.Follow != 4 {
		t.Fatalf("limits = %+v", w1.Limits)
	}
	if w1.MinDelay != time.Minute || w1.MaxDelay != 2*time.Minute {
		t.Fatalf("delay = %s..%s", w1.MinDelay, w1.MaxDelay)
	}
	if !w1.WantsLikers() || w1.WantsCommenters() {
		t.Fatal("likers mode misread")
	}
	if w1.EffectiveFilters() != DefaultFilters() {
		t.Fatal("omitted filters should default")
	}
	w2, _ := f.Lookup("w2")
	if w2.PostsToLike != DefaultPostsToLike || w2.PostsToAnalyze != DefaultPostsToAnalyze || w2.InteractionMode != ModeBoth {
		t.Fatalf("w2 defaults = %+v", w2)
	}
	if w2.ClientKind != remote.KindSim || w2.MinDelay != DefaultMinDelay {
		t.Fatalf("w2 client/delay = %q %s", w2.ClientKind, w2.MinDelay)
	}
	if got := w2.EffectiveFilters(); got.MinFollowers != 10 || !got.SkipVerified || got.MaxFollowers != 0 {
		t.Fatalf("w2 filters = %+v", got)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("workers:\n  - id: w\n    identity: a\n    targets: [x]\n    posts_to_lke: 3\n"))
	if err == nil || !strings.Contains(err.Error(), "posts_to_lke") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsMissingRequired(t *testing.T) {
	_, err := Parse(strings.NewReader("workers:\n  - id: w\n    client: sim\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"identity is required", "targets"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestParseRejectsDuplicateIdentity(t *testing.T) {
	doc := "workers:\n  - {id: a, identity: same, targets: [x]}\n  - {id: b, identity: same, targets: [y]}\n"
	_, err := Parse(strings.NewReader(doc))
	if err == nil || !strings.Contains(err.Error(), "already used") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"mode":   "workers:\n  - {id: a, identity: i, targets: [x], interaction_mode: stories}\n",
		"delay":  "workers:\n  - {id: a, identity: i, targets: [x], min_delay: 10m, max_delay: 1m}\n",
		"socks4": "workers:\n  - {id: a, identity: i, targets: [x], proxy: {enabled: true, type: socks4, host: h, port: 1}}\n",
		"pw":     "workers:\n  - {id: a, identity: i, targets: [x], client: other}\n",
		"empty":  "",
	}
	for name, doc := range cases {
		if _, err := Parse(strings.NewReader(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestFiltersMatch(t *testing.T) {
	f := DefaultFilters()
	good := remote.Profile{Followers: 500, Following: 300, Posts: 20, HasProfilePic: true}
	if ok, reason := f.Match(good); !ok {
		t.Fatalf("good profile rejected: %s", reason)
	}
	cases := map[string]remote.Profile{
		"followers":   {Followers: 10, Following: 300, Posts: 20, HasProfilePic: true},
		"following":   {Followers: 500, Following: 9000, Posts: 20, HasProfilePic: true},
		"posts":       {Followers: 500, Following: 300, Posts: 1, HasProfilePic: true},
		"profile_pic": {Followers: 500, Following: 300, Posts: 20},
		"private":     {Followers: 500, Following: 300, Posts: 20, HasProfilePic: true, Private: true},
	}
	for want, p := range cases {
		if ok, reason := f.Match(p); ok || reason != want {
			t.Errorf("Match(%+v) = %v %q, want reject %q", p, ok, reason, want)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := Load(path)
	if err != nil || len(f.Workers) != 2 {
		t.Fatalf("Load = %v, %v", f, err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}
