package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SESSIOND_TEST_DIR", "/srv/sessiond")

	cases := map[string]string{
		"":                            "",
		"~":                           home,
		"~/workers.yaml":              filepath.Join(home, "workers.yaml"),
		"$SESSIOND_TEST_DIR/locks":    "/srv/sessiond/locks",
		"${SESSIOND_TEST_DIR}/a/../b": "/srv/sessiond/b",
	}
	for in, want := range cases {
		got, err := Expand(in)
		if err != nil {
			t.Fatalf("Expand(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Expand(%q) = %q, want %q", in, got, want)
		}
	}
	rel, err := Expand("relative/file")
	if err != nil || !filepath.IsAbs(rel) {
		t.Fatalf("relative path = %q, %v", rel, err)
	}
}
