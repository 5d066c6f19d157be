// Package pathutil expands user-supplied filesystem paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR tokens and a leading "~" in p and returns the
// absolute path. An empty p stays empty.
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		switch {
		case len(p) == 1:
			p = home
		case p[1] == '/' || p[1] == '\\':
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}
