package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultGeneration  = "docsdash-cache-v1"
	DefaultOfflinePage = "/static/offline.html"
	AppShell           = "/"
)

// Manifest is the ordered list of origin paths that make up the app shell.
type Manifest []string

// DefaultManifest is the records UI shell.
func DefaultManifest() Manifest {
	return Manifest{
		"/",
		"/static/css/main.css",
		"/static/js/main.js",
		"/static/images/logo.png",
		DefaultOfflinePage,
	}
}

var ErrInvalidManifest = errors.New("lifecycle: invalid manifest")

// Validate checks that every entry is an absolute path, that there are no
// duplicates, and that the shell and offlinePage are present.
func (m Manifest) Validate(offlinePage string) error {
	seen := make(map[string]struct{}, len(m))
	for _, p := range m {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: %q is not an absolute path", ErrInvalidManifest, p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate %q", ErrInvalidManifest, p)
		}
		seen[p] = struct{}{}
	}
	if _, ok := seen[AppShell]; !ok {
		return fmt.Errorf("%w: missing app shell %q", ErrInvalidManifest, AppShell)
	}
	if _, ok := seen[offlinePage]; !ok {
		return fmt.Errorf("%w: missing offline page %q", ErrInvalidManifest, offlinePage)
	}
	return nil
}
