// Package provision creates the writable directories the application
// expects to exist at runtime.
package provision

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/stage"
	"github.com/go-logr/logr"
)

// Default runtime directories: transient media work space and collected
// static assets.
const (
	DefaultMediaDir  = "/app/tmp"
	DefaultStaticDir = "/app/staticfiles"
)

// DefaultDirs returns the directories provisioned when none are configured.
func DefaultDirs() []string {
	return []string{DefaultMediaDir, DefaultStaticDir}
}

// Dir records one provisioned path and whether it had to be created.
type Dir struct {
	Path    string
	Created bool
}

// Provision creates each absolute image path in dirs, including parents.
// Existing directories are left untouched.
func Provision(log logr.Logger, st *stage.Stage, dirs []string) ([]Dir, error) {
	out := make([]Dir, 0, len(dirs))
	seen := map[string]struct{}{}
	for _, raw := range dirs {
		p := strings.TrimSpace(raw)
		if !path.IsAbs(p) {
			return nil, failure.Provision(raw, fmt.Errorf("path must be absolute"))
		}
		p = path.Clean(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		host, err := st.Path(p)
		if err != nil {
			return nil, failure.Provision(p, err)
		}
		created := false
		info, err := os.Lstat(host)
		switch {
		case err == nil && info.Mode()&os.ModeSymlink != 0:
			return nil, failure.Provision(p, fmt.Errorf("is a symlink"))
		case err == nil && !info.IsDir():
			return nil, failure.Provision(p, fmt.Errorf("exists and is not a directory"))
		case err == nil:
		case os.IsNotExist(err):
			if err := st.MkdirAll(p, 0o755); err != nil {
				return nil, failure.Provision(p, err)
			}
			created = true
		default:
			return nil, failure.Provision(p, err)
		}
		log.V(1).Info("directory provisioned", "path", p, "created", created)
		out = append(out, Dir{Path: p, Created: created})
	}
	return out, nil
}

// Paths extracts the image paths from dirs.
func Paths(dirs []Dir) []string {
	out := make([]string, len(dirs))
	for i, d := range dirs {
		out[i] = d.Path
	}
	return out
}
