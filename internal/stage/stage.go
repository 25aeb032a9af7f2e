// Package stage models an isolated filesystem snapshot that one pipeline
// phase builds into. A build stage holds the toolchain and produced
// artifacts; the runtime stage becomes the deployable image.
package stage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Well-known image paths inside every stage.
const (
	StateDir     = "/var/lib/kiln"
	PackageDB    = StateDir + "/status.json"
	PromotedDir  = StateDir + "/promoted"
	ArtifactsDir = "/artifacts"
)

// ErrDiscarded is returned when a discarded stage is used.
var ErrDiscarded = errors.New("stage has been discarded")

// Owner is a numeric uid/gid pair recorded for image paths.
type Owner struct {
	UID int `json:"uid"`
	GID int `json:"gid"`
}

// Root is the privileged owner every stage starts with.
var Root = Owner{}

// Stage is a named directory standing in for one image filesystem.
type Stage struct {
	Name string
	Root string

	mu        sync.Mutex
	discarded bool
	effective Owner
	owners    map[string]Owner
}

// New creates an empty stage directory under workspace.
func New(workspace, name string) (*Stage, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("stage name is required")
	}
	if strings.TrimSpace(workspace) == "" {
		return nil, errors.New("workspace is required")
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	root, err := os.MkdirTemp(workspace, name+"-")
	if err != nil {
		return nil, fmt.Errorf("create stage %s: %w", name, err)
	}
	return &Stage{Name: name, Root: root, owners: map[string]Owner{}}, nil
}

// Path maps an absolute image path into the stage root. Paths escaping the
// root, including through a symlinked parent directory, are rejected.
func (s *Stage) Path(imagePath string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	slashed := filepath.ToSlash(imagePath)
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", fmt.Errorf("path %q escapes stage %s", imagePath, s.Name)
		}
	}
	clean := path.Clean("/" + slashed)
	if err := s.checkParents(clean); err != nil {
		return "", err
	}
	return filepath.Join(s.Root, filepath.FromSlash(clean)), nil
}

// checkParents fails when an existing parent of clean is a symlink. The
// final element may be a link; writers check it with checkTarget.
func (s *Stage) checkParents(clean string) error {
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	cur := s.Root
	for i := 0; i < len(parts)-1; i++ {
		cur = filepath.Join(cur, parts[i])
		fi, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("path %q traverses symlink /%s in stage %s", clean, path.Join(parts[:i+1]...), s.Name)
		}
		if !fi.IsDir() {
			return nil
		}
	}
	return nil
}

func checkTarget(host, imagePath string) error {
	fi, err := os.Lstat(host)
	if err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		return fmt.Errorf("refusing to write through symlink %s", imagePath)
	}
	return nil
}

// ImagePath converts a host path inside the root back to an image path.
func (s *Stage) ImagePath(hostPath string) (string, error) {
	rel, err := filepath.Rel(s.Root, hostPath)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside stage %s", hostPath, s.Name)
	}
	return path.Clean("/" + filepath.ToSlash(rel)), nil
}

// MkdirAll creates an image directory and records it under the effective owner.
func (s *Stage) MkdirAll(imagePath string, perm fs.FileMode) error {
	host, err := s.Path(imagePath)
	if err != nil {
		return err
	}
	if err := checkTarget(host, imagePath); err != nil {
		return err
	}
	if err := os.MkdirAll(host, perm); err != nil {
		return err
	}
	s.recordWrite(imagePath)
	return nil
}

// WriteFile writes an image file, creating parents, under the effective owner.
func (s *Stage) WriteFile(imagePath string, data []byte, perm fs.FileMode) error {
	host, err := s.Path(imagePath)
	if err != nil {
		return err
	}
	if err := checkTarget(host, imagePath); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(host, data, perm); err != nil {
		return err
	}
	s.recordWrite(imagePath)
	return nil
}

// ReadFile reads an image file.
func (s *Stage) ReadFile(imagePath string) ([]byte, error) {
	host, err := s.Path(imagePath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(host)
}

// CopyFile copies a host file into the stage.
func (s *Stage) CopyFile(src, imagePath string, perm fs.FileMode) error {
	host, err := s.Path(imagePath)
	if err != nil {
		return err
	}
	if err := checkTarget(host, imagePath); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return err
	}
	if err := copyFile(src, host, perm); err != nil {
		return err
	}
	s.recordWrite(imagePath)
	return nil
}

func (s *Stage) recordWrite(imagePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.effective == Root {
		return
	}
	s.owners[path.Clean("/"+filepath.ToSlash(imagePath))] = s.effective
}

// SetEffective switches the owner for every later write into the stage.
// Once a non-root owner is set the stage cannot return to root.
func (s *Stage) SetEffective(o Owner) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.effective != Root && o == Root {
		return errors.New("cannot re-escalate a de-escalated stage to root")
	}
	s.effective = o
	return nil
}

// Effective returns the owner later writes are attributed to.
func (s *Stage) Effective() Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effective
}

// Chown records ownership of imagePath.
func (s *Stage) Chown(imagePath string, o Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[path.Clean("/"+filepath.ToSlash(imagePath))] = o
}

// OwnerOf returns the recorded owner of imagePath, defaulting to root.
func (s *Stage) OwnerOf(imagePath string) Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.owners[path.Clean("/"+filepath.ToSlash(imagePath))]; ok {
		return o
	}
	return Root
}

// Walk visits every entry under the stage root in lexical order, passing
// image paths. The root itself is skipped.
func (s *Stage) Walk(fn func(imagePath, hostPath string, d fs.DirEntry) error) error {
	if err := s.check(); err != nil {
		return err
	}
	return filepath.WalkDir(s.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == s.Root {
			return nil
		}
		ip, err := s.ImagePath(p)
		if err != nil {
			return err
		}
		return fn(ip, p, d)
	})
}

// Files lists regular-file image paths under dir, sorted.
func (s *Stage) Files(dir string) ([]string, error) {
	host, err := s.Path(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(host, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			ip, err := s.ImagePath(p)
			if err != nil {
				return err
			}
			out = append(out, ip)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Discard removes the stage from disk.
func (s *Stage) Discard() error {
	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return nil
	}
	s.discarded = true
	s.mu.Unlock()
	return os.RemoveAll(s.Root)
}

// Discarded reports whether Discard has run.
func (s *Stage) Discarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

func (s *Stage) check() error {
	if s == nil {
		return errors.New("stage is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded {
		return fmt.Errorf("%s: %w", s.Name, ErrDiscarded)
	}
	return nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
