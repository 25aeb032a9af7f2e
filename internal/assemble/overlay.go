package assemble

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/example/kiln/internal/stage"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

// DefaultIgnoreFiles are consulted in order when no ignore file is configured.
var DefaultIgnoreFiles = []string{".kilnignore", ".dockerignore"}

// always excluded from the overlay
var skippedDirs = map[string]struct{}{".git": {}, ".hg": {}, ".svn": {}}

// Overlay copies the source tree at srcDir into workDir of st, honoring
// ignore patterns. It returns the number of files copied.
func Overlay(st *stage.Stage, srcDir, workDir, ignoreFile string) (int, error) {
	srcAbs, err := filepath.Abs(srcDir)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(srcAbs)
	if err != nil {
		return 0, fmt.Errorf("source tree: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("source tree %s is not a directory", srcDir)
	}
	matcher, err := loadIgnore(srcAbs, ignoreFile)
	if err != nil {
		return 0, err
	}
	if err := st.MkdirAll(workDir, 0o755); err != nil {
		return 0, err
	}
	count := 0
	err = filepath.WalkDir(srcAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == srcAbs {
			return nil
		}
		rel, err := filepath.Rel(srcAbs, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if _, skip := skippedDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
		}
		ignored, err := matcher.MatchesOrParentMatches(rel)
		if err != nil {
			return err
		}
		if ignored {
			if d.IsDir() && !matcher.Exclusions() {
				return filepath.SkipDir
			}
			return nil
		}
		target := path.Join(workDir, rel)
		switch {
		case d.IsDir():
			return st.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			host, err := st.Path(target)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
				return err
			}
			_ = os.Remove(host)
			if err := os.Symlink(link, host); err != nil {
				return err
			}
			count++
			return nil
		case d.Type().IsRegular():
			fi, err := d.Info()
			if err != nil {
				return err
			}
			if err := st.CopyFile(p, target, fi.Mode().Perm()); err != nil {
				return err
			}
			count++
			return nil
		default:
			return nil
		}
	})
	return count, err
}

func loadIgnore(srcAbs, ignoreFile string) (*patternmatcher.PatternMatcher, error) {
	candidates := DefaultIgnoreFiles
	if strings.TrimSpace(ignoreFile) != "" {
		candidates = []string{ignoreFile}
	}
	var patterns []string
	for _, name := range candidates {
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(srcAbs, name)
		}
		f, err := os.Open(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		patterns, err = ignorefile.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		break
	}
	return patternmatcher.New(patterns)
}
