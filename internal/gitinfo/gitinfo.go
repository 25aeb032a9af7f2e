// gitinfo.go reads Git metadata of the source tree to stamp image labels.
package gitinfo

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Head returns the current git commit hash of the repository containing dir
// and whether its worktree is dirty.
func Head(ctx context.Context, dir string) (commit string, dirty bool, err error) {
	output, err := git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", false, err
	}
	commit = strings.TrimSpace(output)
	statusOut, err := git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return commit, false, fmt.Errorf("git status: %w", err)
	}
	dirty = len(strings.TrimSpace(statusOut)) > 0
	return commit, dirty, nil
}

// Revision renders Head as a label value, suffixed with "-dirty" for
// modified worktrees. It returns "" when dir is not in a repository.
func Revision(ctx context.Context, dir string) string {
	commit, dirty, err := Head(ctx, dir)
	if err != nil || commit == "" {
		return ""
	}
	if dirty {
		return commit + "-dirty"
	}
	return commit
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	return string(out), err
}
