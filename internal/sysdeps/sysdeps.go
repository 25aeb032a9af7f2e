// Package sysdeps classifies and installs distribution-level system packages.
package sysdeps

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/example/kiln/internal/command"
)

// Set is a sorted, de-duplicated list of package names.
type Set []string

// NewSet normalizes names into a Set.
func NewSet(names ...string) Set {
	seen := make(map[string]struct{}, len(names))
	out := make(Set, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether name is in s.
func (s Set) Contains(name string) bool {
	i := sort.SearchStrings(s, name)
	return i < len(s) && s[i] == name
}

// Intersect returns names present in both sets.
func (s Set) Intersect(other Set) Set {
	var out Set
	for _, n := range s {
		if other.Contains(n) {
			out = append(out, n)
		}
	}
	return out
}

var toolchainNames = map[string]struct{}{
	"build-essential": {},
	"gcc":             {},
	"g++":             {},
	"cpp":             {},
	"clang":           {},
	"llvm":            {},
	"make":            {},
	"cmake":           {},
	"ninja-build":     {},
	"autoconf":        {},
	"automake":        {},
	"libtool":         {},
	"pkg-config":      {},
	"pkgconf":         {},
	"binutils":        {},
	"gfortran":        {},
	"rustc":           {},
	"cargo":           {},
	"musl-dev":        {},
	"libc6-dev":       {},
	"linux-headers":   {},
	"build-base":      {},
}

var toolchainPrefixes = []string{"gcc-", "g++-", "clang-", "llvm-", "binutils-", "linux-headers-"}

// IsToolchain reports whether name is a compiler, build tool, or header
// package that must never reach a runtime image.
func IsToolchain(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if base, _, ok := strings.Cut(name, "="); ok {
		name = base
	}
	if _, ok := toolchainNames[name]; ok {
		return true
	}
	if strings.HasSuffix(name, "-dev") || strings.HasSuffix(name, "-devel") {
		return true
	}
	for _, p := range toolchainPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Toolchain returns the toolchain members of s.
func (s Set) Toolchain() Set {
	var out Set
	for _, n := range s {
		if IsToolchain(n) {
			out = append(out, n)
		}
	}
	return out
}

// CheckRuntime fails when a runtime package list includes toolchain packages.
func CheckRuntime(pkgs Set) error {
	if bad := pkgs.Toolchain(); len(bad) > 0 {
		return fmt.Errorf("runtime packages include build toolchain: %s", strings.Join(bad, ", "))
	}
	return nil
}

// Installer installs system packages into a stage root directory.
type Installer interface {
	Install(ctx context.Context, root string, pkgs Set) error
}

// ExecInstaller runs a package manager command template. The template may
// use {root} and {packages}.
type ExecInstaller struct {
	Command command.Template
	Runner  command.Runner
	Output  io.Writer
}

func (i ExecInstaller) Install(ctx context.Context, root string, pkgs Set) error {
	if len(pkgs) == 0 {
		return nil
	}
	argv, err := i.Command.Expand(map[string][]string{
		"root":     {root},
		"packages": pkgs,
	})
	if err != nil {
		return err
	}
	runner := i.Runner
	if runner == nil {
		runner = command.ExecRunner{}
	}
	return runner.Run(ctx, argv, command.RunOptions{Dir: root, Stdout: i.Output})
}

// RecordOnly accepts every package without touching the filesystem. It is
// used when the base layer already carries the packages, so only the
// package database is updated.
type RecordOnly struct{}

func (RecordOnly) Install(context.Context, string, Set) error {
	return nil
}
