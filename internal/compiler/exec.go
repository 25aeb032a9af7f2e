package compiler

import (
	"context"
	"io"

	"github.com/example/kiln/internal/command"
	"github.com/example/kiln/internal/manifest"
)

// Default command templates for Python-style wheel builds.
const (
	DefaultResolveCommand = "pip download --no-deps --no-binary :all: --dest {out} {requirement}"
	DefaultCompileCommand = "pip wheel --no-deps --wheel-dir {out} {src}"
)

// ExecResolver delegates resolution to an external resolver command.
// Templates may use {requirement}, {name} and {out}.
type ExecResolver struct {
	Command command.Template
	Runner  command.Runner
	Output  io.Writer
}

func (r ExecResolver) Resolve(ctx context.Context, entry manifest.Entry, dir string) error {
	argv, err := r.Command.Expand(map[string][]string{
		"requirement": {entry.String()},
		"name":        {entry.Name},
		"out":         {dir},
	})
	if err != nil {
		return err
	}
	return runner(r.Runner).Run(ctx, argv, command.RunOptions{Dir: dir, Stdout: r.Output})
}

// ExecBuilder compiles a resolved distribution with an external command.
// Templates may use {src}, {out}, {name} and {requirement}.
type ExecBuilder struct {
	Command command.Template
	Runner  command.Runner
	Output  io.Writer
}

func (b ExecBuilder) Build(ctx context.Context, entry manifest.Entry, src, outDir string) error {
	argv, err := b.Command.Expand(map[string][]string{
		"src":         {src},
		"out":         {outDir},
		"name":        {entry.Name},
		"requirement": {entry.String()},
	})
	if err != nil {
		return err
	}
	return runner(b.Runner).Run(ctx, argv, command.RunOptions{Dir: outDir, Stdout: b.Output})
}

func runner(r command.Runner) command.Runner {
	if r == nil {
		return command.ExecRunner{}
	}
	return r
}
