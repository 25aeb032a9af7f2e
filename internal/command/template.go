// Package command expands and runs the external command templates used for
// resolvers and installers.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/mattn/go-shellwords"
)

var placeholderRE = regexp.MustCompile(`\{[a-z][a-z_]*\}`)

// Template is a parsed command line with {placeholder} tokens.
type Template struct {
	raw  string
	args []string
}

// Parse splits raw with shell quoting rules.
func Parse(raw string) (Template, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Template{}, errors.New("command template is empty")
	}
	args, err := shellwords.Parse(raw)
	if err != nil {
		return Template{}, fmt.Errorf("parse command %q: %w", raw, err)
	}
	if len(args) == 0 {
		return Template{}, fmt.Errorf("command %q has no arguments", raw)
	}
	return Template{raw: raw, args: args}, nil
}

// MustParse is Parse for package-level defaults.
func MustParse(raw string) Template {
	t, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return t
}

func (t Template) String() string {
	return t.raw
}

// IsZero reports whether the template was never parsed.
func (t Template) IsZero() bool {
	return len(t.args) == 0
}

// Expand substitutes vars. An argument that is exactly "{name}" expands to
// every value of name (possibly none); embedded placeholders are joined
// with spaces.
func (t Template) Expand(vars map[string][]string) ([]string, error) {
	out := make([]string, 0, len(t.args))
	for _, arg := range t.args {
		if arg != "" && placeholderRE.FindString(arg) == arg {
			key := arg[1 : len(arg)-1]
			vals, ok := vars[key]
			if !ok {
				return nil, fmt.Errorf("command %q: unknown placeholder {%s}", t.raw, key)
			}
			out = append(out, vals...)
			continue
		}
		expanded := arg
		for key, vals := range vars {
			expanded = strings.ReplaceAll(expanded, "{"+key+"}", strings.Join(vals, " "))
		}
		if m := placeholderRE.FindString(expanded); m != "" {
			return nil, fmt.Errorf("command %q: unknown placeholder %s", t.raw, m)
		}
		out = append(out, expanded)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("command %q expanded to nothing", t.raw)
	}
	return out, nil
}

// Runner executes an expanded argv.
type Runner interface {
	Run(ctx context.Context, argv []string, opts RunOptions) error
}

// RunOptions configures one command execution.
type RunOptions struct {
	Dir    string
	Env    []string
	Stdout io.Writer
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes argv, returning an *ExitError carrying the tail of the
// combined output on failure.
func (ExecRunner) Run(ctx context.Context, argv []string, opts RunOptions) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("command %s not found: %w", argv[0], err)
	}
	cmd := exec.CommandContext(ctx, bin, argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	var tail tailBuffer
	tail.limit = 4096
	if opts.Stdout != nil {
		cmd.Stdout = io.MultiWriter(opts.Stdout, &tail)
		cmd.Stderr = io.MultiWriter(opts.Stdout, &tail)
	} else {
		cmd.Stdout = &tail
		cmd.Stderr = &tail
	}
	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &ExitError{Argv: argv, Code: code, Output: strings.TrimSpace(tail.String()), Err: err}
	}
	return nil
}

// ExitError reports a failed external command.
type ExitError struct {
	Argv   []string
	Code   int
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Argv[0], e.Code)
	if e.Output != "" {
		msg += ": " + lastLine(e.Output)
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; t.limit > 0 && over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
