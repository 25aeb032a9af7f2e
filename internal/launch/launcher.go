package launch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/identity"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// DefaultGracePeriod bounds how long a terminated server may take to exit
// before it is killed.
const DefaultGracePeriod = 30 * time.Second

// Process is a started server process.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Wait() error
}

// Starter starts the server process.
type Starter interface {
	Start(argv []string, env []string, dir string, id identity.Identity) (Process, error)
}

// Launcher runs pre-launch checks and supervises the serving process until
// it exits or the context is cancelled.
type Launcher struct {
	Starter     Starter
	Logger      logr.Logger
	GracePeriod time.Duration
	// Root prefixes directory checks; empty means the real filesystem root.
	Root string
	// StatOwner overrides how directory ownership is read.
	StatOwner func(os.FileInfo) (uid int, ok bool)
	// LookPath overrides command resolution.
	LookPath func(string) (string, error)
}

// ExitStatusError carries the server's nonzero exit status.
type ExitStatusError struct {
	Code int
	Err  error
}

func (e *ExitStatusError) Error() string {
	return fmt.Sprintf("server exited with status %d", e.Code)
}

func (e *ExitStatusError) Unwrap() error { return e.Err }

// ExitStatus reports the code for failure.ExitCode.
func (e *ExitStatusError) ExitStatus() int { return e.Code }

// Preflight runs the pre-launch checks and returns the resolved command path.
func (l *Launcher) Preflight(spec ProcessSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", failure.Launch("process spec", err)
	}
	if err := l.checkDirs(spec); err != nil {
		return "", err
	}
	ln, err := net.Listen("tcp", spec.Addr())
	if err != nil {
		return "", failure.Launch(spec.Addr(), err)
	}
	if err := ln.Close(); err != nil {
		return "", failure.Launch(spec.Addr(), err)
	}
	lookPath := l.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	bin, err := lookPath(spec.Command)
	if err != nil {
		return "", failure.Launch(spec.Command, err)
	}
	return bin, nil
}

func (l *Launcher) checkDirs(spec ProcessSpec) error {
	statOwner := l.StatOwner
	if statOwner == nil {
		statOwner = fileOwner
	}
	for _, d := range spec.Dirs {
		host := filepath.Join(l.Root, filepath.FromSlash(d))
		fi, err := os.Stat(host)
		if err != nil {
			return failure.Launch(d, fmt.Errorf("required directory missing: %w", err))
		}
		if !fi.IsDir() {
			return failure.Launch(d, errors.New("required path is not a directory"))
		}
		if uid, ok := statOwner(fi); ok && uid != spec.Identity.UID {
			return failure.Launch(d, fmt.Errorf("owned by uid %d, want %d", uid, spec.Identity.UID))
		}
	}
	return nil
}

// Run checks, starts and supervises the server. A server that exits 0, or
// exits after the context asked it to stop, is a graceful shutdown.
func (l *Launcher) Run(ctx context.Context, spec ProcessSpec) error {
	bin, err := l.Preflight(spec)
	if err != nil {
		return err
	}
	argv := spec.Argv()
	argv[0] = bin
	starter := l.Starter
	if starter == nil {
		starter = ExecStarter{}
	}
	dir := spec.WorkDir
	if l.Root != "" && dir != "" {
		dir = filepath.Join(l.Root, filepath.FromSlash(dir))
	}
	proc, err := starter.Start(argv, spec.Env.Environ(), dir, spec.Identity)
	if err != nil {
		return failure.Launch(spec.EntryPoint, err)
	}
	log := l.Logger
	log.Info("server started", "pid", proc.Pid(), "bind", spec.Addr(), "workers", spec.Workers, "timeout", spec.Timeout.String(), "entrypoint", spec.EntryPoint)

	grace := l.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	done := make(chan struct{})
	var waitErr error
	stopping := false
	g := new(errgroup.Group)
	g.Go(func() error {
		defer close(done)
		waitErr = proc.Wait()
		return nil
	})
	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
		}
		stopping = true
		log.Info("stopping server", "pid", proc.Pid(), "grace", grace.String())
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			log.V(1).Info("signal failed", "error", err.Error())
		}
		select {
		case <-done:
		case <-time.After(grace):
			log.Info("grace period elapsed, killing server", "pid", proc.Pid())
			_ = proc.Signal(os.Kill)
		}
		return nil
	})
	_ = g.Wait()

	if waitErr == nil {
		log.Info("server exited")
		return nil
	}
	if stopping {
		log.Info("server stopped", "reason", waitErr.Error())
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() > 0 {
		return failure.Launch(spec.EntryPoint, &ExitStatusError{Code: exitErr.ExitCode(), Err: waitErr})
	}
	return failure.Launch(spec.EntryPoint, waitErr)
}

// ExecStarter starts processes with os/exec, switching to the identity when
// running as root.
type ExecStarter struct{}

func (ExecStarter) Start(argv []string, env []string, dir string, id identity.Identity) (Process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = nil
	applyCredential(cmd, id)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p execProcess) Wait() error                { return p.cmd.Wait() }
