// Package launch defines the serving process contract and the launcher that
// starts it after pre-launch checks.
package launch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/example/kiln/internal/envconfig"
	"github.com/example/kiln/internal/identity"
)

// Fixed serving parameters. They are configuration defaults and are never
// derived from the manifest.
const (
	DefaultCommand = "serve"
	DefaultHost    = "0.0.0.0"
	DefaultPort    = 9000
	DefaultWorkers = 2
	DefaultTimeout = 120 * time.Second

	// SpecPath is where the process spec is stored inside the image.
	SpecPath = "/etc/kiln/process.json"
)

// ProcessSpec is the complete, immutable description of the serving process.
type ProcessSpec struct {
	Command    string
	Host       string
	Port       int
	Workers    int
	Timeout    time.Duration
	EntryPoint string
	WorkDir    string
	Env        envconfig.Environment
	Identity   identity.Identity
	Dirs       []string
}

// DefaultProcess returns the fixed serving configuration for entryPoint.
func DefaultProcess(entryPoint string) ProcessSpec {
	return ProcessSpec{
		Command:    DefaultCommand,
		Host:       DefaultHost,
		Port:       DefaultPort,
		Workers:    DefaultWorkers,
		Timeout:    DefaultTimeout,
		EntryPoint: entryPoint,
		WorkDir:    "/app",
		Identity:   identity.Default(),
	}
}

// Addr is the bind address host:port.
func (s ProcessSpec) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Argv renders the command line:
//
//	serve --bind 0.0.0.0:9000 --workers 2 --timeout 120 <entry-point>
func (s ProcessSpec) Argv() []string {
	return []string{
		s.Command,
		"--bind", s.Addr(),
		"--workers", strconv.Itoa(s.Workers),
		"--timeout", strconv.Itoa(int(s.Timeout / time.Second)),
		s.EntryPoint,
	}
}

// Validate checks the process spec is launchable.
func (s ProcessSpec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if net.ParseIP(s.Host) == nil {
		errs = append(errs, fmt.Errorf("bind host %q is not an IP address", s.Host))
	}
	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", s.Port))
	}
	if s.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", s.Workers))
	}
	if s.Timeout < time.Second || s.Timeout%time.Second != 0 {
		errs = append(errs, fmt.Errorf("timeout must be a whole number of seconds, got %s", s.Timeout))
	}
	if strings.TrimSpace(s.EntryPoint) == "" {
		errs = append(errs, errors.New("entry point is required"))
	}
	if err := s.Identity.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type specFile struct {
	Command        string            `json:"command"`
	Argv           []string          `json:"argv"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Workers        int               `json:"workers"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	EntryPoint     string            `json:"entryPoint"`
	WorkDir        string            `json:"workDir"`
	Env            map[string]string `json:"env"`
	Identity       identity.Identity `json:"identity"`
	Dirs           []string          `json:"dirs,omitempty"`
}

// MarshalJSON renders the stable on-disk form.
func (s ProcessSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(specFile{
		Command:        s.Command,
		Argv:           s.Argv(),
		Host:           s.Host,
		Port:           s.Port,
		Workers:        s.Workers,
		TimeoutSeconds: int(s.Timeout / time.Second),
		EntryPoint:     s.EntryPoint,
		WorkDir:        s.WorkDir,
		Env:            s.Env.Map(),
		Identity:       s.Identity,
		Dirs:           s.Dirs,
	})
}

// UnmarshalJSON reads the on-disk form.
func (s *ProcessSpec) UnmarshalJSON(raw []byte) error {
	var f specFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	*s = ProcessSpec{
		Command:    f.Command,
		Host:       f.Host,
		Port:       f.Port,
		Workers:    f.Workers,
		Timeout:    time.Duration(f.TimeoutSeconds) * time.Second,
		EntryPoint: f.EntryPoint,
		WorkDir:    f.WorkDir,
		Env:        envconfig.FromMap(f.Env),
		Identity:   f.Identity,
		Dirs:       f.Dirs,
	}
	return nil
}

// Encode renders the process spec as indented JSON.
func (s ProcessSpec) Encode() ([]byte, error) {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

// LoadSpec reads a spec file written by Encode.
func LoadSpec(path string) (ProcessSpec, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return ProcessSpec{}, err
	}
	var s ProcessSpec
	if err := json.Unmarshal(raw, &s); err != nil {
		return ProcessSpec{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return s, nil
}
