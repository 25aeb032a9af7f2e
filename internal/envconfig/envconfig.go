// Package envconfig builds the fixed, write-once process environment handed
// to the launched server.
package envconfig

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Recognized keys.
const (
	KeyNoBytecodeCache  = "NO_BYTECODE_CACHE"
	KeyUnbufferedOutput = "UNBUFFERED_OUTPUT"
	KeySettingsModule   = "SETTINGS_MODULE"
)

var (
	reserved = map[string]struct{}{
		KeyNoBytecodeCache:  {},
		KeyUnbufferedOutput: {},
		KeySettingsModule:   {},
	}
	keyRE    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	moduleRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// Options selects the environment to build.
type Options struct {
	NoBytecodeCache  bool
	UnbufferedOutput bool
	SettingsModule   string
	// EnvFile optionally adds application keys at assembly time.
	EnvFile string
	Extra   map[string]string
}

// DefaultOptions enables both behavior flags for settingsModule.
func DefaultOptions(settingsModule string) Options {
	return Options{NoBytecodeCache: true, UnbufferedOutput: true, SettingsModule: settingsModule}
}

// Environment is an immutable set of process variables.
type Environment struct {
	vars map[string]string
}

// New validates opts and freezes the resulting environment.
func New(opts Options) (Environment, error) {
	module := strings.TrimSpace(opts.SettingsModule)
	if module == "" {
		return Environment{}, errors.New("settings module is required")
	}
	if !moduleRE.MatchString(module) {
		return Environment{}, fmt.Errorf("invalid settings module %q", module)
	}
	vars := map[string]string{KeySettingsModule: module}
	if opts.NoBytecodeCache {
		vars[KeyNoBytecodeCache] = "1"
	}
	if opts.UnbufferedOutput {
		vars[KeyUnbufferedOutput] = "1"
	}
	extra := map[string]string{}
	if strings.TrimSpace(opts.EnvFile) != "" {
		fromFile, err := godotenv.Read(opts.EnvFile)
		if err != nil {
			return Environment{}, fmt.Errorf("read env file %s: %w", opts.EnvFile, err)
		}
		for k, v := range fromFile {
			extra[k] = v
		}
	}
	for k, v := range opts.Extra {
		extra[k] = v
	}
	for k, v := range extra {
		if _, ok := reserved[k]; ok {
			return Environment{}, fmt.Errorf("%s is managed by kiln and cannot be overridden", k)
		}
		if !keyRE.MatchString(k) {
			return Environment{}, fmt.Errorf("invalid environment key %q", k)
		}
		vars[k] = v
	}
	return Environment{vars: vars}, nil
}

// FromMap rebuilds an Environment from a previously rendered map, as read
// back from a process spec.
func FromMap(m map[string]string) Environment {
	vars := make(map[string]string, len(m))
	for k, v := range m {
		vars[k] = v
	}
	return Environment{vars: vars}
}

// Get returns the value of key.
func (e Environment) Get(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Map returns a copy of the variables.
func (e Environment) Map() map[string]string {
	out := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// Environ renders sorted KEY=VALUE pairs.
func (e Environment) Environ() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}

// Len reports the number of variables.
func (e Environment) Len() int {
	return len(e.vars)
}
