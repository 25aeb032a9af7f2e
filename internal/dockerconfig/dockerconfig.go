// Package dockerconfig reads registry credentials from Docker config files
// and exposes them as a go-containerregistry keychain.
package dockerconfig

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"
	"github.com/docker/cli/cli/config/credentials"
	"github.com/docker/cli/cli/config/types"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// DefaultServer is the key Docker uses for Docker Hub credentials.
const DefaultServer = "https://index.docker.io/v1/"

// LoadConfigFile loads a Docker config from path or falls back to the
// default config location.
func LoadConfigFile(path string, stderr io.Writer) (*configfile.ConfigFile, error) {
	if path == "" {
		cfg := config.LoadDefaultConfigFile(stderr)
		if cfg == nil {
			return nil, errors.New("unable to load docker config")
		}
		return cfg, nil
	}
	cfg := configfile.New(path)
	if data, err := os.ReadFile(path); err == nil {
		if len(data) > 0 {
			if err := cfg.LoadFromReader(bytes.NewReader(data)); err != nil {
				return nil, err
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if !cfg.ContainsAuth() {
		cfg.CredentialsStore = credentials.DetectDefaultStore(cfg.CredentialsStore)
	}
	return cfg, nil
}

// EnsureConfigDir creates the directory holding the config file at path.
func EnsureConfigDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// NormalizeServer maps Docker Hub aliases to DefaultServer.
func NormalizeServer(server string) string {
	trimmed := strings.TrimSpace(server)
	switch strings.ToLower(trimmed) {
	case "", "docker.io", "index.docker.io", "registry-1.docker.io", DefaultServer:
		return DefaultServer
	}
	return trimmed
}

// Keychain resolves credentials for a registry from cfg.
func Keychain(cfg *configfile.ConfigFile) authn.Keychain {
	return keychain{cfg: cfg}
}

// KeychainFor returns the default keychain when path is empty and a
// config-file keychain otherwise.
func KeychainFor(path string, stderr io.Writer) (authn.Keychain, error) {
	if strings.TrimSpace(path) == "" {
		return authn.DefaultKeychain, nil
	}
	cfg, err := LoadConfigFile(path, stderr)
	if err != nil {
		return nil, err
	}
	return Keychain(cfg), nil
}

type keychain struct {
	cfg *configfile.ConfigFile
}

func (k keychain) Resolve(target authn.Resource) (authn.Authenticator, error) {
	server := target.RegistryStr()
	if server == name.DefaultRegistry {
		server = DefaultServer
	}
	ac, err := k.cfg.GetAuthConfig(server)
	if err != nil {
		return nil, err
	}
	if empty(ac) {
		return authn.Anonymous, nil
	}
	return authn.FromConfig(authn.AuthConfig{
		Username:      ac.Username,
		Password:      ac.Password,
		Auth:          ac.Auth,
		IdentityToken: ac.IdentityToken,
		RegistryToken: ac.RegistryToken,
	}), nil
}

func empty(ac types.AuthConfig) bool {
	return ac.Username == "" && ac.Password == "" && ac.Auth == "" && ac.IdentityToken == "" && ac.RegistryToken == ""
}
