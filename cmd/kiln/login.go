// login.go implements 'kiln login' and 'kiln logout', storing registry
// credentials in a Docker config file used by build and push.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/docker/cli/cli/config/types"
	dockercred "github.com/docker/docker-credential-helpers/credentials"
	"github.com/example/kiln/internal/dockerconfig"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type loginOptions struct {
	Server        string
	Username      string
	Password      string
	PasswordStdin bool
	AuthFile      string
	Insecure      bool
}

var pingRegistryFn = pingRegistry

func newLoginCommand() *cobra.Command {
	var opts loginOptions
	cmd := &cobra.Command{
		Use:   "login [SERVER]",
		Short: "Log in to a container registry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				opts.Server = args[0]
			}
			return runLogin(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Username, "username", "u", "", "Registry username")
	cmd.Flags().StringVarP(&opts.Password, "password", "p", "", "Registry password or token (prefer --password-stdin)")
	cmd.Flags().BoolVar(&opts.PasswordStdin, "password-stdin", false, "Read the password/token from stdin")
	cmd.Flags().StringVar(&opts.AuthFile, "authfile", "", "Docker config file to update (default: ~/.docker/config.json)")
	cmd.Flags().BoolVar(&opts.Insecure, "insecure", false, "Allow plain-HTTP registries")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	var authFile string
	cmd := &cobra.Command{
		Use:   "logout [SERVER]",
		Short: "Log out of a container registry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := ""
			if len(args) > 0 {
				server = args[0]
			}
			return runLogout(cmd, server, authFile)
		},
	}
	cmd.Flags().StringVar(&authFile, "authfile", "", "Docker config file to update (default: ~/.docker/config.json)")
	return cmd
}

func runLogin(cmd *cobra.Command, opts loginOptions) error {
	server := dockerconfig.NormalizeServer(opts.Server)
	username := strings.TrimSpace(opts.Username)
	var err error
	if username == "" {
		username, err = promptForInput(cmd, "Username")
		if err != nil {
			return err
		}
	}
	password := opts.Password
	if opts.PasswordStdin {
		if password != "" {
			return errors.New("--password and --password-stdin are mutually exclusive")
		}
		password, err = readPasswordFromStdin(cmd)
		if err != nil {
			return err
		}
	} else if password == "" {
		password, err = promptForPassword(cmd, "Password")
		if err != nil {
			return err
		}
	}
	if password == "" {
		return errors.New("password/token is required")
	}

	if err := pingRegistryFn(cmd, server, username, password, opts.Insecure); err != nil {
		return fmt.Errorf("registry authentication failed: %w", err)
	}

	cfg, err := dockerconfig.LoadConfigFile(opts.AuthFile, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	auth := types.AuthConfig{ServerAddress: server, Username: username, Password: password}
	store := cfg.GetCredentialsStore(server)
	if err := dockerconfig.EnsureConfigDir(cfg.Filename); err != nil {
		return err
	}
	if err := store.Store(auth); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("save docker config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Login Succeeded (%s)\n", server)
	return nil
}

func runLogout(cmd *cobra.Command, server, authFile string) error {
	normalized := dockerconfig.NormalizeServer(server)
	cfg, err := dockerconfig.LoadConfigFile(authFile, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	store := cfg.GetCredentialsStore(normalized)
	if err := store.Erase(normalized); err != nil {
		if dockercred.IsErrCredentialsNotFound(err) {
			fmt.Fprintf(cmd.OutOrStdout(), "Not logged in to %s\n", normalized)
			return nil
		}
		return fmt.Errorf("erase credentials: %w", err)
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("save docker config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed credentials for %s\n", normalized)
	return nil
}

func promptForInput(cmd *cobra.Command, label string) (string, error) {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", label)
	reader := bufio.NewReader(cmd.InOrStdin())
	value, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func promptForPassword(cmd *cobra.Command, label string) (string, error) {
	if file, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", label)
		raw, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return promptForInput(cmd, label)
}

func readPasswordFromStdin(cmd *cobra.Command) (string, error) {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return strings.TrimRight(strings.TrimRight(string(data), "\n"), "\r"), nil
}

// pingRegistry performs the registry token handshake with the credentials.
func pingRegistry(cmd *cobra.Command, server, username, password string, insecure bool) error {
	host := server
	if host == dockerconfig.DefaultServer {
		host = name.DefaultRegistry
	}
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	host = strings.TrimRight(host, "/")
	var opts []name.Option
	if insecure {
		opts = append(opts, name.Insecure)
	}
	reg, err := name.NewRegistry(host, opts...)
	if err != nil {
		return err
	}
	auth := authn.FromConfig(authn.AuthConfig{Username: username, Password: password})
	_, err = transport.NewWithContext(cmd.Context(), reg, auth, http.DefaultTransport, []string{reg.Scope(transport.PullScope)})
	return err
}
