// push.go implements 'kiln push', copying an image recorded by 'kiln build'
// from its OCI layout to a registry.
package main

import (
	"fmt"

	"github.com/example/kiln/internal/dockerconfig"
	"github.com/example/kiln/pkg/registry"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/cobra"
)

func newPushCommand() *cobra.Command {
	var (
		sign     bool
		signKey  string
		allTags  bool
		insecure bool
		retries  uint64
		authFile string
	)

	cmd := &cobra.Command{
		Use:   "push IMAGE[:TAG]",
		Short: "Push an image built by kiln to its registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			keychain, err := dockerconfig.KeychainFor(authFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client := registry.NewClient(registry.ClientOptions{Insecure: insecure, Keychain: keychain})
			opts := registry.PushOptions{Sign: sign, SignKey: signKey, MaxRetries: retries, Output: cmd.ErrOrStderr()}
			if allTags {
				repo, err := repositoryFrom(target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Pushing all tags for %s\n", repo)
				return client.PushRepository(cmd.Context(), repo, opts)
			}
			return client.PushReference(cmd.Context(), target, opts)
		},
	}

	cmd.Flags().BoolVar(&sign, "sign", false, "Sign the pushed image with cosign (requires cosign in PATH)")
	cmd.Flags().StringVar(&signKey, "sign-key", "", "Cosign key reference (default: keyless)")
	cmd.Flags().BoolVar(&allTags, "all-tags", false, "Push every recorded tag for the repository instead of a single reference")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Allow plain-HTTP registries")
	cmd.Flags().StringVar(&authFile, "authfile", "", "Docker config file with registry credentials")
	cmd.Flags().Uint64Var(&retries, "retries", 3, "Retries for transient registry errors")
	return cmd
}

func repositoryFrom(value string) (string, error) {
	ref, err := name.ParseReference(value)
	if err != nil {
		return "", err
	}
	return ref.Context().Name(), nil
}
