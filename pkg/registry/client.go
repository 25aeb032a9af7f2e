package registry

import (
	"context"
	"io"

	"github.com/google/go-containerregistry/pkg/authn"
)

// Client exposes image record and publishing helpers.
type Client interface {
	RecordBuild(tags []string, layoutPath string) error
	PushReference(ctx context.Context, reference string, opts PushOptions) error
	PushRepository(ctx context.Context, repository string, opts PushOptions) error
	ResolveLayout(reference string) (ImageRecord, error)
	ListRepository(repository string) ([]ImageRecord, error)
}

// ClientOptions configure a Client. Zero values use the user cache dir and
// the default keychain.
type ClientOptions struct {
	RecordsDir string
	Keychain   authn.Keychain
	// Insecure allows plain-HTTP registries.
	Insecure bool
}

// NewClient returns a Client backed by on-disk records.
func NewClient(opts ClientOptions) Client {
	if opts.Keychain == nil {
		opts.Keychain = authn.DefaultKeychain
	}
	return &client{opts: opts}
}

type client struct {
	opts ClientOptions
}

// PushOptions tune a push.
type PushOptions struct {
	Sign       bool
	SignKey    string
	MaxRetries uint64
	Output     io.Writer
}

func (c *client) RecordBuild(tags []string, layoutPath string) error {
	if len(tags) == 0 || layoutPath == "" {
		return nil
	}
	for _, tag := range tags {
		if err := c.recordLayout(tag, layoutPath); err != nil {
			return err
		}
	}
	return nil
}
