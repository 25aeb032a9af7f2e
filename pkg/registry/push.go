package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"

	"github.com/cenkalti/backoff/v4"
	"github.com/example/kiln/internal/version"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const defaultMaxRetries = 4

func (c *client) PushReference(ctx context.Context, reference string, opts PushOptions) error {
	rec, err := c.ResolveLayout(reference)
	if err != nil {
		return err
	}
	ref, err := c.parse(reference)
	if err != nil {
		return err
	}
	if opts.Output != nil {
		fmt.Fprintf(opts.Output, "Pushing %s from %s\n", reference, rec.LayoutPath)
	}
	img, err := layoutImage(rec.LayoutPath, reference)
	if err != nil {
		return err
	}
	if err := c.pushImage(ctx, ref, img, opts.MaxRetries); err != nil {
		return fmt.Errorf("push %s: %w", reference, err)
	}
	if opts.Sign {
		if err := cosignSign(ctx, reference, opts.SignKey); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) PushRepository(ctx context.Context, repository string, opts PushOptions) error {
	records, err := c.ListRepository(repository)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := c.PushReference(ctx, rec.Reference, opts); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) parse(reference string) (name.Reference, error) {
	var nameOpts []name.Option
	if c.opts.Insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	return name.ParseReference(reference, nameOpts...)
}

// pushImage writes img with exponential backoff. Client errors other than
// throttling are not retried.
func (c *client) pushImage(ctx context.Context, ref name.Reference, img v1.Image, retries uint64) error {
	if retries == 0 {
		retries = defaultMaxRetries
	}
	op := func() error {
		err := remote.Write(ref, img,
			remote.WithContext(ctx),
			remote.WithAuthFromKeychain(c.opts.Keychain),
			remote.WithUserAgent(version.UserAgent()),
		)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode >= 500 || terr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// layoutImage picks the image tagged reference in the layout, falling back
// to the only image when the layout carries no ref names.
func layoutImage(layoutPath, reference string) (v1.Image, error) {
	lp, err := layout.FromPath(layoutPath)
	if err != nil {
		return nil, fmt.Errorf("open OCI layout: %w", err)
	}
	idx, err := lp.ImageIndex()
	if err != nil {
		return nil, fmt.Errorf("load OCI index: %w", err)
	}
	im, err := idx.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("read OCI index: %w", err)
	}
	var images []v1.Descriptor
	for _, desc := range im.Manifests {
		if !desc.MediaType.IsImage() {
			continue
		}
		if canonical(desc.Annotations[specsv1.AnnotationRefName]) == canonical(reference) {
			return idx.Image(desc.Digest)
		}
		images = append(images, desc)
	}
	if len(images) == 1 {
		return idx.Image(images[0].Digest)
	}
	return nil, fmt.Errorf("layout %s has no image for %s", layoutPath, reference)
}

func cosignSign(ctx context.Context, reference, key string) error {
	if _, err := exec.LookPath("cosign"); err != nil {
		return fmt.Errorf("cosign binary not found in PATH: %w", err)
	}
	args := []string{"sign", "--yes"}
	if key != "" {
		args = append(args, "--key", key)
	}
	args = append(args, reference)
	cmd := exec.CommandContext(ctx, "cosign", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	return cmd.Run()
}
