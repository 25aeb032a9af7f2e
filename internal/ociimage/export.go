// Package ociimage exports a runtime stage as an OCI image layout.
package ociimage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/example/kiln/internal/launch"
	"github.com/example/kiln/internal/stage"
	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

const scratchRef = "scratch"

var sha256DigestRE = regexp.MustCompile(`@sha256:[a-f0-9]{64}$`)

// Options describe one export.
type Options struct {
	Stage   *stage.Stage
	Process launch.ProcessSpec
	// Base is a registry reference; empty or "scratch" starts from an empty image.
	Base string
	// BaseImage, when set, is the already resolved Base.
	BaseImage v1.Image
	// Hermetic requires Base to be pinned by digest.
	Hermetic bool
	// Launcher, when set, is the in-image path of the kiln binary; the
	// entrypoint then runs pre-launch checks before exec'ing the server.
	Launcher  string
	Tags      []string
	LayoutDir string
	Labels    map[string]string
	Revision  string
	Version   string
	Source    string
	// Created pins image and layer timestamps; zero uses SOURCE_DATE_EPOCH or the epoch.
	Created  time.Time
	Keychain authn.Keychain
	Logger   logr.Logger
}

// Result describes the exported image.
type Result struct {
	Digest    string
	LayoutDir string
	Tags      []string
	Layers    int
	Size      int64
}

// CheckPinned reports base references that are not pinned by digest.
func CheckPinned(refs ...string) error {
	var unpinned []string
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.EqualFold(ref, scratchRef) {
			continue
		}
		if !sha256DigestRE.MatchString(ref) {
			unpinned = append(unpinned, ref)
		}
	}
	if len(unpinned) > 0 {
		return fmt.Errorf("hermetic build requires pinned base-image digests (ref@sha256:...); found %s", strings.Join(unpinned, ", "))
	}
	return nil
}

// SourceDateEpoch returns the timestamp from SOURCE_DATE_EPOCH, or the Unix
// epoch when it is unset or invalid.
func SourceDateEpoch() time.Time {
	if v := strings.TrimSpace(os.Getenv("SOURCE_DATE_EPOCH")); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec >= 0 {
			return time.Unix(sec, 0).UTC()
		}
	}
	return time.Unix(0, 0).UTC()
}

// Export builds the image and writes it to opts.LayoutDir. The layout is
// assembled next to the destination and renamed into place, so a failed
// export never leaves a partial layout behind.
func Export(ctx context.Context, opts Options) (*Result, error) {
	if opts.Stage == nil {
		return nil, errors.New("stage is required")
	}
	if strings.TrimSpace(opts.LayoutDir) == "" {
		return nil, errors.New("layout dir is required")
	}
	if err := opts.Process.Validate(); err != nil {
		return nil, errors.Wrap(err, "process spec")
	}
	tags, err := normalizeTags(opts.Tags)
	if err != nil {
		return nil, err
	}
	if opts.Hermetic {
		if err := CheckPinned(opts.Base); err != nil {
			return nil, err
		}
	}
	created := opts.Created
	if created.IsZero() {
		created = SourceDateEpoch()
	}
	log := opts.Logger

	base, err := baseImage(ctx, opts)
	if err != nil {
		return nil, err
	}
	layer, err := stageLayer(opts.Stage, created)
	if err != nil {
		return nil, err
	}
	img, err := mutate.Append(base, mutate.Addendum{
		Layer: layer,
		History: v1.History{
			Created:   v1.Time{Time: created},
			CreatedBy: "kiln build",
			Comment:   "runtime stage",
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "append layer")
	}
	img, err = configure(img, opts, created)
	if err != nil {
		return nil, err
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, errors.Wrap(err, "image digest")
	}
	if err := writeLayout(opts.LayoutDir, img, tags); err != nil {
		return nil, err
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, errors.Wrap(err, "list layers")
	}
	var size int64
	for _, l := range layers {
		n, err := l.Size()
		if err != nil {
			return nil, errors.Wrap(err, "layer size")
		}
		size += n
	}
	log.Info("image exported", "digest", digest.String(), "layout", opts.LayoutDir, "tags", tags, "layers", len(layers))
	return &Result{
		Digest:    digest.String(),
		LayoutDir: opts.LayoutDir,
		Tags:      tags,
		Layers:    len(layers),
		Size:      size,
	}, nil
}

func normalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		tag, err := name.NewTag(t)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid tag %q", t)
		}
		ref := tag.Name()
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}

func baseImage(ctx context.Context, opts Options) (v1.Image, error) {
	if opts.BaseImage != nil {
		return opts.BaseImage, nil
	}
	return ResolveBase(ctx, opts.Base, opts.Keychain)
}

// ResolveBase returns the image for a base reference: an empty OCI image for
// "" or "scratch", otherwise the linux image pulled from its registry.
func ResolveBase(ctx context.Context, ref string, keychain authn.Keychain) (v1.Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.EqualFold(ref, scratchRef) {
		img := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
		return mutate.ConfigMediaType(img, types.OCIConfigJSON), nil
	}
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "parse base %q", ref)
	}
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}
	img, err := remote.Image(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(keychain),
		remote.WithPlatform(v1.Platform{OS: "linux", Architecture: runtime.GOARCH}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "pull base %s", ref)
	}
	return img, nil
}

func configure(img v1.Image, opts Options, created time.Time) (v1.Image, error) {
	cf, err := img.ConfigFile()
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cf = cf.DeepCopy()
	spec := opts.Process
	if cf.OS == "" {
		cf.OS = "linux"
	}
	if cf.Architecture == "" {
		cf.Architecture = runtime.GOARCH
	}
	cf.Created = v1.Time{Time: created}
	cf.Config.User = spec.Identity.User()
	cf.Config.Env = mergeEnv(cf.Config.Env, spec.Env.Environ())
	cf.Config.WorkingDir = spec.WorkDir
	cf.Config.Cmd = nil
	if opts.Launcher != "" {
		cf.Config.Entrypoint = []string{opts.Launcher, "launch", "--spec", launch.SpecPath}
	} else {
		cf.Config.Entrypoint = spec.Argv()
	}
	if cf.Config.ExposedPorts == nil {
		cf.Config.ExposedPorts = map[string]struct{}{}
	}
	cf.Config.ExposedPorts[strconv.Itoa(spec.Port)+"/tcp"] = struct{}{}
	cf.Config.Labels = labels(cf.Config.Labels, opts, created)

	out, err := mutate.ConfigFile(img, cf)
	if err != nil {
		return nil, errors.Wrap(err, "write config")
	}
	return out, nil
}

func labels(existing map[string]string, opts Options, created time.Time) map[string]string {
	out := make(map[string]string, len(existing)+len(opts.Labels)+4)
	for k, v := range existing {
		out[k] = v
	}
	out[specsv1.AnnotationCreated] = created.UTC().Format(time.RFC3339)
	if opts.Revision != "" {
		out[specsv1.AnnotationRevision] = opts.Revision
	}
	if opts.Version != "" {
		out[specsv1.AnnotationVersion] = opts.Version
	}
	if opts.Source != "" {
		out[specsv1.AnnotationSource] = opts.Source
	}
	if opts.Base != "" {
		out[specsv1.AnnotationBaseImageName] = opts.Base
	}
	for k, v := range opts.Labels {
		out[k] = v
	}
	return out
}

// mergeEnv overlays the process environment on the base image's.
func mergeEnv(base, overlay []string) []string {
	vals := map[string]string{}
	for _, kv := range append(append([]string(nil), base...), overlay...) {
		k, v, _ := strings.Cut(kv, "=")
		vals[k] = v
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vals[k])
	}
	return out
}

func writeLayout(dir string, img v1.Image, tags []string) error {
	dir = filepath.Clean(dir)
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errors.Wrap(err, "create layout parent")
	}
	tmp, err := os.MkdirTemp(parent, ".kiln-layout-*")
	if err != nil {
		return errors.Wrap(err, "create layout temp dir")
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	p, err := layout.Write(tmp, empty.Index)
	if err != nil {
		cleanup()
		return errors.Wrap(err, "init layout")
	}
	if len(tags) == 0 {
		err = p.AppendImage(img)
	}
	for _, tag := range tags {
		if err = p.AppendImage(img, layout.WithAnnotations(map[string]string{
			specsv1.AnnotationRefName: tag,
		})); err != nil {
			break
		}
	}
	if err != nil {
		cleanup()
		return errors.Wrap(err, "write layout")
	}
	if err := os.RemoveAll(dir); err != nil {
		cleanup()
		return errors.Wrap(err, "replace layout")
	}
	if err := os.Rename(tmp, dir); err != nil {
		cleanup()
		return errors.Wrap(err, "move layout into place")
	}
	return nil
}
