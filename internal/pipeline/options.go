// Package pipeline runs the two-stage image build from manifest to exported
// runtime image.
package pipeline

import (
	"github.com/example/kiln/internal/envconfig"
	"github.com/example/kiln/internal/identity"
	"github.com/example/kiln/internal/launch"
	"github.com/example/kiln/internal/sysdeps"
	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"
)

// Stage names, in execution order.
const (
	StageCompile   = "compile"
	StagePromote   = "promote"
	StageAssemble  = "assemble"
	StageProvision = "provision"
	StageIdentity  = "identity"
	StageEnv       = "environment"
	StageLaunch    = "launch-spec"
	StageExport    = "export"
)

// Order lists the pipeline stages in the only order they run.
var Order = []string{StageCompile, StagePromote, StageAssemble, StageProvision, StageIdentity, StageEnv, StageLaunch, StageExport}

// ImageOptions configure the exported image. An empty LayoutDir skips export.
type ImageOptions struct {
	Base      string
	Tags      []string
	LayoutDir string
	// Launcher is the in-image path of the kiln binary. When set, the
	// binary at LauncherBinary (default: the running executable) is copied
	// there and becomes the entrypoint.
	Launcher       string
	LauncherBinary string
	Labels         map[string]string
	Revision       string
	Version        string
	Source         string
	// Keychain authenticates base image pulls; nil uses the default.
	Keychain authn.Keychain
}

// Options contains everything needed to execute one pipeline run.
type Options struct {
	ManifestPath string
	SourceDir    string
	// Workspace holds the stage directories; empty uses a temp dir.
	Workspace string
	// KeepRootfs leaves the runtime stage on disk and returns it in Result.
	KeepRootfs bool
	Hermetic   bool

	BuildPackages   sysdeps.Set
	RuntimePackages sysdeps.Set
	SiteDir         string
	WorkDir         string
	IgnoreFile      string
	Dirs            []string

	Identity identity.Identity
	Env      envconfig.Options
	// Process carries the serving parameters; Env, Identity, Dirs and
	// WorkDir are filled in by the run.
	Process launch.ProcessSpec
	Image   ImageOptions

	Logger logr.Logger
}
