// Package builder runs the image build pipeline: it prepares a build context from object storage and
// git repositories, rewrites the Dockerfile to use previously archived layers, builds the image and
// archives the layer marked for caching.
package builder

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/registry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/runnable/image-builder/pkg/builder/archive"
	"github.com/runnable/image-builder/pkg/builder/buildlog"
	"github.com/runnable/image-builder/pkg/builder/engine"
	"github.com/runnable/image-builder/pkg/builder/network"
	"github.com/runnable/image-builder/pkg/builder/objectstore"
	"github.com/runnable/image-builder/pkg/builder/repocache"
	"github.com/runnable/image-builder/pkg/builder/secrets"
	"github.com/runnable/image-builder/pkg/builder/shell"
)

// Pusher pushes images to their registry
type Pusher interface {
	Push(ctx context.Context, tag string, auth *registry.AuthConfig, out io.Writer) error
}

// Engine is the part of the container engine the pipeline uses
type Engine interface {
	buildlog.HistoryFetcher
	archive.ImageSaver
	Pusher

	Build(ctx context.Context, contextDir string, opts engine.BuildOptions, handler engine.MessageHandler) error
	RunDetached(ctx context.Context, spec engine.RunSpec) (string, error)
}

// ObjectStore downloads objects of a single bucket
type ObjectStore interface {
	DownloadFile(ctx context.Context, key, prefix, version, dest string) (string, error)
	DownloadFiles(ctx context.Context, files map[string]string, prefix, dest string) error
}

// RepositoryFetcher makes repositories available in a directory
type RepositoryFetcher interface {
	AcquireAll(ctx context.Context, repos []repocache.RepositoryDescriptor, destDir string) ([]repocache.Result, error)
}

// Dependencies are the collaborators of a build. Fields left nil are created from the configuration
// when a step first needs them.
type Dependencies struct {
	Engine       Engine
	KeyStore     ObjectStore
	FileStore    ObjectStore
	Repositories RepositoryFetcher
	Secrets      secrets.Provider
	Network      network.Attacher
	Runner       shell.Runner
	Reporter     Reporter
}

// Step is a single stage of the pipeline
type Step struct {
	Name string
	Run  func(ctx context.Context, b *Build) error
}

// Build is a single run of the pipeline
type Build struct {
	Config *Config
	State  *State
	Deps   Dependencies
}

// NewBuild prepares a pipeline run
func NewBuild(cfg *Config, deps Dependencies) *Build {
	return &Build{
		Config: cfg,
		State:  NewState(),
		Deps:   deps,
	}
}

// DefaultSteps are the steps of a complete image build, in order
func DefaultSteps() []Step {
	return []Step{
		{Name: "checkForRequiredEnvVars", Run: checkForRequiredEnvVars},
		{Name: "makeWorkingFolders", Run: makeWorkingFolders},
		{Name: "downloadDeployKeys", Run: downloadDeployKeys},
		{Name: "chmodAllKeys", Run: chmodAllKeys},
		{Name: "downloadBuildFiles", Run: downloadBuildFiles},
		{Name: "getRepositories", Run: getRepositories},
		{Name: "applySearchAndReplace", Run: applySearchAndReplace},
		{Name: "parseDockerfile", Run: parseDockerfile},
		{Name: "runDockerBuild", Run: runDockerBuild},
		{Name: "parseBuildLogAndHistory", Run: parseBuildLogAndHistory},
		{Name: "copyLayer", Run: copyLayer},
		{Name: "pushImage", Run: pushImage},
	}
}

// Run executes steps in order and stops at the first one that fails. That error is returned as *StepError.
func (b *Build) Run(ctx context.Context, steps []Step) error {
	start := time.Now()
	for _, step := range steps {
		b.reporter().StepStarted(step.Name)

		err := step.Run(ctx, b)
		if err != nil {
			log.WithError(err).WithField("step", step.Name).Debug("step failed")
			return &StepError{Step: step.Name, Err: err}
		}
	}
	log.WithField("duration", time.Since(start).String()).Debug("build pipeline done")
	return nil
}

func (b *Build) reporter() Reporter {
	if b.Deps.Reporter == nil {
		b.Deps.Reporter = NewConsoleReporter(os.Stdout, os.Stderr)
	}
	return b.Deps.Reporter
}

func (b *Build) runner() shell.Runner {
	if b.Deps.Runner == nil {
		b.Deps.Runner = &shell.Exec{Logs: b.State.LogSink()}
	}
	return b.Deps.Runner
}

func (b *Build) repositories() RepositoryFetcher {
	if b.Deps.Repositories == nil {
		b.Deps.Repositories = &repocache.Cache{
			Root:   b.Config.CacheDir,
			Runner: b.runner(),
		}
	}
	return b.Deps.Repositories
}

func (b *Build) engine() (Engine, error) {
	if b.Deps.Engine != nil {
		return b.Deps.Engine, nil
	}
	if b.Config.DockerHost == "" {
		return nil, &ConfigError{Key: EnvDocker}
	}

	client, err := engine.NewClient(b.Config.DockerHost)
	if err != nil {
		return nil, err
	}
	b.Deps.Engine = client
	return client, nil
}

func (b *Build) objectStore(ctx context.Context, bucket string) (ObjectStore, error) {
	cfg, err := objectstore.LoadConfig(ctx, objectstore.Credentials{
		AccessKeyID:     b.Config.AWSAccessKey,
		SecretAccessKey: b.Config.AWSSecretKey,
		Region:          b.Config.AWSRegion,
	})
	if err != nil {
		return nil, err
	}
	return objectstore.NewS3Storage(bucket, &cfg), nil
}

func (b *Build) keyStore(ctx context.Context) (ObjectStore, error) {
	if b.Deps.KeyStore == nil {
		s, err := b.objectStore(ctx, b.Config.KeysBucket)
		if err != nil {
			return nil, err
		}
		b.Deps.KeyStore = s
	}
	return b.Deps.KeyStore, nil
}

func (b *Build) fileStore(ctx context.Context) (ObjectStore, error) {
	if b.Deps.FileStore == nil {
		s, err := b.objectStore(ctx, b.Config.FilesBucket)
		if err != nil {
			return nil, err
		}
		b.Deps.FileStore = s
	}
	return b.Deps.FileStore, nil
}

func (b *Build) secrets() (secrets.Provider, error) {
	if b.Deps.Secrets == nil {
		p, err := secrets.NewVaultProvider(b.Config.Vault)
		if err != nil {
			return nil, err
		}
		b.Deps.Secrets = p
	}
	return b.Deps.Secrets, nil
}

func (b *Build) network() (network.Attacher, error) {
	if b.Deps.Network == nil {
		a, err := network.New(b.Config.NetworkDriver, b.Config.Network, b.runner())
		if err != nil {
			return nil, err
		}
		b.Deps.Network = a
	}
	return b.Deps.Network, nil
}

// PushImage pushes tag. If username is set the registry password is read from the secret provider.
func PushImage(ctx context.Context, p Pusher, tag, username string, sp secrets.Provider, out io.Writer) error {
	var auth *registry.AuthConfig
	if username != "" {
		if sp == nil {
			return xerrors.Errorf("cannot push as %s: no secret provider", username)
		}
		password, err := sp.ReadRegistryPassword(ctx)
		if err != nil {
			return xerrors.Errorf("cannot read registry password: %w", err)
		}
		auth = &registry.AuthConfig{Username: username, Password: password}
	}
	return p.Push(ctx, tag, auth, out)
}
