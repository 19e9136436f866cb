// Package engine talks to the container engine that builds, inspects and pushes images
package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/runnable/image-builder/pkg/builder/buildlog"
)

// Client wraps the docker API client
type Client struct {
	api client.APIClient
}

// NewClient connects to the engine at host. See ParseHost for the accepted forms.
func NewClient(host string) (*Client, error) {
	h, err := ParseHost(host)
	if err != nil {
		return nil, err
	}

	api, err := client.NewClientWithOpts(
		client.WithHost(h),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, xerrors.Errorf("cannot create docker client: %w", err)
	}
	return &Client{api: api}, nil
}

// Close releases the underlying connection
func (c *Client) Close() error {
	return c.api.Close()
}

// BuildOptions configure an image build
type BuildOptions struct {
	Tag string
	// Dockerfile is the path of the Dockerfile relative to the context. Empty means "Dockerfile".
	Dockerfile string
	Flags      BuildFlags
	// BuildArgs are added to those in Flags
	BuildArgs map[string]string
	// IdleTimeout aborts the build if no output arrives for that long. Zero disables it.
	IdleTimeout time.Duration
}

func (o BuildOptions) imageBuildOptions() build.ImageBuildOptions {
	opts := build.ImageBuildOptions{
		Dockerfile: o.Dockerfile,
		// the build log is parsed for "Successfully built", which only the classic builder prints
		Version: build.BuilderV1,
	}
	if o.Tag != "" {
		opts.Tags = []string{o.Tag}
	}
	o.Flags.apply(&opts)
	for k, v := range o.BuildArgs {
		if opts.BuildArgs == nil {
			opts.BuildArgs = make(map[string]*string, len(o.BuildArgs))
		}
		v := v
		opts.BuildArgs[k] = &v
	}
	return opts
}

// Build sends contextDir to the engine and follows the build output.
// On idle timeout the container of the running step is killed and ErrBuildTimeout is returned.
func (c *Client) Build(ctx context.Context, contextDir string, opts BuildOptions, handler MessageHandler) error {
	buildCtx, err := ContextTar(contextDir, opts.Dockerfile)
	if err != nil {
		return err
	}
	defer buildCtx.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := c.api.ImageBuild(ctx, buildCtx, opts.imageBuildOptions())
	if err != nil {
		return xerrors.Errorf("cannot start image build: %w", err)
	}
	defer resp.Body.Close()

	var (
		mu      sync.Mutex
		running string
	)
	err = followStream(ctx, resp.Body, opts.IdleTimeout, func(msg jsonmessage.JSONMessage) error {
		if id, ok := RunningContainer(msg.Stream); ok {
			mu.Lock()
			running = id
			mu.Unlock()
		}
		if handler == nil {
			return nil
		}
		return handler(msg)
	})
	if errors.Is(err, ErrBuildTimeout) {
		mu.Lock()
		id := running
		mu.Unlock()

		log.WithField("container", id).Warn("build produced no output in time, aborting")
		if id != "" {
			kerr := c.Kill(context.Background(), id, "SIGKILL")
			if kerr != nil {
				log.WithError(kerr).WithField("container", id).Warn("cannot kill build container")
			}
		}
		cancel()
	}
	return err
}

// History returns the layers of an image, newest first
func (c *Client) History(ctx context.Context, imageID string) ([]buildlog.HistoryEntry, error) {
	items, err := c.api.ImageHistory(ctx, imageID)
	if err != nil {
		return nil, xerrors.Errorf("cannot get history of %s: %w", imageID, err)
	}

	res := make([]buildlog.HistoryEntry, len(items))
	for i, item := range items {
		res[i] = buildlog.HistoryEntry{ID: item.ID, CreatedBy: item.CreatedBy}
	}
	return res, nil
}

// Push pushes tag to its registry and renders the progress to out.
// auth may be nil for anonymous pushes.
func (c *Client) Push(ctx context.Context, tag string, auth *registry.AuthConfig, out io.Writer) error {
	ref, err := name.ParseReference(tag)
	if err != nil {
		return xerrors.Errorf("invalid image tag %q: %w", tag, err)
	}

	var opts image.PushOptions
	if auth != nil {
		cfg := *auth
		if cfg.ServerAddress == "" {
			cfg.ServerAddress = ref.Context().RegistryStr()
		}
		opts.RegistryAuth, err = registry.EncodeAuthConfig(cfg)
		if err != nil {
			return xerrors.Errorf("cannot encode registry credentials: %w", err)
		}
	}

	log.WithField("registry", ref.Context().RegistryStr()).WithField("tag", tag).Debug("pushing image")
	rc, err := c.api.ImagePush(ctx, tag, opts)
	if err != nil {
		return xerrors.Errorf("cannot push %s: %w", tag, err)
	}
	defer rc.Close()

	if out == nil {
		out = io.Discard
	}
	err = jsonmessage.DisplayJSONMessagesStream(rc, out, 0, false, nil)
	if err != nil {
		return xerrors.Errorf("error during push of %s: %w", tag, err)
	}
	return nil
}

// Kill sends signal to a container
func (c *Client) Kill(ctx context.Context, containerID, signal string) error {
	err := c.api.ContainerKill(ctx, containerID, signal)
	if err != nil {
		return xerrors.Errorf("cannot kill container %s: %w", containerID, err)
	}
	return nil
}

// RunSpec describes a detached helper container
type RunSpec struct {
	Name   string
	Image  string
	Cmd    []string
	Env    []string
	Labels map[string]string
	Binds  []string
	// RestartRetries restarts the container on failure up to that many times
	RestartRetries int
}

// RunDetached creates and starts a container without waiting for it and returns its id
func (c *Client) RunDetached(ctx context.Context, spec RunSpec) (string, error) {
	if spec.Name == "" {
		spec.Name = "image-builder-" + uuid.New().String()
	}

	hostCfg := &container.HostConfig{Binds: spec.Binds}
	if spec.RestartRetries > 0 {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: spec.RestartRetries,
		}
	}

	created, err := c.api.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", xerrors.Errorf("cannot create container %s: %w", spec.Name, err)
	}
	for _, w := range created.Warnings {
		log.WithField("container", spec.Name).Warn(w)
	}

	err = c.api.ContainerStart(ctx, created.ID, container.StartOptions{})
	if err != nil {
		return "", xerrors.Errorf("cannot start container %s: %w", spec.Name, err)
	}
	log.WithFields(log.Fields{
		"container": created.ID,
		"image":     spec.Image,
	}).Debug("started detached container")
	return created.ID, nil
}

// SaveImage exports an image in the format of `docker save`
func (c *Client) SaveImage(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := c.api.ImageSave(ctx, []string{id})
	if err != nil {
		return nil, xerrors.Errorf("cannot export image %s: %w", id, err)
	}
	return rc, nil
}
