package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/karrick/godirwalk"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/runnable/image-builder/pkg/builder/archive"
	"github.com/runnable/image-builder/pkg/builder/buildlog"
	"github.com/runnable/image-builder/pkg/builder/cache"
	"github.com/runnable/image-builder/pkg/builder/cache/local"
	"github.com/runnable/image-builder/pkg/builder/dockerfile"
	"github.com/runnable/image-builder/pkg/builder/engine"
	"github.com/runnable/image-builder/pkg/builder/network"
	"github.com/runnable/image-builder/pkg/builder/repocache"
	"github.com/runnable/image-builder/pkg/builder/secrets"
	"github.com/runnable/image-builder/pkg/builder/transform"
)

const (
	// labelType tells helper containers apart from build containers
	labelType = "type"

	intermediateContainerNotice = "Removing intermediate container"
	pushRestartRetries          = 5
)

func checkForRequiredEnvVars(ctx context.Context, b *Build) error {
	cfg := b.Config
	if cfg.AWSAccessKey == "" || cfg.AWSSecretKey == "" {
		return &ConfigError{Key: EnvAWSAccessKey, Reason: "Missing credentials."}
	}
	if cfg.DockerTag == "" {
		return &ConfigError{Key: EnvDockerTag}
	}
	if b.Deps.Engine == nil {
		if cfg.DockerHost == "" {
			return &ConfigError{Key: EnvDocker}
		}
		if _, err := engine.ParseHost(cfg.DockerHost); err != nil {
			return &ConfigError{Key: EnvDocker, Reason: err.Error()}
		}
	}
	if cfg.NetworkDriver != network.DriverNone {
		if _, err := b.network(); err != nil {
			return &ConfigError{Key: EnvNetworkDriver, Reason: err.Error()}
		}
	}
	return nil
}

func makeWorkingFolders(ctx context.Context, b *Build) error {
	var (
		st = b.State
		eg errgroup.Group
	)
	mkdir := func(dst *string, pattern string) {
		eg.Go(func() error {
			dir, err := os.MkdirTemp("", pattern)
			if err != nil {
				return xerrors.Errorf("cannot create working directory: %w", err)
			}
			*dst = dir
			return nil
		})
	}
	touch := func(dst *string, pattern string) {
		eg.Go(func() error {
			f, err := os.CreateTemp("", pattern)
			if err != nil {
				return xerrors.Errorf("cannot create log file: %w", err)
			}
			*dst = f.Name()
			return f.Close()
		})
	}

	mkdir(&st.Dirs.DockerContext, "rnnbl.*")
	mkdir(&st.Dirs.KeyDirectory, "rnnbl.key.*")
	touch(&st.Logs.DockerBuild, "rnnbl.log.*")
	touch(&st.Logs.Stdout, "rnnbl.ib.stdout.*")
	touch(&st.Logs.Stderr, "rnnbl.ib.stderr.*")
	if err := eg.Wait(); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"context": st.Dirs.DockerContext,
		"keys":    st.Dirs.KeyDirectory,
		"log":     st.Logs.DockerBuild,
	}).Debug("created working folders")
	return nil
}

func downloadDeployKeys(ctx context.Context, b *Build) error {
	cfg := b.Config
	if len(cfg.DeployKeys) == 0 {
		return nil
	}
	if cfg.KeysBucket == "" {
		return &ConfigError{Key: EnvKeysBucket}
	}

	store, err := b.keyStore(ctx)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, key := range cfg.DeployKeys {
		key := key
		eg.Go(func() error {
			_, err := store.DownloadFile(ctx, key, "", "", b.State.Dirs.KeyDirectory)
			if err != nil {
				return xerrors.Errorf("cannot download deploy key %s: %w", key, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func chmodAllKeys(ctx context.Context, b *Build) error {
	if len(b.Config.DeployKeys) == 0 {
		return nil
	}

	return godirwalk.Walk(b.State.Dirs.KeyDirectory, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsRegular() {
				return nil
			}
			if err := os.Chmod(path, 0600); err != nil {
				return xerrors.Errorf("cannot restrict permissions of %s: %w", path, err)
			}
			return nil
		},
	})
}

func downloadBuildFiles(ctx context.Context, b *Build) error {
	cfg := b.Config
	if cfg.Files == "" {
		return nil
	}
	if cfg.FilesBucket == "" {
		return &ConfigError{Key: EnvFilesBucket}
	}

	files, err := cfg.BuildFiles()
	if err != nil {
		return err
	}
	store, err := b.fileStore(ctx)
	if err != nil {
		return err
	}
	return store.DownloadFiles(ctx, files, cfg.FilesPrefix, b.State.Dirs.DockerContext)
}

func getRepositories(ctx context.Context, b *Build) error {
	cfg := b.Config
	if len(cfg.Repositories) == 0 {
		return nil
	}
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return xerrors.Errorf("cannot create repository cache %s: %w", cfg.CacheDir, err)
	}

	repos := make([]repocache.RepositoryDescriptor, len(cfg.Repositories))
	copy(repos, cfg.Repositories)
	for i := range repos {
		if key := at(cfg.DeployKeys, i); key != "" {
			repos[i].DeployKeyPath = filepath.Join(b.State.Dirs.KeyDirectory, key)
		}
		b.reporter().Info(fmt.Sprintf("Cloning '%s' into './%s'", repos[i].FullName(), repos[i].Name()))
	}

	res, err := b.repositories().AcquireAll(ctx, repos, b.State.Dirs.DockerContext)
	if err != nil {
		return err
	}
	for _, r := range res {
		log.WithFields(log.Fields{
			"path":    r.TargetPath,
			"cached":  r.Cached,
			"updated": r.Updated,
		}).Debug("repository ready")
	}
	return nil
}

func applySearchAndReplace(ctx context.Context, b *Build) error {
	cfg := b.Config
	if len(cfg.SearchAndReplaceRules) == 0 {
		log.Info("Skipping search and replace.")
		return nil
	}

	for i, repo := range cfg.Repositories {
		rules, err := transform.ParseRules(at(cfg.SearchAndReplaceRules, i))
		if err != nil {
			return &ConfigError{Key: EnvSearchAndReplaceRules, Reason: fmt.Sprintf("%s are malformed for %s: %v", EnvSearchAndReplaceRules, repo.Name(), err)}
		}
		if len(rules) == 0 {
			continue
		}

		b.reporter().Info(fmt.Sprintf("Applying search and replace rules to './%s'", repo.Name()))
		err = transform.Apply(filepath.Join(b.State.Dirs.DockerContext, repo.Name()), rules)
		if err != nil {
			return xerrors.Errorf("cannot apply search and replace rules to %s: %w", repo.Name(), err)
		}
	}
	return nil
}

func parseDockerfile(ctx context.Context, b *Build) error {
	var (
		cfg = b.Config
		st  = b.State
	)

	st.Dirs.BuildRoot = st.Dirs.DockerContext
	st.DockerfilePath = filepath.Join(st.Dirs.DockerContext, "Dockerfile")
	if p := cfg.EngineDockerfile(); p != "" {
		st.DockerfilePath = filepath.Join(st.Dirs.DockerContext, p)
	}
	if cfg.MonorepoMode() {
		if len(cfg.Repositories) == 0 {
			return &ConfigError{Key: EnvRepo, Reason: fmt.Sprintf("%s is required with %s.", EnvRepo, EnvBuildDockerfile)}
		}
		rel := filepath.Clean(strings.TrimPrefix(cfg.BuildDockerfile, "/"))
		st.Dirs.RepoRoot = filepath.Join(st.Dirs.DockerContext, cfg.Repositories[0].Name())
		st.Dirs.BuildRoot = filepath.Join(st.Dirs.RepoRoot, filepath.Dir(rel))
		st.DockerfileName = filepath.Base(rel)
		st.DockerfilePath = filepath.Join(st.Dirs.BuildRoot, st.DockerfileName)
	}

	stat, err := os.Stat(st.DockerfilePath)
	if err != nil {
		return xerrors.Errorf("cannot find Dockerfile: %w", err)
	}
	content, err := os.ReadFile(st.DockerfilePath)
	if err != nil {
		return xerrors.Errorf("cannot read Dockerfile: %w", err)
	}

	rw := &dockerfile.Rewriter{
		ContextDir: st.Dirs.BuildRoot,
		ImageTag:   cfg.DockerTag,
	}
	if _, ok := dockerfile.FindAnchor(string(content)); ok {
		layers, err := local.NewFilesystemCache(cfg.LayerCacheDir)
		if err != nil {
			log.WithError(err).WithField("dir", cfg.LayerCacheDir).Warn("layer cache unavailable, building without it")
		} else {
			rw.LayerCache = layers
		}
	}
	res, err := rw.Rewrite(string(content))
	if err != nil {
		return err
	}
	st.Cache = CacheState{
		UsingCache:    res.UsingCache,
		CachedLine:    res.CachedLine,
		CreatedByHash: res.Hash,
	}

	text := res.Dockerfile
	if cfg.MonorepoMode() && len(cfg.SSHKeyIDs) > 0 {
		text = dockerfile.InjectSSHKeys(text, cfg.SSHKeyIDs)
	}
	text = dockerfile.InjectWaitForNetwork(text, cfg.WaitForNetwork)

	err = os.WriteFile(st.DockerfilePath, []byte(text), stat.Mode().Perm())
	if err != nil {
		return xerrors.Errorf("cannot write Dockerfile: %w", err)
	}
	return nil
}

func runDockerBuild(ctx context.Context, b *Build) error {
	var (
		cfg = b.Config
		st  = b.State
	)

	eng, err := b.engine()
	if err != nil {
		return err
	}
	extra, err := engine.ParseBuildFlags(cfg.BuildFlags)
	if err != nil {
		return &ConfigError{Key: EnvBuildFlags, Reason: err.Error()}
	}
	flags, err := engine.DefaultBuildFlags().Merge(extra)
	if err != nil {
		return err
	}

	opts := engine.BuildOptions{
		Tag:         cfg.DockerTag,
		Dockerfile:  cfg.EngineDockerfile(),
		Flags:       flags,
		IdleTimeout: cfg.BuildLineTimeout,
	}
	if cfg.MonorepoMode() {
		opts.Dockerfile = st.DockerfileName
		if len(cfg.SSHKeyIDs) > 0 {
			sp, err := b.secrets()
			if err != nil {
				return err
			}
			st.BuildArgs, err = secrets.SSHKeyBuildArgs(ctx, sp, cfg.SSHKeyIDs)
			if err != nil {
				return err
			}
			opts.BuildArgs = st.BuildArgs
		}
	}

	var attacher network.Attacher
	if cfg.NetworkDriver != network.DriverNone {
		attacher, err = b.network()
		if err != nil {
			return err
		}
	}

	buildLog, err := os.OpenFile(st.Logs.DockerBuild, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return xerrors.Errorf("cannot open build log: %w", err)
	}
	defer buildLog.Close()
	stdoutLog, err := os.OpenFile(st.Logs.Stdout, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return xerrors.Errorf("cannot open stdout log: %w", err)
	}
	defer stdoutLog.Close()

	var (
		out      = io.MultiWriter(buildLog, stdoutLog)
		reporter = b.reporter()
	)
	handler := func(msg jsonmessage.JSONMessage) error {
		if msg.Stream == "" {
			if msg.Status != "" || msg.Progress != nil {
				reporter.BuildProgress(msg)
			}
			return nil
		}

		if _, err := io.WriteString(out, msg.Stream); err != nil {
			return xerrors.Errorf("cannot write build log: %w", err)
		}
		if id, ok := engine.RunningContainer(msg.Stream); ok && attacher != nil {
			if err := attacher.Attach(ctx, id); err != nil {
				return xerrors.Errorf("cannot attach container %s to the network: %w", id, err)
			}
		}
		if line, ok := displayLine(msg.Stream, cfg.WaitForNetwork); ok {
			reporter.BuildOutput(line)
		}
		return nil
	}

	log.WithFields(log.Fields{
		"tag":        cfg.DockerTag,
		"context":    st.Dirs.BuildRoot,
		"dockerfile": opts.Dockerfile,
		"cached":     st.Cache.UsingCache,
	}).Debug("starting image build")
	err = eng.Build(ctx, st.Dirs.BuildRoot, opts, handler)
	if err != nil {
		if serr := st.LogSink().Save("", err.Error()+"\n"); serr != nil {
			log.WithError(serr).Warn("cannot write stderr log")
		}
		return err
	}
	return nil
}

// displayLine prepares a build output line for the console. The injected wait command is noise for the user.
func displayLine(line, waitCmd string) (string, bool) {
	if strings.Contains(line, intermediateContainerNotice) {
		return "", false
	}
	if waitCmd != "" {
		line = strings.ReplaceAll(line, waitCmd, "")
	}
	return line, true
}

func parseBuildLogAndHistory(ctx context.Context, b *Build) error {
	st := b.State
	if st.Cache.UsingCache {
		log.Debug("build used a cached layer, not looking for a new one")
		return nil
	}

	content, err := os.ReadFile(st.Logs.DockerBuild)
	if err != nil {
		return xerrors.Errorf("cannot read build log: %w", err)
	}
	eng, err := b.engine()
	if err != nil {
		return err
	}

	st.Layer, err = buildlog.Analyze(ctx, string(content), eng)
	return err
}

func copyLayer(ctx context.Context, b *Build) error {
	var (
		cfg = b.Config
		st  = b.State
	)
	if st.Layer == nil || st.Cache.CreatedByHash == "" {
		log.Debug("no layer to archive")
		return nil
	}

	eng, err := b.engine()
	if err != nil {
		return err
	}
	if cfg.BuilderImage == "" {
		dst, err := ArchiveLayer(ctx, eng, cfg.LayerCacheDir, cfg.DockerTag, *st.Layer, st.Cache.CreatedByHash)
		if err != nil {
			return err
		}
		log.WithField("path", dst).Info("archived cached layer")
		return nil
	}

	if cfg.HostLayerCacheDir == "" {
		return &ConfigError{Key: EnvHostLayerCache}
	}
	id, err := eng.RunDetached(ctx, engine.RunSpec{
		Image: cfg.BuilderImage,
		Cmd:   []string{"image-builder", "archive-layer"},
		Env: []string{
			EnvImageID + "=" + st.Layer.SourceImageID,
			EnvCachedLayer + "=" + st.Layer.SourceLayerID,
			EnvCachedLayerHash + "=" + st.Cache.CreatedByHash,
			EnvDocker + "=" + cfg.DockerHost,
			EnvDockerTag + "=" + cfg.DockerTag,
			EnvLayerCacheDir + "=" + cfg.LayerCacheDir,
		},
		Labels: map[string]string{labelType: "layerCopy"},
		Binds:  append([]string{cfg.HostLayerCacheDir + ":" + cfg.LayerCacheDir}, socketBinds(cfg.DockerHost)...),
	})
	if err != nil {
		return err
	}
	log.WithField("container", id).Debug("started layer copy")
	return nil
}

func pushImage(ctx context.Context, b *Build) error {
	cfg := b.Config
	if !cfg.PushImage {
		return nil
	}

	eng, err := b.engine()
	if err != nil {
		return err
	}
	if cfg.BuilderImage != "" {
		id, err := eng.RunDetached(ctx, engine.RunSpec{
			Image: cfg.BuilderImage,
			Cmd:   []string{"image-builder", "push"},
			Env: []string{
				EnvDocker + "=" + cfg.DockerHost,
				EnvDockerTag + "=" + cfg.DockerTag,
				EnvNodeEnv + "=" + cfg.Environment,
			},
			Labels:         map[string]string{labelType: "imagePush"},
			Binds:          socketBinds(cfg.DockerHost),
			RestartRetries: pushRestartRetries,
		})
		if err != nil {
			return err
		}
		log.WithField("container", id).Debug("started image push")
		return nil
	}

	var sp secrets.Provider
	if cfg.RegistryUsername != "" {
		sp, err = b.secrets()
		if err != nil {
			return err
		}
	}
	b.reporter().Info(fmt.Sprintf("Pushing %s", cfg.DockerTag))
	return PushImage(ctx, eng, cfg.DockerTag, cfg.RegistryUsername, sp, &reporterWriter{b.reporter()})
}

// ArchiveLayer stores the layer of rec in the layer cache at layerCacheDir, keyed by the repository of tag and hash
func ArchiveLayer(ctx context.Context, saver archive.ImageSaver, layerCacheDir, tag string, rec buildlog.LayerRecord, hash string) (string, error) {
	layers, err := local.NewFilesystemCache(layerCacheDir)
	if err != nil {
		return "", err
	}
	a := &archive.Archiver{Engine: saver, Cache: layers}
	return a.Archive(ctx, rec, cache.LayerKey{Repo: cache.TagRepository(tag), ContentHash: hash})
}

func socketBinds(host string) []string {
	if !engine.IsSocket(host) {
		return nil
	}
	p := engine.SocketPath(host)
	return []string{p + ":" + p}
}

type reporterWriter struct {
	r Reporter
}

func (w *reporterWriter) Write(p []byte) (int, error) {
	w.r.BuildOutput(string(p))
	return len(p), nil
}
