package builder

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/stretchr/testify/require"

	"github.com/runnable/image-builder/pkg/builder/buildlog"
	"github.com/runnable/image-builder/pkg/builder/engine"
	"github.com/runnable/image-builder/pkg/builder/repocache"
)

type fakeEngine struct {
	BuildFunc       func(ctx context.Context, contextDir string, opts engine.BuildOptions, handler engine.MessageHandler) error
	HistoryFunc     func(ctx context.Context, imageID string) ([]buildlog.HistoryEntry, error)
	SaveImageFunc   func(ctx context.Context, id string) (io.ReadCloser, error)
	PushFunc        func(ctx context.Context, tag string, auth *registry.AuthConfig, out io.Writer) error
	RunDetachedFunc func(ctx context.Context, spec engine.RunSpec) (string, error)

	mu   sync.Mutex
	runs []engine.RunSpec
}

func (e *fakeEngine) Build(ctx context.Context, contextDir string, opts engine.BuildOptions, handler engine.MessageHandler) error {
	if e.BuildFunc == nil {
		return nil
	}
	return e.BuildFunc(ctx, contextDir, opts, handler)
}

func (e *fakeEngine) History(ctx context.Context, imageID string) ([]buildlog.HistoryEntry, error) {
	if e.HistoryFunc == nil {
		return nil, nil
	}
	return e.HistoryFunc(ctx, imageID)
}

func (e *fakeEngine) SaveImage(ctx context.Context, id string) (io.ReadCloser, error) {
	return e.SaveImageFunc(ctx, id)
}

func (e *fakeEngine) Push(ctx context.Context, tag string, auth *registry.AuthConfig, out io.Writer) error {
	if e.PushFunc == nil {
		return nil
	}
	return e.PushFunc(ctx, tag, auth, out)
}

func (e *fakeEngine) RunDetached(ctx context.Context, spec engine.RunSpec) (string, error) {
	e.mu.Lock()
	e.runs = append(e.runs, spec)
	e.mu.Unlock()

	if e.RunDetachedFunc == nil {
		return "c0ffee", nil
	}
	return e.RunDetachedFunc(ctx, spec)
}

// streamBuild returns a BuildFunc which feeds lines to the handler and then returns err
func streamBuild(err error, lines ...string) func(ctx context.Context, contextDir string, opts engine.BuildOptions, handler engine.MessageHandler) error {
	return func(ctx context.Context, contextDir string, opts engine.BuildOptions, handler engine.MessageHandler) error {
		for _, l := range lines {
			if herr := handler(jsonmessage.JSONMessage{Stream: l}); herr != nil {
				return herr
			}
		}
		return err
	}
}

// fakeStore writes the key name as file content
type fakeStore struct {
	mu         sync.Mutex
	downloaded []string
	err        error
}

func (s *fakeStore) DownloadFile(ctx context.Context, key, prefix, version, dest string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	s.downloaded = append(s.downloaded, key)
	s.mu.Unlock()

	fn := filepath.Join(dest, key)
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return "", err
	}
	return fn, os.WriteFile(fn, []byte(key), 0644)
}

func (s *fakeStore) DownloadFiles(ctx context.Context, files map[string]string, prefix, dest string) error {
	for key, version := range files {
		if _, err := s.DownloadFile(ctx, key, prefix, version, dest); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) Downloaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := append([]string(nil), s.downloaded...)
	sort.Strings(res)
	return res
}

// fakeFetcher creates an empty directory per repository
type fakeFetcher struct {
	repos []repocache.RepositoryDescriptor
	err   error
}

func (f *fakeFetcher) AcquireAll(ctx context.Context, repos []repocache.RepositoryDescriptor, destDir string) ([]repocache.Result, error) {
	f.repos = append(f.repos, repos...)
	if f.err != nil {
		return nil, f.err
	}

	res := make([]repocache.Result, 0, len(repos))
	for _, r := range repos {
		target := filepath.Join(destDir, r.Name())
		if err := os.MkdirAll(target, 0755); err != nil {
			return res, err
		}
		res = append(res, repocache.Result{TargetPath: target})
	}
	return res, nil
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	return "", r.err
}

type fakeSecrets struct {
	password string
	keys     map[string]string
	err      error
}

func (s *fakeSecrets) ReadRegistryPassword(ctx context.Context) (string, error) {
	return s.password, s.err
}

func (s *fakeSecrets) ReadUserSSHKey(ctx context.Context, userID string) (string, error) {
	return s.keys[userID], s.err
}

type fakeAttacher struct {
	mu       sync.Mutex
	attached []string
	err      error
}

func (a *fakeAttacher) Attach(ctx context.Context, containerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.attached = append(a.attached, containerID)
	return a.err
}

type recordingReporter struct {
	mu       sync.Mutex
	steps    []string
	infos    []string
	output   []string
	progress []jsonmessage.JSONMessage
	finished []error
}

func (r *recordingReporter) StepStarted(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recordingReporter) Info(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, msg)
}

func (r *recordingReporter) BuildOutput(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, line)
}

func (r *recordingReporter) BuildProgress(msg jsonmessage.JSONMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, msg)
}

func (r *recordingReporter) Finished(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, err)
}

// testBuild produces a build with working folders in a temporary directory
func testBuild(t *testing.T, cfg *Config, deps Dependencies) *Build {
	if cfg.LayerCacheDir == "" {
		cfg.LayerCacheDir = filepath.Join(t.TempDir(), "layer-cache")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(t.TempDir(), "cache")
	}
	if deps.Reporter == nil {
		deps.Reporter = &recordingReporter{}
	}

	b := NewBuild(cfg, deps)
	root := t.TempDir()
	b.State.Dirs.DockerContext = filepath.Join(root, "context")
	b.State.Dirs.KeyDirectory = filepath.Join(root, "keys")
	b.State.Logs = Logs{
		DockerBuild: filepath.Join(root, "build.log"),
		Stdout:      filepath.Join(root, "stdout.log"),
		Stderr:      filepath.Join(root, "stderr.log"),
	}
	for _, d := range []string{b.State.Dirs.DockerContext, b.State.Dirs.KeyDirectory} {
		require.NoError(t, os.MkdirAll(d, 0755))
	}
	for _, f := range []string{b.State.Logs.DockerBuild, b.State.Logs.Stdout, b.State.Logs.Stderr} {
		require.NoError(t, os.WriteFile(f, nil, 0644))
	}
	return b
}

func readFile(t *testing.T, fn string) string {
	content, err := os.ReadFile(fn)
	require.NoError(t, err)
	return string(content)
}
