package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnable/image-builder/pkg/builder/buildlog"
)

// fakeAPI implements the parts of the engine API the tests exercise.
// Calling anything else panics on the nil embedded interface.
type fakeAPI struct {
	client.APIClient

	imageBuild   func(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	imageHistory func(ctx context.Context, imageID string) ([]image.HistoryResponseItem, error)

	mu     sync.Mutex
	killed []string
}

func (f *fakeAPI) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	_, _ = io.Copy(io.Discard, buildContext)
	return f.imageBuild(ctx, buildContext, options)
}

func (f *fakeAPI) ImageHistory(ctx context.Context, imageID string, _ ...client.ImageHistoryOption) ([]image.HistoryResponseItem, error) {
	return f.imageHistory(ctx, imageID)
}

func (f *fakeAPI) ContainerKill(ctx context.Context, containerID, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, containerID+":"+signal)
	return nil
}

func (f *fakeAPI) Killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func newContextDir(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0644))
	return dir
}

func TestClientBuild(t *testing.T) {
	var received build.ImageBuildOptions
	api := &fakeAPI{
		imageBuild: func(ctx context.Context, _ io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
			received = options
			return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(
				`{"stream":"Step 1/1 : FROM scratch\n"}` + "\n" + `{"stream":"Successfully built 0123abcd\n"}` + "\n",
			))}, nil
		},
	}
	c := &Client{api: api}

	var lines []string
	err := c.Build(context.Background(), newContextDir(t), BuildOptions{
		Tag:   "org/api:latest",
		Flags: DefaultBuildFlags(),
	}, func(msg jsonmessage.JSONMessage) error {
		lines = append(lines, msg.Stream)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Step 1/1 : FROM scratch\n", "Successfully built 0123abcd\n"}, lines)
	assert.Equal(t, []string{"org/api:latest"}, received.Tags)
	assert.True(t, received.Remove)
	assert.Empty(t, api.Killed())
}

func TestClientBuildTimeoutKillsRunningContainer(t *testing.T) {
	pr, pw := io.Pipe()
	api := &fakeAPI{
		imageBuild: func(ctx context.Context, _ io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
			go func() {
				_, _ = io.WriteString(pw, `{"stream":"Step 2/3 : RUN sleep 1000\n"}`+"\n")
				_, _ = io.WriteString(pw, `{"stream":" ---> Running in 0a1b2c3d\n"}`+"\n")
			}()
			return build.ImageBuildResponse{Body: pr}, nil
		},
	}
	c := &Client{api: api}

	err := c.Build(context.Background(), newContextDir(t), BuildOptions{IdleTimeout: 50 * time.Millisecond}, nil)
	assert.ErrorIs(t, err, ErrBuildTimeout)
	assert.Equal(t, []string{"0a1b2c3d:SIGKILL"}, api.Killed())
}

func TestClientBuildFailureIsNoTimeout(t *testing.T) {
	api := &fakeAPI{
		imageBuild: func(ctx context.Context, _ io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
			return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(
				`{"stream":" ---> Running in 0a1b2c3d\n"}` + "\n" + `{"error":"boom","errorDetail":{"message":"boom"}}` + "\n",
			))}, nil
		},
	}
	c := &Client{api: api}

	err := c.Build(context.Background(), newContextDir(t), BuildOptions{IdleTimeout: time.Minute}, nil)
	var berr *BuildError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, "boom", berr.Message)
	assert.False(t, errors.Is(err, ErrBuildTimeout))
	assert.Empty(t, api.Killed())
}

func TestClientHistory(t *testing.T) {
	api := &fakeAPI{
		imageHistory: func(ctx context.Context, imageID string) ([]image.HistoryResponseItem, error) {
			assert.Equal(t, "0123abcd", imageID)
			return []image.HistoryResponseItem{
				{ID: "sha256:top", CreatedBy: "/bin/sh -c #(nop)  CMD [\"start\"]"},
				{ID: "layer", CreatedBy: "/bin/sh -c make # runnable-cache"},
			}, nil
		},
	}
	c := &Client{api: api}

	entries, err := c.History(context.Background(), "0123abcd")
	require.NoError(t, err)

	expected := []buildlog.HistoryEntry{
		{ID: "sha256:top", CreatedBy: "/bin/sh -c #(nop)  CMD [\"start\"]"},
		{ID: "layer", CreatedBy: "/bin/sh -c make # runnable-cache"},
	}
	if diff := cmp.Diff(expected, entries); diff != "" {
		t.Errorf("History() mismatch (-want +got):\n%s", diff)
	}
}

func TestClientHistoryError(t *testing.T) {
	failure := errors.New("no such image")
	c := &Client{api: &fakeAPI{
		imageHistory: func(ctx context.Context, imageID string) ([]image.HistoryResponseItem, error) {
			return nil, failure
		},
	}}

	_, err := c.History(context.Background(), "0123abcd")
	assert.ErrorIs(t, err, failure)
}
