package dockerfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnable/image-builder/pkg/builder/cache"
	"github.com/runnable/image-builder/pkg/builder/cache/local"
)

func TestFindAnchor(t *testing.T) {
	type Expectation struct {
		Line string
		OK   bool
	}
	tests := []struct {
		Name        string
		Dockerfile  string
		Expectation Expectation
	}{
		{
			Name:        "single line",
			Dockerfile:  "FROM ubuntu\nRUN npm install # runnable-cache\nCMD start",
			Expectation: Expectation{Line: "RUN npm install # runnable-cache", OK: true},
		},
		{
			Name:        "no space before marker name",
			Dockerfile:  "FROM ubuntu\nRUN npm install #runnable-cache\n",
			Expectation: Expectation{Line: "RUN npm install #runnable-cache", OK: true},
		},
		{
			Name:        "mixed case",
			Dockerfile:  "FROM ubuntu\nrUn npm install # RuNnAbLe-CaChE\n",
			Expectation: Expectation{Line: "rUn npm install # RuNnAbLe-CaChE", OK: true},
		},
		{
			Name:        "continued instruction",
			Dockerfile:  "FROM ubuntu\nRUN apt-get update && \\\n    apt-get install -y git # runnable-cache\nCMD start",
			Expectation: Expectation{Line: "RUN apt-get update && \\\n    apt-get install -y git # runnable-cache", OK: true},
		},
		{
			Name:        "continued right after the keyword",
			Dockerfile:  "FROM ubuntu\nRUN \\\n    make # runnable-cache\n",
			Expectation: Expectation{Line: "RUN \\\n    make # runnable-cache", OK: true},
		},
		{
			Name:        "keyword followed by continuation",
			Dockerfile:  "FROM ubuntu\nRUN\\\n    make # runnable-cache\n",
			Expectation: Expectation{Line: "RUN\\\n    make # runnable-cache", OK: true},
		},
		{
			Name:        "crlf line endings",
			Dockerfile:  "FROM x\r\nRUN npm install # runnable-cache\r\nCMD app\r\n",
			Expectation: Expectation{Line: "RUN npm install # runnable-cache", OK: true},
		},
		{
			Name:        "crlf continued instruction",
			Dockerfile:  "FROM x\r\nRUN apt-get update && \\\r\n    apt-get install -y git # runnable-cache\r\n",
			Expectation: Expectation{Line: "RUN apt-get update && \\\r\n    apt-get install -y git # runnable-cache", OK: true},
		},
		{
			Name:        "first anchor wins",
			Dockerfile:  "FROM ubuntu\nRUN one # runnable-cache\nRUN two # runnable-cache\n",
			Expectation: Expectation{Line: "RUN one # runnable-cache", OK: true},
		},
		{
			Name:       "marker not at the end",
			Dockerfile: "FROM ubuntu\nRUN npm install # runnable-cache please\n",
		},
		{
			Name:       "not a run instruction",
			Dockerfile: "FROM ubuntu\nENV NO RUN # runnable-cache\nRUNRUN x # runnable-cache\n",
		},
		{
			Name:       "no marker",
			Dockerfile: "FROM ubuntu\nRUN npm install\n",
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			line, ok := FindAnchor(test.Dockerfile)
			if diff := cmp.Diff(test.Expectation, Expectation{Line: line, OK: ok}); diff != "" {
				t.Errorf("FindAnchor() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash("RUN npm install # runnable-cache")
	b := ContentHash("RUN npm install # runnable-cache")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, ContentHash("RUN npm install  # runnable-cache"))
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", ContentHash(""))
}

func newRewriter(t *testing.T) (*Rewriter, *local.FilesystemCache) {
	lc, err := local.NewFilesystemCache(t.TempDir())
	require.NoError(t, err)
	return &Rewriter{
		LayerCache: lc,
		ContextDir: t.TempDir(),
		ImageTag:   "registry.runnable.com/org/api:abc123",
	}, lc
}

func storeLayer(t *testing.T, lc *local.FilesystemCache, repo, hash, content string) string {
	dir, err := lc.Dir(repo)
	require.NoError(t, err)
	fn := filepath.Join(dir, hash+".tar")
	require.NoError(t, os.WriteFile(fn, []byte(content), 0640))
	return fn
}

func TestRewriteCacheHit(t *testing.T) {
	r, lc := newRewriter(t)
	anchor := "RUN npm install # runnable-cache"
	hash := ContentHash(anchor)
	src := storeLayer(t, lc, "registry.runnable.com/org/api", hash, "layer")
	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	dockerfile := "FROM node\nADD . /app\n" + anchor + "\nCMD npm start\n"
	res, err := r.Rewrite(dockerfile)
	require.NoError(t, err)

	expected := Result{
		Dockerfile: "FROM node\nADD . /app\nADD " + hash + ".tar /\n" + anchor + "\nCMD npm start\n",
		CachedLine: anchor,
		Hash:       hash,
		UsingCache: true,
	}
	if diff := cmp.Diff(expected, res); diff != "" {
		t.Errorf("Rewrite() mismatch (-want +got):\n%s", diff)
	}

	dst := filepath.Join(r.ContextDir, hash+".tar")
	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "layer", string(content))

	stat, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), stat.Mode().Perm())
	assert.True(t, stat.ModTime().Equal(mtime), "modification time not preserved: %v", stat.ModTime())
}

func TestRewriteCacheMiss(t *testing.T) {
	r, lc := newRewriter(t)
	anchor := "RUN npm install # runnable-cache"
	// archive of another repository must not be picked up
	storeLayer(t, lc, "registry.runnable.com/org/other", ContentHash(anchor), "layer")

	dockerfile := "FROM node\n" + anchor + "\n"
	res, err := r.Rewrite(dockerfile)
	require.NoError(t, err)

	assert.Equal(t, dockerfile, res.Dockerfile)
	assert.False(t, res.UsingCache)
	assert.Equal(t, anchor, res.CachedLine)
	assert.Equal(t, ContentHash(anchor), res.Hash)

	entries, err := os.ReadDir(r.ContextDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRewriteNoAnchor(t *testing.T) {
	r, _ := newRewriter(t)
	dockerfile := "FROM node\nRUN npm install\n"

	res, err := r.Rewrite(dockerfile)
	require.NoError(t, err)
	if diff := cmp.Diff(Result{Dockerfile: dockerfile}, res); diff != "" {
		t.Errorf("Rewrite() mismatch (-want +got):\n%s", diff)
	}
}

func TestRewriteUnreadableContext(t *testing.T) {
	r, lc := newRewriter(t)
	anchor := "RUN make # runnable-cache"
	storeLayer(t, lc, "registry.runnable.com/org/api", ContentHash(anchor), "layer")
	r.ContextDir = filepath.Join(r.ContextDir, "does", "not", "exist")

	res, err := r.Rewrite("FROM x\n" + anchor)
	require.NoError(t, err)
	assert.False(t, res.UsingCache)
	assert.Equal(t, "FROM x\n"+anchor, res.Dockerfile)
}

func TestRewriteRoundTrip(t *testing.T) {
	r, lc := newRewriter(t)
	anchor := "RUN bundle install # runnable-cache"
	dockerfile := "FROM ruby\n" + anchor + "\n"

	first, err := r.Rewrite(dockerfile)
	require.NoError(t, err)
	require.False(t, first.UsingCache)

	// what the archiver does after a successful build
	storeLayer(t, lc, cache.TagRepository(r.ImageTag), first.Hash, "layer")

	second, err := r.Rewrite(dockerfile)
	require.NoError(t, err)
	assert.True(t, second.UsingCache)
	assert.Equal(t, first.Hash, second.Hash)
	assert.True(t, strings.HasPrefix(second.Dockerfile, "FROM ruby\nADD "+first.Hash+".tar /\n"))
}

func TestRewriteAnchorTextRepeatedInComment(t *testing.T) {
	r, lc := newRewriter(t)
	anchor := "RUN npm install # runnable-cache"
	hash := ContentHash(anchor)
	storeLayer(t, lc, "registry.runnable.com/org/api", hash, "layer")

	dockerfile := "FROM x\n# " + anchor + "\n" + anchor + "\nCMD app"
	res, err := r.Rewrite(dockerfile)
	require.NoError(t, err)

	expected := "FROM x\n# " + anchor + "\nADD " + hash + ".tar /\n" + anchor + "\nCMD app"
	if diff := cmp.Diff(expected, res.Dockerfile); diff != "" {
		t.Errorf("Rewrite() mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, res.UsingCache)
}

func TestRewriteCRLF(t *testing.T) {
	r, lc := newRewriter(t)
	anchor := "RUN npm install # runnable-cache"
	hash := ContentHash(anchor)
	storeLayer(t, lc, "registry.runnable.com/org/api", hash, "layer")

	res, err := r.Rewrite("FROM x\r\n" + anchor + "\r\nCMD app\r\n")
	require.NoError(t, err)

	assert.True(t, res.UsingCache)
	assert.Equal(t, hash, res.Hash)
	assert.Equal(t, "FROM x\r\nADD "+hash+".tar /\n"+anchor+"\r\nCMD app\r\n", res.Dockerfile)
}

func TestRewriteWithoutLayerCache(t *testing.T) {
	anchor := "RUN make # runnable-cache"
	r := &Rewriter{ContextDir: t.TempDir(), ImageTag: "api:latest"}

	res, err := r.Rewrite("FROM x\n" + anchor)
	require.NoError(t, err)

	expected := Result{
		Dockerfile: "FROM x\n" + anchor,
		CachedLine: anchor,
		Hash:       ContentHash(anchor),
	}
	if diff := cmp.Diff(expected, res); diff != "" {
		t.Errorf("Rewrite() mismatch (-want +got):\n%s", diff)
	}
}
