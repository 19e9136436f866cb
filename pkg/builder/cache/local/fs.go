package local

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/runnable/image-builder/pkg/builder/cache"
)

// FilesystemCache stores layer archives in one folder per image repository
type FilesystemCache struct {
	Origin string
}

// NewFilesystemCache creates a new filesystem cache
func NewFilesystemCache(location string) (*FilesystemCache, error) {
	err := os.MkdirAll(location, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create layer cache directory: %w", err)
	}

	return &FilesystemCache{location}, nil
}

// Location computes the name of a layer archive.
// Returns exists == true if that archive actually exists.
func (fsc *FilesystemCache) Location(layer cache.Layer) (path string, exists bool) {
	repo := sanitizeRepository(layer.Repository())
	hash := layer.Hash()
	if repo == "" || hash == "" {
		log.WithFields(log.Fields{
			"repository": layer.Repository(),
			"hash":       hash,
		}).Debug("incomplete layer key")
		return "", false
	}

	path = filepath.Join(fsc.Origin, repo, fmt.Sprintf("%s.tar", hash))
	return path, fileExists(path)
}

// Dir returns the directory holding all archives of a repository, creating it if needed
func (fsc *FilesystemCache) Dir(repository string) (string, error) {
	repo := sanitizeRepository(repository)
	if repo == "" {
		return "", fmt.Errorf("invalid repository %q", repository)
	}
	dir := filepath.Join(fsc.Origin, repo)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create layer cache directory: %w", err)
	}
	return dir, nil
}

// sanitizeRepository keeps repositories from escaping the cache origin
func sanitizeRepository(repo string) string {
	repo = filepath.Clean("/" + repo)
	return strings.TrimPrefix(repo, "/")
}

// fileExists checks if a file exists and is not a directory
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
