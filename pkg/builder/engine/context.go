package engine

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/moby/go-archive"
	"github.com/moby/patternmatcher/ignorefile"
	"golang.org/x/xerrors"
)

const dockerignoreFile = ".dockerignore"

// ContextTar packs dir into an uncompressed tar stream honoring its .dockerignore.
// The Dockerfile and the ignore file itself are always included.
func ContextTar(dir, dockerfile string) (io.ReadCloser, error) {
	excludes, err := readDockerignore(dir)
	if err != nil {
		return nil, err
	}
	if len(excludes) > 0 {
		if dockerfile == "" {
			dockerfile = "Dockerfile"
		}
		excludes = append(excludes, "!"+filepath.Clean(dockerfile), "!"+dockerignoreFile)
	}

	rc, err := archive.TarWithOptions(dir, &archive.TarOptions{
		ExcludePatterns: excludes,
	})
	if err != nil {
		return nil, xerrors.Errorf("cannot create build context from %s: %w", dir, err)
	}
	return rc, nil
}

func readDockerignore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, dockerignoreFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("cannot read %s: %w", dockerignoreFile, err)
	}
	defer f.Close()

	excludes, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, xerrors.Errorf("cannot parse %s: %w", dockerignoreFile, err)
	}
	return excludes, nil
}
