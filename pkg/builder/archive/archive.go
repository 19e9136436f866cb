// Package archive exports the cache anchor layer of a built image into the layer cache
package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/v1/tarball"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/runnable/image-builder/pkg/builder/buildlog"
	"github.com/runnable/image-builder/pkg/builder/cache"
	"github.com/runnable/image-builder/pkg/builder/cache/local"
)

// ImageSaver exports images in the format of `docker save`
type ImageSaver interface {
	SaveImage(ctx context.Context, id string) (io.ReadCloser, error)
}

// Archiver writes layers into a filesystem layer cache
type Archiver struct {
	Engine ImageSaver
	Cache  *local.FilesystemCache
}

// Archive stores the topmost layer of rec.SourceLayerID under key and returns the archive's path.
// The archive appears atomically: readers either see the complete file or none at all.
func (a *Archiver) Archive(ctx context.Context, rec buildlog.LayerRecord, key cache.LayerKey) (string, error) {
	if rec.SourceLayerID == "" {
		return "", xerrors.Errorf("no layer to archive")
	}
	if key.ContentHash == "" {
		return "", xerrors.Errorf("no content hash for layer %s", rec.SourceLayerID)
	}

	dst, exists := a.Cache.Location(key)
	if dst == "" {
		return "", xerrors.Errorf("invalid layer key %+v", key)
	}
	logger := log.WithFields(log.Fields{
		"image": rec.SourceImageID,
		"layer": rec.SourceLayerID,
		"hash":  key.ContentHash,
	})
	if exists {
		logger.Debug("layer is already archived")
		return dst, nil
	}

	dir, err := a.Cache.Dir(key.Repository())
	if err != nil {
		return "", err
	}

	saved, err := a.spool(ctx, rec.SourceLayerID, dir)
	if err != nil {
		return "", err
	}
	defer os.Remove(saved)

	err = extractTopLayer(saved, dir, dst)
	if err != nil {
		return "", xerrors.Errorf("cannot extract layer %s: %w", rec.SourceLayerID, err)
	}

	logger.WithField("archive", dst).Info("archived cached layer")
	return dst, nil
}

// spool writes the exported image into a temporary file in dir
func (a *Archiver) spool(ctx context.Context, id, dir string) (string, error) {
	rc, err := a.Engine.SaveImage(ctx, id)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	f, err := os.CreateTemp(dir, ".save-*.tar")
	if err != nil {
		return "", xerrors.Errorf("cannot create temporary file: %w", err)
	}
	_, err = io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", xerrors.Errorf("cannot export image %s: %w", id, err)
	}
	return f.Name(), nil
}

func extractTopLayer(saved, dir, dst string) error {
	img, err := tarball.ImageFromPath(saved, nil)
	if err != nil {
		return err
	}
	layers, err := img.Layers()
	if err != nil {
		return err
	}
	if len(layers) == 0 {
		return xerrors.Errorf("image has no layers")
	}

	rc, err := layers[len(layers)-1].Uncompressed()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	_, err = io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
