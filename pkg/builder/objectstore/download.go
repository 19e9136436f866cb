package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
)

func (s *S3Storage) rateLimiter() *rate.Limiter {
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurstLimit)
	}
	return s.limiter
}

// DownloadFile downloads key into dest and returns the local path.
//
// prefix (with or without trailing slash) is removed from the key before it's joined with dest,
// so that "prefix/a/b" lands in "dest/a/b". Keys ending in a slash denote directories and are
// created rather than downloaded.
func (s *S3Storage) DownloadFile(ctx context.Context, key, prefix, version, dest string) (string, error) {
	if key == "" {
		return "", xerrors.Errorf("Need a file to download!")
	}

	prefix = strings.TrimSuffix(prefix, "/")
	rel := strings.TrimPrefix(key, prefix)
	local := filepath.Join(dest, rel)
	if local != filepath.Clean(dest) && !strings.HasPrefix(local, filepath.Clean(dest)+string(filepath.Separator)) {
		return "", xerrors.Errorf("key %s points outside of %s", key, dest)
	}

	logger := log.WithFields(log.Fields{"bucket": s.bucketName, "key": key, "version": version})
	if strings.HasSuffix(key, "/") {
		logger.WithField("path", local).Debug("creating directory")
		if err := os.MkdirAll(local, 0755); err != nil {
			return "", xerrors.Errorf("cannot create directory for %s: %w", key, err)
		}
		return local, nil
	}

	if _, err := s.GetObject(ctx, key, version, local); err != nil {
		return "", err
	}
	logger.WithField("path", local).Debug("downloaded file")
	return local, nil
}

// DownloadFiles downloads all files (key to version) concurrently. The first failure cancels the remaining downloads.
func (s *S3Storage) DownloadFiles(ctx context.Context, files map[string]string, prefix, dest string) error {
	limiter := s.rateLimiter()
	eg, ctx := errgroup.WithContext(ctx)
	for key, version := range files {
		key, version := key, version
		eg.Go(func() error {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			_, err := s.DownloadFile(ctx, key, prefix, version, dest)
			return err
		})
	}
	return eg.Wait()
}
