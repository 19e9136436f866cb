// Package objectstore downloads deploy keys and build files from S3 buckets
package objectstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
)

const (
	// defaultS3PartSize is the default part size for S3 multipart operations
	defaultS3PartSize = 5 * 1024 * 1024
	// defaultRateLimit is the default rate limit for S3 API calls (requests per second)
	defaultRateLimit = 100
	// defaultBurstLimit is the default burst limit for S3 API calls
	defaultBurstLimit = 200
)

// ErrNotFound is returned when an object does not exist in its bucket
var ErrNotFound = errors.New("object not found")

// s3ClientAPI is a subset of the S3 client interface we need
type s3ClientAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Credentials configure access to the object store
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// LoadConfig produces an AWS config using static credentials
func LoadConfig(ctx context.Context, creds Credentials) (aws.Config, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return aws.Config{}, xerrors.Errorf("Missing credentials.")
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(creds.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, "")),
	)
	if err != nil {
		return aws.Config{}, xerrors.Errorf("cannot load AWS config: %w", err)
	}
	return cfg, nil
}

// S3Storage reads objects from a single bucket
type S3Storage struct {
	client     s3ClientAPI
	bucketName string
	limiter    *rate.Limiter
}

// NewS3Storage creates a new S3 storage implementation
func NewS3Storage(bucketName string, cfg *aws.Config) *S3Storage {
	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		o.DisableLogOutputChecksumValidationSkipped = true
	})
	return &S3Storage{
		client:     client,
		bucketName: bucketName,
	}
}

// Bucket returns the name of the bucket this storage reads from
func (s *S3Storage) Bucket() string {
	return s.bucketName
}

// GetObject downloads key into dest. If version is not empty that particular object version is downloaded.
// dest is removed if the download fails.
func (s *S3Storage) GetObject(ctx context.Context, key, version, dest string) (n int64, err error) {
	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = defaultS3PartSize
	})

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, xerrors.Errorf("failed to create parent directory: %w", err)
	}

	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, xerrors.Errorf("failed to create destination file: %w", err)
	}
	defer func() {
		cerr := file.Close()
		if err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}
	if version != "" {
		input.VersionId = aws.String(version)
	}

	n, err = downloader.Download(ctx, file, input)
	if err != nil {
		if isNotFound(err) {
			return 0, xerrors.Errorf("%s/%s: %w", s.bucketName, key, ErrNotFound)
		}

		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			log.WithError(err).WithFields(log.Fields{
				"bucket":    s.bucketName,
				"key":       key,
				"errorCode": apiErr.ErrorCode(),
			}).Warn("S3 API error while downloading object")
			return 0, xerrors.Errorf("S3 API error: %w", err)
		}
		return 0, xerrors.Errorf("failed to download object: %w", err)
	}

	log.WithFields(log.Fields{
		"bucket": s.bucketName,
		"key":    key,
		"size":   n,
	}).Debug("downloaded object")
	return n, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	// 404s are not always wrapped as NoSuchKey
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}
