package cmd

import (
	"context"
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runnable/image-builder/pkg/builder"
	"github.com/runnable/image-builder/pkg/builder/objectstore"
)

var errNoFile = errors.New("Need a file to download!")

type downloadOptions struct {
	File    string
	Files   string
	Version string
	Prefix  string
	Dest    string
}

var downloadOpts downloadOptions

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Downloads files from an S3 bucket",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		bucket, _ := cmd.Flags().GetString("bucket")
		if downloadOpts.File == "" && downloadOpts.Files == "" {
			log.Error(errNoFile)
			os.Exit(builder.ExitCodeUsage)
		}

		cfg, err := getConfig()
		if err != nil {
			log.Fatal(err)
		}
		ctx := context.Background()
		awsCfg, err := objectstore.LoadConfig(ctx, objectstore.Credentials{
			AccessKeyID:     cfg.AWSAccessKey,
			SecretAccessKey: cfg.AWSSecretKey,
			Region:          cfg.AWSRegion,
		})
		if err != nil {
			log.Fatal(err)
		}

		store := objectstore.NewS3Storage(bucket, &awsCfg)
		err = download(ctx, store, downloadOpts)
		if errors.Is(err, errNoFile) {
			log.Error(err)
			os.Exit(builder.ExitCodeUsage)
		}
		if err != nil {
			log.WithError(err).WithField("bucket", store.Bucket()).Fatal("download failed")
		}
	},
}

func download(ctx context.Context, store builder.ObjectStore, opts downloadOptions) error {
	if opts.File != "" {
		dst, err := store.DownloadFile(ctx, opts.File, opts.Prefix, opts.Version, opts.Dest)
		if err != nil {
			return err
		}
		log.WithField("path", dst).Debug("downloaded")
		return nil
	}
	if opts.Files == "" {
		return errNoFile
	}

	files, err := (&builder.Config{Files: opts.Files}).BuildFiles()
	if err != nil {
		return err
	}
	return store.DownloadFiles(ctx, files, opts.Prefix, opts.Dest)
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().String("bucket", "", "bucket to download from")
	_ = downloadCmd.MarkFlagRequired("bucket")
	downloadCmd.Flags().StringVar(&downloadOpts.File, "file", "", "key of a single file to download")
	downloadCmd.Flags().StringVar(&downloadOpts.Version, "version", "", "version of --file")
	downloadCmd.Flags().StringVar(&downloadOpts.Files, "files", "", "JSON object of keys and versions to download")
	downloadCmd.Flags().StringVar(&downloadOpts.Prefix, "prefix", "", "prefix removed from the keys to form local paths")
	downloadCmd.Flags().StringVar(&downloadOpts.Dest, "dest", ".", "directory to download to")
}
