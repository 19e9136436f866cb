package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runnable/image-builder/pkg/builder"
	"github.com/runnable/image-builder/pkg/builder/buildlog"
	"github.com/runnable/image-builder/pkg/builder/engine"
)

// archiveLayerCmd represents the archive-layer command
var archiveLayerCmd = &cobra.Command{
	Use:   "archive-layer",
	Short: "Stores a built layer in the layer cache",
	Long: `Exports CACHED_LAYER of IMAGE_ID from the docker daemon at RUNNABLE_DOCKER and stores it in
LAYER_CACHE_DIR under the repository of RUNNABLE_DOCKERTAG and CACHED_LAYER_HASH.

The build runs this command in a detached container so that the build does not wait for the export.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		env := builder.NewEnvironment()
		cfg, err := builder.LoadConfig(env)
		if err != nil {
			log.Fatal(err)
		}

		var (
			rec = buildlog.LayerRecord{
				SourceImageID: env.GetString(builder.EnvImageID),
				SourceLayerID: env.GetString(builder.EnvCachedLayer),
			}
			hash = env.GetString(builder.EnvCachedLayerHash)
		)
		for key, val := range map[string]string{
			builder.EnvImageID:         rec.SourceImageID,
			builder.EnvCachedLayer:     rec.SourceLayerID,
			builder.EnvCachedLayerHash: hash,
			builder.EnvDockerTag:       cfg.DockerTag,
			builder.EnvDocker:          cfg.DockerHost,
		} {
			if val == "" {
				log.Fatal(&builder.ConfigError{Key: key})
			}
		}

		client, err := engine.NewClient(cfg.DockerHost)
		if err != nil {
			log.Fatal(err)
		}
		defer client.Close()

		dst, err := builder.ArchiveLayer(context.Background(), client, cfg.LayerCacheDir, cfg.DockerTag, rec, hash)
		if err != nil {
			log.WithError(err).WithField("layer", rec.SourceLayerID).Fatal("cannot archive layer")
		}
		log.WithField("path", dst).Info("layer archived")
	},
}

func init() {
	rootCmd.AddCommand(archiveLayerCmd)
}
