package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runnable/image-builder/pkg/builder"
	"github.com/runnable/image-builder/pkg/builder/engine"
	"github.com/runnable/image-builder/pkg/builder/secrets"
)

// pushCmd represents the push command
var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Pushes RUNNABLE_DOCKERTAG to its registry",
	Long: `Pushes RUNNABLE_DOCKERTAG using the docker daemon at RUNNABLE_DOCKER.
If RUNNABLE_REGISTRY_USERNAME is set, the registry password is read from vault.

The build runs this command in a detached container so that the build does not wait for the push.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := getConfig()
		if err != nil {
			log.WithError(err).Error("push failed")
			os.Exit(builder.ExitCodeFailure)
		}
		os.Exit(push(context.Background(), cfg, connectPusher, os.Stdout, os.Stderr))
	},
}

func connectPusher(host string) (builder.Pusher, error) {
	c, err := engine.NewClient(host)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// push pushes the configured image and returns the exit code
func push(ctx context.Context, cfg *builder.Config, connect func(host string) (builder.Pusher, error), out, errOut io.Writer) int {
	if cfg.DockerTag == "" {
		fmt.Fprintf(errOut, "Missing %s can not push\n", builder.EnvDockerTag)
		return builder.ExitCodeMissingEnv
	}
	if cfg.DockerHost == "" {
		fmt.Fprintf(errOut, "Missing %s can not push\n", builder.EnvDocker)
		return builder.ExitCodeMissingEnv
	}

	logger := log.WithField("tag", cfg.DockerTag)
	pusher, err := connect(cfg.DockerHost)
	if err != nil {
		logger.WithError(err).Error("push failed")
		return builder.ExitCodeFailure
	}

	var sp secrets.Provider
	if cfg.RegistryUsername != "" {
		sp, err = secrets.NewVaultProvider(cfg.Vault)
		if err != nil {
			logger.WithError(err).Error("push failed")
			return builder.ExitCodeFailure
		}
	}

	err = builder.PushImage(ctx, pusher, cfg.DockerTag, cfg.RegistryUsername, sp, out)
	if err != nil {
		logger.WithError(err).Error("push failed")
		return builder.ExitCodeFailure
	}
	logger.Info("push completed")
	return builder.ExitCodeSuccess
}

func init() {
	rootCmd.AddCommand(pushCmd)
}
