package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runnable/image-builder/pkg/builder"
)

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Prepares the build context, builds the image and archives the cached layer",
	Args:  cobra.NoArgs,
	Run:   runBuild,
}

func runBuild(cmd *cobra.Command, args []string) {
	reporter := builder.NewConsoleReporter(os.Stdout, os.Stderr)

	cfg, err := getConfig()
	if err != nil {
		reporter.Finished(err)
		os.Exit(builder.ExitCode(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	b := builder.NewBuild(cfg, builder.Dependencies{Reporter: reporter})
	err = b.Run(ctx, builder.DefaultSteps())
	cancel()

	var serr *builder.StepError
	if errors.As(err, &serr) {
		log.WithField("step", serr.Step).WithField("logs", b.State.Logs.Stderr).Debug(serr.Detail())
	}
	reporter.Finished(err)
	os.Exit(builder.ExitCode(err))
}

func init() {
	rootCmd.AddCommand(buildCmd)
}
