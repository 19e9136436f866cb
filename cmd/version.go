package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runnable/image-builder/pkg/builder"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version of this image-builder build",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(builder.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
