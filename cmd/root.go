package cmd

import (
	"fmt"
	"os"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runnable/image-builder/pkg/builder"
)

var verbose bool

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "image-builder",
	Short: "Builds container images and reuses the layer marked for caching",
	Long: color.Render(`<light_yellow>image-builder prepares a build context and builds a container image</> from it.
  Context:     files from an S3 bucket plus git repositories, fetched through a shared repository cache.
  Layer cache: the Dockerfile RUN instruction annotated with "# runnable-cache" is archived after the build.
               Subsequent builds with the same instruction ADD the archive instead of running it again.

Without a sub-command image-builder runs the build.

<white>Configuration</>
image-builder is configured exclusively through environment variables.

<white>Build context</>
  <light_blue>RUNNABLE_AWS_ACCESS_KEY</>           Credentials for the S3 buckets. Required, as is RUNNABLE_AWS_SECRET_KEY.
  <light_blue>RUNNABLE_AWS_SECRET_KEY</>
  <light_blue>RUNNABLE_AWS_REGION</>               Region of the S3 buckets. Defaults to us-west-1.
  <light_blue>RUNNABLE_DEPLOYKEY</>                Semicolon separated deploy keys in RUNNABLE_KEYS_BUCKET, one per repository.
  <light_blue>RUNNABLE_KEYS_BUCKET</>
  <light_blue>RUNNABLE_FILES</>                    JSON object of file keys and versions in RUNNABLE_FILES_BUCKET.
  <light_blue>RUNNABLE_FILES_BUCKET</>
  <light_blue>RUNNABLE_PREFIX</>                   Removed from the keys of RUNNABLE_FILES to form their paths.
  <light_blue>RUNNABLE_REPO</>                     Semicolon separated repositories, zipped with RUNNABLE_COMMITISH and RUNNABLE_PRS.
  <light_blue>RUNNABLE_COMMITISH</>
  <light_blue>RUNNABLE_PRS</>
  <light_blue>SEARCH_AND_REPLACE_RULES</>          Semicolon separated JSON rule lists, one per repository.
  <light_blue>CACHE_DIR</>                         Location of the repository cache. Defaults to /cache.

<white>Build</>
  <light_blue>RUNNABLE_DOCKER</>                   Docker endpoint, either unix:///path/to/socket or tcp://host:port.
  <light_blue>RUNNABLE_DOCKERTAG</>                Tag of the image to build.
  <light_blue>RUNNABLE_BUILD_FLAGS</>              JSON object of additional build options.
  <light_blue>RUNNABLE_BUILD_ROOT</>               Directory of the Dockerfile within the build context.
  <light_blue>RUNNABLE_BUILD_DOCKERFILE</>         Dockerfile path within the repository for monorepo builds.
  <light_blue>RUNNABLE_BUILD_LINE_TIMEOUT_MS</>    Build fails if it prints nothing for this long.
  <light_blue>RUNNABLE_WAIT_FOR_WEAVE</>           Command every RUN and CMD instruction waits on before it runs.
  <light_blue>RUNNABLE_SSH_KEY_IDS</>              Comma separated users whose SSH keys are made available to monorepo builds.
  <light_blue>LAYER_CACHE_DIR</>                   Location of the layer cache. Defaults to /layer-cache.

<white>Layer copy and push</>
  <light_blue>RUNNABLE_PUSH_IMAGE</>               Push the image after the build.
  <light_blue>RUNNABLE_IMAGE_BUILDER_NAME</>       Image running the layer copy and push in detached containers.
  <light_blue>RUNNABLE_IMAGE_BUILDER_TAG</>        Without it both run in this process.
  <light_blue>DOCKER_IMAGE_BUILDER_LAYER_CACHE</>  Host path of LAYER_CACHE_DIR, mounted into the layer copy container.
  <light_blue>RUNNABLE_REGISTRY_USERNAME</>        Registry user. Its password is read from vault.
  <light_blue>NODE_ENV</>                          Forwarded to the push container.

<white>Vault</>
  <light_blue>RUNNABLE_VAULT_ENDPOINT</>           Vault address.
  <light_blue>RUNNABLE_VAULT_TOKEN_FILE_PATH</>    File holding the vault token.
  <light_blue>RUNNABLE_ORG_ID</>                   Organization whose secrets are read.

<white>Network</>
  <light_blue>RUNNABLE_NETWORK_DRIVER</>           weave, sauron or empty. Build containers are attached as they start.
  <light_blue>RUNNABLE_HOST_IP</>                  Address of this host on the container network.
  <light_blue>RUNNABLE_CIDR</>                     Prefix length weave attaches with.
  <light_blue>RUNNABLE_WEAVE_PATH</>               weave executable.
  <light_blue>RUNNABLE_NETWORK_IP</>               Network the sauron driver attaches to.
  <light_blue>RUNNABLE_SAURON_HOST</>              sauron endpoint.
`),
	Args: cobra.NoArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
	Run: runBuild,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(builder.ExitCodeFailure)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enables verbose logging")
}

func getConfig() (*builder.Config, error) {
	return builder.LoadConfig(builder.NewEnvironment())
}
