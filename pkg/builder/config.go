package builder

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/runnable/image-builder/pkg/builder/network"
	"github.com/runnable/image-builder/pkg/builder/repocache"
	"github.com/runnable/image-builder/pkg/builder/secrets"
)

const (
	// DefaultCacheDir is where repository mirrors live unless CACHE_DIR says otherwise
	DefaultCacheDir = "/cache"
	// DefaultLayerCacheDir is where layer archives live unless LAYER_CACHE_DIR says otherwise
	DefaultLayerCacheDir = "/layer-cache"
	// DefaultAWSRegion is used unless RUNNABLE_AWS_REGION says otherwise
	DefaultAWSRegion = "us-west-1"
)

// Config is the complete configuration of a build. It's read once from the environment
// and passed down from there; nothing below reads the environment directly.
type Config struct {
	AWSAccessKey string
	AWSSecretKey string
	AWSRegion    string

	// DeployKeys are object names in KeysBucket, positionally matching Repositories
	DeployKeys []string
	KeysBucket string

	// Files is the raw JSON object of file keys to versions
	Files       string
	FilesBucket string
	FilesPrefix string

	Repositories []repocache.RepositoryDescriptor
	// SearchAndReplaceRules holds a JSON rule array per repository
	SearchAndReplaceRules []string

	DockerHost       string
	DockerTag        string
	BuildFlags       string
	BuildDockerfile  string
	BuildRoot        string
	WaitForNetwork   string
	BuildLineTimeout time.Duration
	PushImage        bool

	// BuilderImage runs the layer copy and push in detached containers if set
	BuilderImage      string
	HostLayerCacheDir string
	CacheDir          string
	LayerCacheDir     string

	SSHKeyIDs        []string
	Vault            secrets.VaultConfig
	RegistryUsername string

	NetworkDriver string
	Network       network.Config

	Environment string
}

// ConfigError describes a missing or malformed configuration value
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("%s is missing.", e.Key)
}

// environment variable names
const (
	EnvAWSAccessKey          = "RUNNABLE_AWS_ACCESS_KEY"
	EnvAWSSecretKey          = "RUNNABLE_AWS_SECRET_KEY"
	EnvAWSRegion             = "RUNNABLE_AWS_REGION"
	EnvDeployKey             = "RUNNABLE_DEPLOYKEY"
	EnvKeysBucket            = "RUNNABLE_KEYS_BUCKET"
	EnvFiles                 = "RUNNABLE_FILES"
	EnvFilesBucket           = "RUNNABLE_FILES_BUCKET"
	EnvPrefix                = "RUNNABLE_PREFIX"
	EnvRepo                  = "RUNNABLE_REPO"
	EnvCommitish             = "RUNNABLE_COMMITISH"
	EnvPRs                   = "RUNNABLE_PRS"
	EnvSearchAndReplaceRules = "SEARCH_AND_REPLACE_RULES"
	EnvDocker                = "RUNNABLE_DOCKER"
	EnvDockerTag             = "RUNNABLE_DOCKERTAG"
	EnvBuildFlags            = "RUNNABLE_BUILD_FLAGS"
	EnvBuildDockerfile       = "RUNNABLE_BUILD_DOCKERFILE"
	EnvBuildRoot             = "RUNNABLE_BUILD_ROOT"
	EnvWaitForWeave          = "RUNNABLE_WAIT_FOR_WEAVE"
	EnvBuildLineTimeout      = "RUNNABLE_BUILD_LINE_TIMEOUT_MS"
	EnvPushImage             = "RUNNABLE_PUSH_IMAGE"
	EnvBuilderName           = "RUNNABLE_IMAGE_BUILDER_NAME"
	EnvBuilderTag            = "RUNNABLE_IMAGE_BUILDER_TAG"
	EnvHostLayerCache        = "DOCKER_IMAGE_BUILDER_LAYER_CACHE"
	EnvCacheDir              = "CACHE_DIR"
	EnvLayerCacheDir         = "LAYER_CACHE_DIR"
	EnvSSHKeyIDs             = "RUNNABLE_SSH_KEY_IDS"
	EnvVaultEndpoint         = "RUNNABLE_VAULT_ENDPOINT"
	EnvVaultTokenFile        = "RUNNABLE_VAULT_TOKEN_FILE_PATH"
	EnvOrgID                 = "RUNNABLE_ORG_ID"
	EnvRegistryUsername      = "RUNNABLE_REGISTRY_USERNAME"
	EnvNetworkDriver         = "RUNNABLE_NETWORK_DRIVER"
	EnvHostIP                = "RUNNABLE_HOST_IP"
	EnvCIDR                  = "RUNNABLE_CIDR"
	EnvWeavePath             = "RUNNABLE_WEAVE_PATH"
	EnvNetworkIP             = "RUNNABLE_NETWORK_IP"
	EnvSauronHost            = "RUNNABLE_SAURON_HOST"
	EnvNodeEnv               = "NODE_ENV"

	// the layer copy container receives its work through these
	EnvImageID         = "IMAGE_ID"
	EnvCachedLayer     = "CACHED_LAYER"
	EnvCachedLayerHash = "CACHED_LAYER_HASH"
)

// EnvironmentKeys lists every environment variable the builder reads
var EnvironmentKeys = []string{
	EnvAWSAccessKey, EnvAWSSecretKey, EnvAWSRegion, EnvDeployKey, EnvKeysBucket, EnvFiles, EnvFilesBucket,
	EnvPrefix, EnvRepo, EnvCommitish, EnvPRs, EnvSearchAndReplaceRules, EnvDocker, EnvDockerTag, EnvBuildFlags,
	EnvBuildDockerfile, EnvBuildRoot, EnvWaitForWeave, EnvBuildLineTimeout, EnvPushImage, EnvBuilderName,
	EnvBuilderTag, EnvHostLayerCache, EnvCacheDir, EnvLayerCacheDir, EnvSSHKeyIDs, EnvVaultEndpoint,
	EnvVaultTokenFile, EnvOrgID, EnvRegistryUsername, EnvNetworkDriver, EnvHostIP, EnvCIDR, EnvWeavePath,
	EnvNetworkIP, EnvSauronHost, EnvNodeEnv, EnvImageID, EnvCachedLayer, EnvCachedLayerHash,
}

// NewEnvironment returns a viper instance which reads all configuration from the environment
func NewEnvironment() *viper.Viper {
	v := viper.New()
	for _, key := range EnvironmentKeys {
		_ = v.BindEnv(key)
	}
	v.SetDefault(EnvAWSRegion, DefaultAWSRegion)
	v.SetDefault(EnvCacheDir, DefaultCacheDir)
	v.SetDefault(EnvLayerCacheDir, DefaultLayerCacheDir)
	return v
}

// LoadConfig reads the build configuration from v
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		AWSAccessKey: v.GetString(EnvAWSAccessKey),
		AWSSecretKey: v.GetString(EnvAWSSecretKey),
		AWSRegion:    v.GetString(EnvAWSRegion),

		DeployKeys: splitList(v.GetString(EnvDeployKey), ";"),
		KeysBucket: v.GetString(EnvKeysBucket),

		Files:       v.GetString(EnvFiles),
		FilesBucket: v.GetString(EnvFilesBucket),
		FilesPrefix: v.GetString(EnvPrefix),

		SearchAndReplaceRules: splitList(v.GetString(EnvSearchAndReplaceRules), ";"),

		DockerHost:      v.GetString(EnvDocker),
		DockerTag:       v.GetString(EnvDockerTag),
		BuildFlags:      v.GetString(EnvBuildFlags),
		BuildDockerfile: v.GetString(EnvBuildDockerfile),
		BuildRoot:       v.GetString(EnvBuildRoot),
		WaitForNetwork:  v.GetString(EnvWaitForWeave),
		PushImage:       v.GetString(EnvPushImage) != "",

		HostLayerCacheDir: v.GetString(EnvHostLayerCache),
		CacheDir:          v.GetString(EnvCacheDir),
		LayerCacheDir:     v.GetString(EnvLayerCacheDir),

		SSHKeyIDs: splitList(v.GetString(EnvSSHKeyIDs), ","),
		Vault: secrets.VaultConfig{
			Endpoint:      v.GetString(EnvVaultEndpoint),
			TokenFilePath: v.GetString(EnvVaultTokenFile),
			OrgID:         v.GetString(EnvOrgID),
		},
		RegistryUsername: v.GetString(EnvRegistryUsername),

		NetworkDriver: v.GetString(EnvNetworkDriver),
		Network: network.Config{
			HostIP:     v.GetString(EnvHostIP),
			CIDR:       v.GetString(EnvCIDR),
			WeavePath:  v.GetString(EnvWeavePath),
			NetworkIP:  v.GetString(EnvNetworkIP),
			SauronHost: v.GetString(EnvSauronHost),
		},

		Environment: v.GetString(EnvNodeEnv),
	}

	if name := v.GetString(EnvBuilderName); name != "" {
		cfg.BuilderImage = name
		if tag := v.GetString(EnvBuilderTag); tag != "" {
			cfg.BuilderImage += ":" + tag
		}
	}

	if raw := v.GetString(EnvBuildLineTimeout); raw != "" {
		ms := v.GetInt64(EnvBuildLineTimeout)
		if ms <= 0 {
			return nil, &ConfigError{Key: EnvBuildLineTimeout, Reason: fmt.Sprintf("%s must be a positive number of milliseconds, not %q", EnvBuildLineTimeout, raw)}
		}
		cfg.BuildLineTimeout = time.Duration(ms) * time.Millisecond
	}

	repos, err := ParseRepositories(v.GetString(EnvRepo), v.GetString(EnvCommitish), v.GetString(EnvPRs))
	if err != nil {
		return nil, err
	}
	cfg.Repositories = repos

	return cfg, nil
}

// ParseRepositories zips the ;-separated repository, commitish and pull request lists.
// Lists shorter than the repository list leave the remaining fields empty.
func ParseRepositories(repos, commitishs, prs string) ([]repocache.RepositoryDescriptor, error) {
	remotes := splitList(repos, ";")
	if len(remotes) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(commitishs) == "" {
		return nil, &ConfigError{Key: EnvCommitish}
	}

	var (
		cs  = strings.Split(commitishs, ";")
		ps  = strings.Split(prs, ";")
		res = make([]repocache.RepositoryDescriptor, len(remotes))
	)
	for i, remote := range remotes {
		res[i] = repocache.RepositoryDescriptor{
			RemoteURL:   remote,
			Commitish:   at(cs, i),
			PullRequest: at(ps, i),
		}
	}
	return res, nil
}

// BuildFiles parses the Files JSON object into file keys and versions
func (c *Config) BuildFiles() (map[string]string, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(c.Files), &raw); err != nil {
		return nil, &ConfigError{Key: EnvFiles, Reason: "RUNNABLE_FILES is poorly formatted JSON."}
	}

	res := make(map[string]string, len(raw))
	for key, version := range raw {
		switch v := version.(type) {
		case nil:
			res[key] = ""
		case string:
			res[key] = v
		default:
			res[key] = fmt.Sprint(v)
		}
	}
	return res, nil
}

// MonorepoMode is true when the Dockerfile lives at RUNNABLE_BUILD_DOCKERFILE within the single repository
func (c *Config) MonorepoMode() bool {
	return c.BuildDockerfile != ""
}

// EngineDockerfile is the Dockerfile path the engine is asked to use, relative to the build context
func (c *Config) EngineDockerfile() string {
	if c.BuildRoot == "" {
		return ""
	}
	return filepath.Join(c.BuildRoot, "Dockerfile")
}

func splitList(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, sep)
}

func at(list []string, i int) string {
	if i >= len(list) {
		return ""
	}
	return list[i]
}
