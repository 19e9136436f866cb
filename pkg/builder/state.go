package builder

import (
	"github.com/runnable/image-builder/pkg/builder/buildlog"
	"github.com/runnable/image-builder/pkg/builder/shell"
)

// Dirs are the working directories of a build
type Dirs struct {
	// DockerContext receives the build files and repositories
	DockerContext string
	// KeyDirectory receives the deploy keys
	KeyDirectory string
	// BuildRoot is the directory sent to the engine as build context
	BuildRoot string
	// RepoRoot is the repository checkout in monorepo mode
	RepoRoot string
}

// Logs are the log files of a build
type Logs struct {
	DockerBuild string
	Stdout      string
	Stderr      string
}

// CacheState records what the Dockerfile cache pass found
type CacheState struct {
	UsingCache    bool
	CachedLine    string
	CreatedByHash string
}

// State is everything the pipeline steps learn and hand on to later steps
type State struct {
	Dirs           Dirs
	Logs           Logs
	DockerfileName string
	DockerfilePath string
	Cache          CacheState
	Layer          *buildlog.LayerRecord
	BuildArgs      map[string]string
}

// NewState produces the state a pipeline starts out with
func NewState() *State {
	return &State{DockerfileName: "Dockerfile"}
}

// LogSink returns the sink for external command output
func (s *State) LogSink() *shell.LogSink {
	return &shell.LogSink{Stdout: s.Logs.Stdout, Stderr: s.Logs.Stderr}
}
