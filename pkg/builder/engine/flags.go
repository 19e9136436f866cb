package engine

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/imdario/mergo"
	"golang.org/x/xerrors"
)

// BuildFlags are the user-tunable build options. Field names follow the engine's build query parameters.
type BuildFlags struct {
	NoCache     *bool             `json:"nocache,omitempty"`
	Pull        *bool             `json:"pull,omitempty"`
	Remove      *bool             `json:"rm,omitempty"`
	ForceRemove *bool             `json:"forcerm,omitempty"`
	Quiet       *bool             `json:"q,omitempty"`
	Squash      *bool             `json:"squash,omitempty"`
	Memory      int64             `json:"memory,omitempty"`
	MemorySwap  int64             `json:"memswap,omitempty"`
	CPUShares   int64             `json:"cpushares,omitempty"`
	CPUSetCPUs  string            `json:"cpusetcpus,omitempty"`
	CPUPeriod   int64             `json:"cpuperiod,omitempty"`
	CPUQuota    int64             `json:"cpuquota,omitempty"`
	ShmSize     int64             `json:"shmsize,omitempty"`
	NetworkMode string            `json:"networkmode,omitempty"`
	Target      string            `json:"target,omitempty"`
	Platform    string            `json:"platform,omitempty"`
	BuildArgs   map[string]string `json:"buildargs,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// DefaultBuildFlags mirrors the defaults of the docker CLI
func DefaultBuildFlags() BuildFlags {
	rm := true
	return BuildFlags{Remove: &rm}
}

// ParseBuildFlags reads a JSON object of build flags. An empty string yields no flags.
func ParseBuildFlags(raw string) (BuildFlags, error) {
	var res BuildFlags
	if strings.TrimSpace(raw) == "" {
		return res, nil
	}
	err := json.Unmarshal([]byte(raw), &res)
	if err != nil {
		return res, xerrors.Errorf("cannot parse build flags: %w", err)
	}
	return res, nil
}

// Merge returns f with every flag set in other taking precedence
func (f BuildFlags) Merge(other BuildFlags) (BuildFlags, error) {
	res := f
	res.BuildArgs = copyMap(f.BuildArgs)
	res.Labels = copyMap(f.Labels)
	err := mergo.Merge(&res, other, mergo.WithOverride, mergo.WithTransformers(flagTransformer{}))
	if err != nil {
		return f, xerrors.Errorf("cannot merge build flags: %w", err)
	}
	return res, nil
}

// flagTransformer lets an explicitly set boolean flag win, even if it is false
type flagTransformer struct{}

func (flagTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf((*bool)(nil)) {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if !src.IsNil() && dst.CanSet() {
			dst.Set(src)
		}
		return nil
	}
}

func (f BuildFlags) apply(opts *build.ImageBuildOptions) {
	opts.NoCache = boolValue(f.NoCache)
	opts.PullParent = boolValue(f.Pull)
	opts.Remove = boolValue(f.Remove)
	opts.ForceRemove = boolValue(f.ForceRemove)
	opts.SuppressOutput = boolValue(f.Quiet)
	opts.Squash = boolValue(f.Squash)
	opts.Memory = f.Memory
	opts.MemorySwap = f.MemorySwap
	opts.CPUShares = f.CPUShares
	opts.CPUSetCPUs = f.CPUSetCPUs
	opts.CPUPeriod = f.CPUPeriod
	opts.CPUQuota = f.CPUQuota
	opts.ShmSize = f.ShmSize
	opts.NetworkMode = f.NetworkMode
	opts.Target = f.Target
	opts.Platform = f.Platform

	if len(f.Labels) > 0 {
		opts.Labels = copyMap(f.Labels)
	}
	if len(f.BuildArgs) > 0 && opts.BuildArgs == nil {
		opts.BuildArgs = make(map[string]*string, len(f.BuildArgs))
	}
	for k, v := range f.BuildArgs {
		v := v
		opts.BuildArgs[k] = &v
	}
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	res := make(map[string]string, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}
