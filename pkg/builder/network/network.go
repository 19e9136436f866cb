// Package network attaches build containers to the overlay network so that
// RUN instructions can reach other containers of the organization.
package network

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/runnable/image-builder/pkg/builder/shell"
)

// Attacher connects a running container to the network
type Attacher interface {
	Attach(ctx context.Context, containerID string) error
}

const (
	DriverNone   = ""
	DriverWeave  = "weave"
	DriverSauron = "sauron"
)

// Config holds the settings of all drivers
type Config struct {
	HostIP     string
	CIDR       string
	WeavePath  string
	NetworkIP  string
	SauronHost string
}

// New produces the attacher for driver. Drivers validate their configuration here
// so that a misconfigured build fails before it starts.
func New(driver string, cfg Config, runner shell.Runner) (Attacher, error) {
	switch strings.ToLower(driver) {
	case DriverNone:
		return None{}, nil
	case DriverWeave:
		return NewWeave(cfg, runner)
	case DriverSauron:
		return NewSauron(cfg)
	default:
		return nil, xerrors.Errorf("unknown network driver: %s", driver)
	}
}

// None does not attach containers to any network
type None struct{}

// Attach does nothing
func (None) Attach(ctx context.Context, containerID string) error { return nil }

// Weave attaches containers using the weave CLI
type Weave struct {
	Runner shell.Runner
	Path   string
	HostIP string
	CIDR   string
}

// NewWeave validates cfg and produces a weave attacher
func NewWeave(cfg Config, runner shell.Runner) (*Weave, error) {
	if cfg.CIDR == "" {
		return nil, xerrors.Errorf("require cidr")
	}
	if cfg.HostIP == "" {
		return nil, xerrors.Errorf("require ip")
	}
	if cfg.WeavePath == "" {
		return nil, xerrors.Errorf("require weave path")
	}
	if runner == nil {
		runner = &shell.Exec{}
	}
	return &Weave{Runner: runner, Path: cfg.WeavePath, HostIP: cfg.HostIP, CIDR: cfg.CIDR}, nil
}

// Attach runs `weave attach <host ip>/<cidr> <container>`
func (w *Weave) Attach(ctx context.Context, containerID string) error {
	_, err := w.Runner.Run(ctx, "", w.Path, "attach", w.HostIP+"/"+w.CIDR, containerID)
	if err != nil {
		return xerrors.Errorf("cannot attach %s to weave: %w", containerID, err)
	}
	log.WithField("container", containerID).Debug("attached container to weave")
	return nil
}
