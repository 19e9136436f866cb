package repocache

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/runnable/image-builder/pkg/builder/shell"
)

// KeyAgent loads deploy keys into the SSH agent of this process
type KeyAgent interface {
	// UseKey replaces all identities in the agent with the key at path
	UseKey(ctx context.Context, path string) error
}

// SSHAgent drives ssh-add
type SSHAgent struct {
	Runner shell.Runner
}

// UseKey implements KeyAgent
func (a SSHAgent) UseKey(ctx context.Context, path string) error {
	if _, err := a.Runner.Run(ctx, "", "ssh-add", "-D"); err != nil {
		return xerrors.Errorf("cannot clear ssh agent identities: %w", err)
	}
	if _, err := a.Runner.Run(ctx, "", "ssh-add", path); err != nil {
		return xerrors.Errorf("cannot add deploy key %s: %w", path, err)
	}
	log.WithField("key", path).Debug("deploy key added to ssh agent")
	return nil
}
