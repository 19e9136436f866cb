// Package repocache maintains a host-local mirror of every repository a build checks out.
//
// Mirrors live at <root>/<full name> and are guarded by <root>/<full name>.lock. A build that
// gets the lock updates the mirror and copies it into its context. A build that does not get
// the lock clones straight into its context and leaves the mirror alone. Nobody ever waits.
package repocache

import (
	"context"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/runnable/image-builder/pkg/builder/shell"
)

// Cache hands out working copies of repositories, reusing local mirrors where possible
type Cache struct {
	// Root is the directory holding the mirrors and their lock files
	Root string
	// Runner executes git, cp and ssh-add
	Runner shell.Runner
	// Agent loads deploy keys. Defaults to an SSHAgent on Runner.
	Agent KeyAgent
}

// Result describes where a repository ended up and how it got there
type Result struct {
	MirrorPath string
	TargetPath string
	// Cached is true if the working copy was produced from the mirror
	Cached bool
	// Updated is true if the mirror had to be fetched or checked out
	Updated bool
}

// Acquire places a working copy of repo, checked out at its commitish, at destDir/<repo name>.
func (c *Cache) Acquire(ctx context.Context, repo RepositoryDescriptor, destDir string) (res Result, err error) {
	if repo.RemoteURL == "" {
		return res, xerrors.Errorf("repository without remote URL")
	}
	if repo.Commitish == "" {
		return res, xerrors.Errorf("no commitish given for %s", repo.RemoteURL)
	}

	res = Result{
		MirrorPath: filepath.Join(c.Root, repo.FullName()),
		TargetPath: filepath.Join(destDir, repo.Name()),
	}
	logger := log.WithFields(log.Fields{
		"repo":      repo.RemoteURL,
		"commitish": repo.Commitish,
	})
	logger.Info("Cloning")

	if repo.DeployKeyPath != "" {
		err = c.agent().UseKey(ctx, repo.DeployKeyPath)
		if err != nil {
			return res, err
		}
	}

	lock := NewRepoLock(res.MirrorPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		logger.WithError(err).WithField("lock", lock.Path()).Warn("cannot lock repository mirror, cloning without cache")
		locked = false
	}
	if !locked {
		logger.WithField("lock", lock.Path()).Debug("repository mirror is in use, cloning without cache")
		return res, c.cloneDirect(ctx, repo, res.TargetPath)
	}
	defer func() {
		uerr := lock.Unlock()
		if uerr != nil && err == nil {
			err = uerr
		}
	}()

	res.Cached = true
	res.Updated, err = c.updateMirror(ctx, repo, res.MirrorPath)
	if err != nil {
		return res, err
	}

	_, err = c.Runner.Run(ctx, "", "cp", "-p", "-r", "-d", res.MirrorPath, res.TargetPath)
	if err != nil {
		return res, xerrors.Errorf("cannot copy mirror of %s into build context: %w", repo.RemoteURL, err)
	}
	return res, nil
}

// AcquireAll acquires all repositories one after another and stops at the first failure
func (c *Cache) AcquireAll(ctx context.Context, repos []RepositoryDescriptor, destDir string) ([]Result, error) {
	res := make([]Result, 0, len(repos))
	for _, repo := range repos {
		r, err := c.Acquire(ctx, repo, destDir)
		if err != nil {
			return res, err
		}
		res = append(res, r)
	}
	return res, nil
}

func (c *Cache) updateMirror(ctx context.Context, repo RepositoryDescriptor, mirror string) (updated bool, err error) {
	if !hasWorkingCopy(mirror) {
		_, err = runGit(ctx, c.Runner, "", "clone", "-q", repo.RemoteURL, mirror)
		if err != nil {
			return false, err
		}
	}

	head, err := headCommit(mirror)
	if err != nil {
		return false, err
	}
	stale := head != repo.Commitish

	if stale || repo.PullRequest != "" {
		err = c.fetch(ctx, repo, mirror)
		if err != nil {
			return false, err
		}
		updated = true
	}
	if stale {
		_, err = runGit(ctx, c.Runner, mirror, "checkout", "-q", repo.Commitish)
		if err != nil {
			return updated, err
		}
		updated = true
	}
	return updated, nil
}

func (c *Cache) fetch(ctx context.Context, repo RepositoryDescriptor, dir string) error {
	if remote, local := repo.pullRequestRef(); remote != "" {
		_, err := runGit(ctx, c.Runner, dir, "fetch", "-q", "--update-head-ok", "origin", "+"+remote+":"+local)
		return err
	}
	_, err := runGit(ctx, c.Runner, dir, "fetch", "-q", "--prune", "--all")
	return err
}

func (c *Cache) cloneDirect(ctx context.Context, repo RepositoryDescriptor, target string) error {
	_, err := runGit(ctx, c.Runner, "", "clone", "-q", repo.RemoteURL, target)
	if err != nil {
		return err
	}
	if repo.PullRequest != "" {
		err = c.fetch(ctx, repo, target)
		if err != nil {
			return err
		}
	}
	_, err = runGit(ctx, c.Runner, target, "checkout", "-q", repo.Commitish)
	return err
}

func (c *Cache) agent() KeyAgent {
	if c.Agent != nil {
		return c.Agent
	}
	return SSHAgent{Runner: c.Runner}
}
