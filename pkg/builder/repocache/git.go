package repocache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/runnable/image-builder/pkg/builder/shell"
)

const gitDirName = ".git"

// GitError represents an error that occurred during a Git operation
type GitError struct {
	Op  string
	Err error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git operation %s failed: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// runGit executes a git command through the runner and wraps failures in a GitError
func runGit(ctx context.Context, r shell.Runner, dir string, args ...string) (string, error) {
	out, err := r.Run(ctx, dir, "git", args...)
	if err != nil {
		return "", &GitError{
			Op:  strings.Join(args, " "),
			Err: err,
		}
	}
	return strings.TrimSpace(out), nil
}

// hasWorkingCopy checks for a .git directory in loc
func hasWorkingCopy(loc string) bool {
	stat, err := os.Stat(filepath.Join(loc, gitDirName))
	return err == nil && stat.IsDir()
}

// headCommit returns the commit HEAD points to. An unborn HEAD yields an empty string.
func headCommit(loc string) (string, error) {
	repo, err := git.PlainOpen(loc)
	if err != nil {
		return "", &GitError{Op: "open " + loc, Err: err}
	}
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", &GitError{Op: "rev-parse HEAD", Err: err}
	}
	return ref.Hash().String(), nil
}
