package repocache

import (
	"path"
	"strings"
)

// RepositoryDescriptor describes a repository a build needs in its context
type RepositoryDescriptor struct {
	// RemoteURL is the clone URL and the identity of the repository
	RemoteURL string
	// Commitish is the branch, tag or commit to check out
	Commitish string
	// PullRequest is the optional pull request number whose head ref gets fetched
	PullRequest string
	// DeployKeyPath is the path of the private key added to the SSH agent before any git operation
	DeployKeyPath string
}

// FullName is the remote path without the host, e.g. "Org/repo" for "git@github.com:Org/repo"
func (r RepositoryDescriptor) FullName() string {
	name := r.RemoteURL
	if idx := strings.LastIndex(name, ":"); idx >= 0 {
		name = name[idx+1:]
	}
	name = path.Clean("/" + name)
	return strings.TrimPrefix(name, "/")
}

// Name is the last path segment of the remote, used as directory name in the build context
func (r RepositoryDescriptor) Name() string {
	segs := strings.Split(r.RemoteURL, "/")
	return segs[len(segs)-1]
}

func (r RepositoryDescriptor) pullRequestRef() (remote, local string) {
	if r.PullRequest == "" {
		return "", ""
	}
	return "pull/" + r.PullRequest + "/head", "pull-" + r.PullRequest + "-head"
}
