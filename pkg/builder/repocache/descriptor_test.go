package repocache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRepositoryDescriptorNames(t *testing.T) {
	type Expectation struct {
		FullName string
		Name     string
	}
	tests := []struct {
		Remote      string
		Expectation Expectation
	}{
		{
			Remote:      "git@github.com:Runnable/api",
			Expectation: Expectation{FullName: "Runnable/api", Name: "api"},
		},
		{
			Remote:      "git@github.com:/Runnable/api.git",
			Expectation: Expectation{FullName: "Runnable/api.git", Name: "api.git"},
		},
		{
			Remote:      "https://github.com/Runnable/api",
			Expectation: Expectation{FullName: "github.com/Runnable/api", Name: "api"},
		},
		{
			Remote:      "/srv/repos/origin",
			Expectation: Expectation{FullName: "srv/repos/origin", Name: "origin"},
		},
	}

	for _, test := range tests {
		t.Run(test.Remote, func(t *testing.T) {
			r := RepositoryDescriptor{RemoteURL: test.Remote}
			act := Expectation{FullName: r.FullName(), Name: r.Name()}
			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("names mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPullRequestRef(t *testing.T) {
	remote, local := RepositoryDescriptor{PullRequest: "42"}.pullRequestRef()
	if remote != "pull/42/head" || local != "pull-42-head" {
		t.Errorf("unexpected refs %q %q", remote, local)
	}

	remote, local = RepositoryDescriptor{}.pullRequestRef()
	if remote != "" || local != "" {
		t.Errorf("expected no refs without a pull request, got %q %q", remote, local)
	}
}
