package git

import (
	"context"
	"os"
	"strings"
)

// Repo reads metadata from a local checkout. Every accessor is best
// effort and returns an empty string when the value is unavailable.
type Repo struct {
	dir string
}

// Open returns the repository containing dir, or nil when dir is not
// inside a git work tree.
func Open(dir string) *Repo {
	top, err := run(context.Background(), dir, "rev-parse", "--show-toplevel")
	if err != nil || top == "" {
		return nil
	}
	return &Repo{dir: top}
}

func (r *Repo) Dir() string {
	return r.dir
}

// IsEmpty reports whether the repository has no commits.
func (r *Repo) IsEmpty() bool {
	out, err := r.git("rev-list", "-n", "1", "--all")
	return err != nil || out == ""
}

func (r *Repo) SHA() string {
	out, _ := r.git("rev-parse", "HEAD")
	return out
}

func (r *Repo) ShortSHA() string {
	sha := r.SHA()
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// Branch returns the checked out branch. In detached HEAD state, as is
// common on CI services, it falls back to the service's environment and
// finally to the commit SHA.
func (r *Repo) Branch() string {
	if out, err := r.git("symbolic-ref", "--short", "HEAD"); err == nil && out != "" {
		return out
	}
	for _, name := range []string{"TRAVIS_BRANCH", "GIT_BRANCH", "CIRCLE_BRANCH", "CI_COMMIT_REF_NAME"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return r.SHA()
}

func (r *Repo) Tag() string {
	if out, err := r.git("tag", "--points-at", "HEAD"); err == nil && out != "" {
		return strings.SplitN(out, "\n", 2)[0]
	}
	for _, name := range []string{"TRAVIS_TAG", "GIT_TAG", "CIRCLE_TAG", "CI_COMMIT_REF_NAME"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// RemoteURL returns the https form of the origin remote without a .git suffix.
func (r *Repo) RemoteURL() string {
	out, err := r.git("config", "--get", "remote.origin.url")
	if err != nil || out == "" {
		return ""
	}
	return NormalizeRemoteURL(out)
}

// NormalizeRemoteURL turns git@host:user/repo.git into https://host/user/repo.
func NormalizeRemoteURL(url string) string {
	if strings.HasPrefix(url, "git@") {
		url = "https://" + strings.Replace(strings.TrimPrefix(url, "git@"), ":", "/", 1)
	}
	return strings.TrimSuffix(url, ".git")
}

func (r *Repo) git(args ...string) (string, error) {
	return run(context.Background(), r.dir, args...)
}
