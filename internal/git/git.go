package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/go-github/v63/github"
)

// Cloner fetches step repositories into the cache.
type Cloner struct {
	// Token is injected into https clone URLs of github.com repositories.
	Token string
	// GitHub resolves the default branch of github.com repositories when a
	// reference carries no version. Nil falls back to the remote HEAD.
	GitHub *github.Client
}

// NewCloner returns a Cloner authenticated with GITHUB_API_TOKEN when set.
func NewCloner() *Cloner {
	token := os.Getenv("GITHUB_API_TOKEN")
	return &Cloner{Token: token, GitHub: NewGitHubClient(token, "")}
}

// Clone makes dest an up-to-date checkout of ref. An existing checkout is
// fetched and updated instead of cloned again.
func (c *Cloner) Clone(ctx context.Context, ref Reference, dest string) error {
	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		if _, err := run(ctx, dest, "fetch", "--tags", "origin"); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if _, err := run(ctx, "", "clone", c.cloneURL(ref), dest); err != nil {
			return fmt.Errorf("failed to clone repo %s: %w", ref.CloneURL(), err)
		}
	}

	version := ref.Version
	if version == "" {
		branch, err := c.defaultBranch(ctx, ref, dest)
		if err != nil {
			return err
		}
		version = branch
	}
	if _, err := run(ctx, dest, "checkout", version); err != nil {
		return err
	}
	// Branches move; tags and commits do not.
	if _, err := run(ctx, dest, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+version); err == nil {
		if _, err := run(ctx, dest, "reset", "--hard", "origin/"+version); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cloner) cloneURL(ref Reference) string {
	if c.Token != "" && ref.Service == "github.com" && ref.Protocol == "https://" {
		return fmt.Sprintf("https://%s@github.com/%s/%s", c.Token, ref.User, ref.Repo)
	}
	return ref.CloneURL()
}

func (c *Cloner) defaultBranch(ctx context.Context, ref Reference, dest string) (string, error) {
	if c.GitHub != nil && ref.Service == "github.com" {
		if branch, err := DefaultBranch(ctx, c.GitHub, ref.User, ref.Repo); err == nil && branch != "" {
			return branch, nil
		}
	}
	out, err := run(ctx, dest, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to determine default branch of %s: %w", ref.CloneURL(), err)
	}
	return strings.TrimPrefix(out, "origin/"), nil
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w\nOutput:\n%s", strings.Join(args, " "), err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}
