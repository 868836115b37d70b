package git

import (
	"fmt"
	"regexp"
	"strings"
)

var referenceRegex = regexp.MustCompile(`^(http://|https://|git@)?(?:(\w+\.\w+)(?:/|:))?([\w\-]+)(?:/([^@^/]+)/?([^@]+)?(?:@([\w\W]+))?)$`)

// Reference is a decomposed remote step reference such as
// github.com/popperized/bin/sh@master.
type Reference struct {
	Protocol string
	Service  string
	User     string
	Repo     string
	Path     string
	Version  string
}

// ParseReference splits a remote reference into its parts. The service
// defaults to github.com and the protocol to https://.
func ParseReference(uri string) (Reference, error) {
	if strings.HasPrefix(uri, "ssh://") {
		return Reference{}, fmt.Errorf("the ssh protocol is not supported: %s", uri)
	}
	uri = strings.TrimSuffix(uri, ".git")

	m := referenceRegex.FindStringSubmatch(uri)
	if m == nil {
		return Reference{}, fmt.Errorf("invalid repository reference %q, expected [service/]user/repo[/path][@version]", uri)
	}
	ref := Reference{
		Protocol: m[1],
		Service:  m[2],
		User:     m[3],
		Repo:     m[4],
		Path:     strings.TrimSuffix(m[5], "/"),
		Version:  m[6],
	}
	if ref.Repo == "" {
		return Reference{}, fmt.Errorf("unable to determine repository name from %q", uri)
	}
	if ref.Service == "" {
		ref.Service = "github.com"
	}
	if ref.Protocol == "" {
		ref.Protocol = "https://"
	}
	return ref, nil
}

// ServiceURL is the prefix every repository of the service shares.
func (r Reference) ServiceURL() string {
	if r.Protocol == "git@" {
		return "git@" + r.Service + ":"
	}
	return r.Protocol + r.Service + "/"
}

// CloneURL is the address git clones the repository from.
func (r Reference) CloneURL() string {
	if r.Protocol == "git@" {
		return r.ServiceURL() + r.User + "/" + r.Repo + ".git"
	}
	return r.ServiceURL() + r.User + "/" + r.Repo
}

func (r Reference) String() string {
	s := r.Service + "/" + r.User + "/" + r.Repo
	if r.Path != "" {
		s += "/" + r.Path
	}
	if r.Version != "" {
		s += "@" + r.Version
	}
	return s
}
