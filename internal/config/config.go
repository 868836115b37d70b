// Package config resolves the settings of a single popper invocation.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dangazineu/popper/internal/errors"
	"github.com/dangazineu/popper/internal/git"
	"golang.org/x/crypto/sha3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEngine = "docker"
	DefaultResman = "host"
)

// Config is resolved once per invocation by Load and shared by every
// runner. It must not be modified afterwards.
type Config struct {
	WorkspaceDir string
	EngineName   string
	ResmanName   string
	// EngineOptions and ResmanOptions come from the options key of the
	// engine and resource_manager sections of the configuration file.
	EngineOptions map[string]any
	ResmanOptions map[string]any
	// Wid namespaces containers, jobs and cache entries per workspace.
	Wid      string
	CacheDir string

	GitCommit          string
	GitBranch          string
	GitShaShort        string
	GitTag             string
	GitRemoteOriginURL string

	Reuse     bool
	DryRun    bool
	Quiet     bool
	SkipPull  bool
	SkipClone bool
	Pty       bool

	AllowUndefinedSecretsInCI bool
}

// Section is an engine or resource_manager entry of a configuration file.
type Section struct {
	Name    *string        `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// File is the content of a --conf configuration file.
type File struct {
	Engine          *Section `yaml:"engine"`
	ResourceManager *Section `yaml:"resource_manager"`
}

type LoadOptions struct {
	// WorkspaceDir defaults to the current working directory.
	WorkspaceDir string
	// EngineName and ResmanName take precedence over the configuration file.
	EngineName string
	ResmanName string
	// ConfigFile is read into Settings when set.
	ConfigFile string
	Settings   *File

	Reuse     bool
	DryRun    bool
	Quiet     bool
	SkipPull  bool
	SkipClone bool
	Pty       bool

	AllowUndefinedSecretsInCI bool
}

// Load builds the Config for one invocation. Engine and resource manager
// names resolve as explicit option, then configuration file, then default.
func Load(opts LoadOptions) (*Config, error) {
	settings := opts.Settings
	if opts.ConfigFile != "" {
		f, err := LoadFile(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		settings = f
	}
	if settings == nil {
		settings = &File{}
	}

	engineName, engineOpts, err := resolveSection(opts.EngineName, settings.Engine, DefaultEngine, "engine")
	if err != nil {
		return nil, err
	}
	resmanName, resmanOpts, err := resolveSection(opts.ResmanName, settings.ResourceManager, DefaultResman, "resource manager")
	if err != nil {
		return nil, err
	}

	workspace := opts.WorkspaceDir
	if workspace == "" {
		workspace, err = os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "could not determine workspace directory")
		}
	}
	workspace, err = filepath.Abs(workspace)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "could not resolve workspace directory")
	}
	// A symlinked workspace shares the wid of its target.
	if real, err := filepath.EvalSymlinks(workspace); err == nil {
		workspace = real
	}

	cacheDir, err := DefaultCacheDir()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		WorkspaceDir:              workspace,
		EngineName:                engineName,
		ResmanName:                resmanName,
		EngineOptions:             engineOpts,
		ResmanOptions:             resmanOpts,
		Wid:                       WorkspaceID(workspace),
		CacheDir:                  cacheDir,
		Reuse:                     opts.Reuse,
		DryRun:                    opts.DryRun,
		Quiet:                     opts.Quiet,
		SkipPull:                  opts.SkipPull,
		SkipClone:                 opts.SkipClone,
		Pty:                       opts.Pty,
		AllowUndefinedSecretsInCI: opts.AllowUndefinedSecretsInCI,
	}

	if repo := git.Open(workspace); repo != nil && !repo.IsEmpty() {
		cfg.GitCommit = repo.SHA()
		cfg.GitShaShort = repo.ShortSHA()
		cfg.GitBranch = repo.Branch()
		cfg.GitTag = repo.Tag()
		cfg.GitRemoteOriginURL = repo.RemoteURL()
	}
	return cfg, nil
}

func resolveSection(explicit string, section *Section, fallback, what string) (string, map[string]any, error) {
	options := map[string]any{}
	name := fallback
	if section != nil {
		if section.Name == nil || *section.Name == "" {
			return "", nil, errors.Newf(errors.KindConfig, "no %s name given", what)
		}
		name = *section.Name
		for k, v := range section.Options {
			options[k] = v
		}
	}
	if explicit != "" {
		name = explicit
	}
	return name, options, nil
}

// LoadFile reads and validates a YAML configuration file.
func LoadFile(path string) (*File, error) {
	ext := filepath.Ext(path)
	if ext != ".yml" && ext != ".yaml" {
		return nil, errors.Newf(errors.KindConfig, "configuration file %s must have a .yml extension", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "could not read configuration file")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.Newf(errors.KindConfig, "configuration file %s is empty", path)
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, fmt.Sprintf("could not parse configuration file %s", path))
	}
	return &f, nil
}

// DefaultCacheDir resolves POPPER_CACHE_DIR, then $XDG_CACHE_HOME/popper,
// then $HOME/.cache/popper.
func DefaultCacheDir() (string, error) {
	if dir := os.Getenv("POPPER_CACHE_DIR"); dir != "" {
		return dir, nil
	}
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "popper"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, errors.KindConfig, "could not determine cache directory")
	}
	return filepath.Join(home, ".cache", "popper"), nil
}

// WorkspaceID returns the first four bytes of the SHAKE-256 digest of path
// as hex.
func WorkspaceID(path string) string {
	sum := make([]byte, 4)
	sha3.ShakeSum256(sum, []byte(path))
	return hex.EncodeToString(sum)
}

// RepoCacheDir is where the repository of a remote step reference is cloned.
func (c *Config) RepoCacheDir(ref git.Reference) string {
	return filepath.Join(c.CacheDir, c.Wid, ref.Service, ref.User, ref.Repo)
}

func (c *Config) SingularityCacheDir() string {
	return filepath.Join(c.CacheDir, "singularity", c.Wid)
}

// InRepository reports whether git metadata was found for the workspace.
func (c *Config) InRepository() bool {
	return c.GitCommit != ""
}

// ResmanStepOptions returns the resource manager options nested under a
// step id, as used by slurm for per-step node allocation.
func (c *Config) ResmanStepOptions(stepID string) map[string]any {
	if m, ok := c.ResmanOptions[stepID].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// ResmanString returns a string resource manager option or fallback.
func (c *Config) ResmanString(key, fallback string) string {
	v, ok := c.ResmanOptions[key]
	if !ok || v == nil {
		return fallback
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return fallback
	}
	return s
}
