// Package workflow holds the parsed, validated form of a workflow file.
package workflow

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind is the execution environment implied by a step's uses attribute.
type Kind int

const (
	// KindHost runs the step directly on the host (uses: sh).
	KindHost Kind = iota
	// KindImage references a pre-built image (docker://, shub://, library://).
	KindImage
	// KindLocal builds from a Dockerfile inside the workspace (./path).
	KindLocal
	// KindRemote builds from a Dockerfile in a remote repository.
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindImage:
		return "image"
	case KindLocal:
		return "local"
	default:
		return "remote"
	}
}

// Step is one unit of a workflow. Runners treat it as read-only.
type Step struct {
	ID       string            `yaml:"id"`
	Uses     string            `yaml:"uses"`
	Runs     StringList        `yaml:"runs"`
	Args     StringList        `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Secrets  []string          `yaml:"secrets"`
	Dir      string            `yaml:"dir"`
	SkipPull bool              `yaml:"skip_pull"`
	Options  map[string]any    `yaml:"options"`
	// If is a CEL expression; the step is skipped when it evaluates to false.
	If string `yaml:"if"`
}

// Options are applied to every step of the workflow.
type Options struct {
	Env     map[string]string `yaml:"env"`
	Secrets []string          `yaml:"secrets"`
}

type Workflow struct {
	Steps   []Step  `yaml:"steps"`
	Options Options `yaml:"options"`
}

// Kind classifies the step by its uses attribute.
func (s *Step) Kind() Kind {
	switch {
	case s.Uses == "sh":
		return KindHost
	case strings.HasPrefix(s.Uses, "docker://"),
		strings.HasPrefix(s.Uses, "shub://"),
		strings.HasPrefix(s.Uses, "library://"):
		return KindImage
	case strings.HasPrefix(s.Uses, "./"), strings.HasPrefix(s.Uses, "../"):
		return KindLocal
	default:
		return KindRemote
	}
}

// Clone returns a deep copy so callers can derive a modified step without
// touching the parsed workflow.
func (s Step) Clone() Step {
	c := s
	c.Runs = append(StringList(nil), s.Runs...)
	c.Args = append(StringList(nil), s.Args...)
	c.Secrets = append([]string(nil), s.Secrets...)
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	if s.Options != nil {
		c.Options = make(map[string]any, len(s.Options))
		for k, v := range s.Options {
			c.Options[k] = v
		}
	}
	return c
}

// Step returns the step with the given id.
func (w *Workflow) Step(id string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// StringList accepts either a single string or a sequence of strings.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = StringList{node.Value}
		return nil
	}

	if node.Kind == yaml.SequenceNode {
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}

	return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
}
