package workflow

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dangazineu/popper/internal/errors"
	"gopkg.in/yaml.v3"
)

var substitutionKeyRegex = regexp.MustCompile(`^_[A-Z0-9]`)

type ParseOptions struct {
	// Step keeps only the step with this id.
	Step string
	// Skip removes the steps with these ids.
	Skip []string
	// Substitutions are KEY=VALUE pairs; every $KEY in the workflow is
	// replaced by VALUE. Keys must start with _ followed by an
	// uppercase letter or digit.
	Substitutions []string
	// AllowLoose tolerates substitutions that are never used.
	AllowLoose bool
}

// Load reads and parses the workflow file at path.
func Load(path string, opts ParseOptions) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "could not read workflow file")
	}
	wf, err := Parse(data, opts)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// Parse validates a workflow document, assigns default ids, applies
// substitutions and step filters, and propagates workflow options to
// every step.
func Parse(data []byte, opts ParseOptions) (*Workflow, error) {
	subs, err := parseSubstitutions(opts.Substitutions)
	if err != nil {
		return nil, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "could not parse workflow")
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, errors.New(errors.KindValidation, "workflow is empty")
	}

	used := map[string]bool{}
	if err := substitute(&root, subs, used); err != nil {
		return nil, err
	}
	if !opts.AllowLoose {
		for _, s := range subs {
			if !used[s.key] {
				return nil, errors.Newf(errors.KindValidation, "substitution %s was not used", s.key)
			}
		}
	}

	// Round-trip through the encoder so unknown attributes are rejected.
	substituted, err := yaml.Marshal(&root)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "could not parse workflow")
	}
	var wf Workflow
	dec := yaml.NewDecoder(bytes.NewReader(substituted))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "invalid workflow")
	}

	if err := validate(&wf); err != nil {
		return nil, err
	}
	if err := filter(&wf, opts); err != nil {
		return nil, err
	}
	propagateOptions(&wf)
	return &wf, nil
}

func validate(wf *Workflow) error {
	if len(wf.Steps) == 0 {
		return errors.New(errors.KindValidation, "workflow must have at least one step")
	}

	seen := map[string]bool{}
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.ID == "" {
			step.ID = strconv.Itoa(i + 1)
		}
		if seen[step.ID] {
			return errors.Newf(errors.KindValidation, "duplicate step id '%s'", step.ID)
		}
		seen[step.ID] = true
		if err := validateStep(step); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step *Step) error {
	if strings.TrimSpace(step.Uses) == "" {
		return errors.Newf(errors.KindValidation, "step '%s' is missing the required 'uses' attribute", step.ID)
	}
	if step.Uses == "sh" && len(step.Runs) == 0 {
		return errors.Newf(errors.KindValidation, "step '%s' uses 'sh' but does not specify 'runs'", step.ID)
	}
	for _, s := range step.Secrets {
		if strings.TrimSpace(s) == "" {
			return errors.Newf(errors.KindValidation, "step '%s' declares an empty secret name", step.ID)
		}
	}
	if step.If != "" {
		if _, err := CompileCondition(step.If); err != nil {
			return errors.Wrap(err, errors.KindValidation, fmt.Sprintf("step '%s' has an invalid condition", step.ID))
		}
	}
	return nil
}

func filter(wf *Workflow, opts ParseOptions) error {
	if len(opts.Skip) > 0 {
		skip := map[string]bool{}
		for _, id := range opts.Skip {
			if _, ok := wf.Step(id); !ok {
				return errors.Newf(errors.KindValidation, "skipped step '%s' does not exist", id)
			}
			skip[id] = true
		}
		kept := wf.Steps[:0]
		for _, step := range wf.Steps {
			if !skip[step.ID] {
				kept = append(kept, step)
			}
		}
		wf.Steps = kept
	}

	if opts.Step != "" {
		step, ok := wf.Step(opts.Step)
		if !ok {
			return errors.Newf(errors.KindValidation, "step '%s' does not exist", opts.Step)
		}
		wf.Steps = []Step{*step}
	}
	return nil
}

// propagateOptions merges workflow-wide env and secrets into every step.
// Step env wins on conflicting keys.
func propagateOptions(wf *Workflow) {
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if len(wf.Options.Env) > 0 {
			env := make(map[string]string, len(wf.Options.Env)+len(step.Env))
			for k, v := range wf.Options.Env {
				env[k] = v
			}
			for k, v := range step.Env {
				env[k] = v
			}
			step.Env = env
		}
		if len(wf.Options.Secrets) > 0 {
			secrets := make([]string, 0, len(wf.Options.Secrets)+len(step.Secrets))
			seen := map[string]bool{}
			for _, s := range append(append([]string{}, wf.Options.Secrets...), step.Secrets...) {
				if !seen[s] {
					seen[s] = true
					secrets = append(secrets, s)
				}
			}
			step.Secrets = secrets
		}
	}
}

type substitution struct {
	key   string
	value string
}

func parseSubstitutions(raw []string) ([]substitution, error) {
	subs := make([]substitution, 0, len(raw))
	seen := map[string]bool{}
	for _, s := range raw {
		key, value, ok := strings.Cut(s, "=")
		if !ok {
			return nil, errors.Newf(errors.KindValidation, "substitution %q must be of the form KEY=VALUE", s)
		}
		if !substitutionKeyRegex.MatchString(key) {
			return nil, errors.Newf(errors.KindValidation, "substitution key %q must start with _[A-Z0-9]", key)
		}
		if seen[key] {
			return nil, errors.Newf(errors.KindValidation, "substitution %s given more than once", key)
		}
		seen[key] = true
		subs = append(subs, substitution{key: key, value: value})
	}
	// Longest first so $_AB is not consumed by $_A.
	sort.SliceStable(subs, func(i, j int) bool { return len(subs[i].key) > len(subs[j].key) })
	return subs, nil
}

func substitute(node *yaml.Node, subs []substitution, used map[string]bool) error {
	if len(subs) == 0 {
		return nil
	}
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			for _, s := range subs {
				if strings.Contains(key.Value, "$"+s.key) {
					return errors.Newf(errors.KindValidation, "substitution %s is not allowed in attribute name '%s'", s.key, key.Value)
				}
			}
			if err := substitute(node.Content[i+1], subs, used); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		for _, s := range subs {
			placeholder := "$" + s.key
			if strings.Contains(node.Value, placeholder) {
				node.Value = strings.ReplaceAll(node.Value, placeholder, s.value)
				used[s.key] = true
				if node.Style&yaml.TaggedStyle == 0 {
					// Re-resolve so that "$_SKIP" can become a boolean.
					node.Tag = ""
				}
			}
		}
	default:
		for _, child := range node.Content {
			if err := substitute(child, subs, used); err != nil {
				return err
			}
		}
	}
	return nil
}
