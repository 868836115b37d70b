package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dangazineu/popper/internal/workflow"
)

// ContainerArgs is the engine-neutral description of a step container.
// Keys of engine or step options without a dedicated field land in Extra
// and are rendered as command line flags.
type ContainerArgs struct {
	Image       string
	Command     []string
	Name        string
	Volumes     []string
	WorkingDir  string
	Environment map[string]string
	Entrypoint  []string
	Detach      bool
	TTY         bool
	StdinOpen   bool
	Extra       map[string]any
}

// containerArgs builds the arguments of a step container and applies the
// engine options and then the step options on top.
func (b *Base) containerArgs(step *workflow.Step, image, name string, volumes []string) ContainerArgs {
	args := ContainerArgs{
		Image:       image,
		Command:     append([]string(nil), step.Args...),
		Name:        name,
		Volumes:     volumes,
		WorkingDir:  workingDir(step),
		Environment: b.prepareEnvironment(step, nil),
		Entrypoint:  append([]string(nil), step.Runs...),
		Detach:      !b.cfg.Pty,
		TTY:         b.cfg.Pty,
		StdinOpen:   b.cfg.Pty,
		Extra:       map[string]any{},
	}
	args.MergeEngineOptions(b.cfg.EngineOptions)
	args.ApplyOverrides(step.Options)
	return args
}

// MergeEngineOptions adds engine options without replacing what the step
// already defines: volumes are appended, environment entries are merged
// key by key and other keys are only set when absent.
func (a *ContainerArgs) MergeEngineOptions(opts map[string]any) {
	if a.Environment == nil {
		a.Environment = map[string]string{}
	}
	if a.Extra == nil {
		a.Extra = map[string]any{}
	}
	for k, v := range opts {
		switch k {
		case "volumes":
			a.Volumes = append(a.Volumes, toStringSlice(v)...)
		case "environment":
			for ek, ev := range toStringMap(v) {
				a.Environment[ek] = ev
			}
		case "entrypoint":
			if len(a.Entrypoint) == 0 {
				a.Entrypoint = toStringSlice(v)
			}
		case "command":
			if len(a.Command) == 0 {
				a.Command = toStringSlice(v)
			}
		case "working_dir":
			if a.WorkingDir == "" {
				a.WorkingDir = fmt.Sprint(v)
			}
		case "image", "name", "detach", "tty", "stdin_open":
		default:
			if _, ok := a.Extra[k]; !ok {
				a.Extra[k] = v
			}
		}
	}
}

// ApplyOverrides replaces arguments with the values of a step's options.
func (a *ContainerArgs) ApplyOverrides(opts map[string]any) {
	if a.Extra == nil {
		a.Extra = map[string]any{}
	}
	for k, v := range opts {
		switch k {
		case "image":
			a.Image = fmt.Sprint(v)
		case "name":
			a.Name = fmt.Sprint(v)
		case "volumes":
			a.Volumes = toStringSlice(v)
		case "environment":
			a.Environment = toStringMap(v)
		case "entrypoint":
			a.Entrypoint = toStringSlice(v)
		case "command":
			a.Command = toStringSlice(v)
		case "working_dir":
			a.WorkingDir = fmt.Sprint(v)
		case "detach":
			a.Detach = toBool(v)
		case "tty":
			a.TTY = toBool(v)
		case "stdin_open":
			a.StdinOpen = toBool(v)
		default:
			a.Extra[k] = v
		}
	}
}

// CreateArgs renders the arguments of `<engine> create`.
func (a ContainerArgs) CreateArgs() []string {
	args := []string{"create", "--name", a.Name}
	if a.WorkingDir != "" {
		args = append(args, "--workdir", a.WorkingDir)
	}
	if len(a.Entrypoint) > 0 {
		args = append(args, "--entrypoint", a.Entrypoint[0])
	}
	for _, v := range a.Volumes {
		args = append(args, "-v", v)
	}
	for _, e := range envList(a.Environment) {
		args = append(args, "-e", e)
	}
	if a.TTY {
		args = append(args, "-t")
	}
	if a.StdinOpen {
		args = append(args, "-i")
	}
	args = append(args, extraFlags(a.Extra)...)
	args = append(args, a.Image)
	if len(a.Entrypoint) > 1 {
		args = append(args, a.Entrypoint[1:]...)
	}
	return append(args, a.Command...)
}

// extraFlags renders free-form options sorted by key.
func extraFlags(extra map[string]any) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var flags []string
	for _, k := range keys {
		flags = append(flags, toFlags(k, extra[k])...)
	}
	return flags
}

// toFlags renders one option as flags: a true boolean becomes --key, a
// false one nothing, lists repeat the flag and single letter keys use a
// single dash. Port maps of container port to host port become --publish.
func toFlags(key string, value any) []string {
	name := strings.ReplaceAll(key, "_", "-")
	flag := "--" + name
	if len(name) == 1 {
		flag = "-" + name
	}

	switch v := value.(type) {
	case nil:
		return nil
	case bool:
		if v {
			return []string{flag}
		}
		return nil
	case []any:
		var flags []string
		for _, item := range v {
			flags = append(flags, toFlags(key, item)...)
		}
		return flags
	case []string:
		var flags []string
		for _, item := range v {
			flags = append(flags, flag, item)
		}
		return flags
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var flags []string
		for _, k := range keys {
			if key == "ports" {
				flags = append(flags, "--publish", fmt.Sprintf("%v:%s", v[k], k))
				continue
			}
			flags = append(flags, flag, fmt.Sprintf("%s=%v", k, v[k]))
		}
		return flags
	default:
		return []string{flag, fmt.Sprint(v)}
	}
}

// mergeOptionMap merges engine options into a flag map: lists are
// appended, maps merged and absent keys added.
func mergeOptionMap(base, opts map[string]any) {
	for k, v := range opts {
		cur, ok := base[k]
		if !ok {
			base[k] = v
			continue
		}
		switch c := cur.(type) {
		case []any:
			base[k] = append(c, toAnySlice(v)...)
		case map[string]any:
			if m, ok := v.(map[string]any); ok {
				for mk, mv := range m {
					c[mk] = mv
				}
			}
		}
	}
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), t...)
	case workflow.StringList:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}

func toAnySlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{t}
	}
}

func toStringMap(v any) map[string]string {
	out := map[string]string{}
	switch t := v.(type) {
	case map[string]string:
		for k, val := range t {
			out[k] = val
		}
	case map[string]any:
		for k, val := range t {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1" || t == "yes"
	case int:
		return t != 0
	default:
		return false
	}
}

func toInt(v any, fallback int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		var n int
		if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
