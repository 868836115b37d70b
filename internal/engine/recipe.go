package engine

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dangazineu/popper/internal/errors"
	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// writeRecipe converts the Dockerfile in dir into a Singularity definition
// file named Singularity.<name> next to it and returns its path.
func writeRecipe(dir, name string) (string, error) {
	f, err := os.Open(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		return "", errors.Wrap(err, errors.KindBuild, "no Dockerfile found in "+dir)
	}
	defer f.Close()

	recipe, err := dockerfileToRecipe(f)
	if err != nil {
		return "", errors.Wrap(err, errors.KindBuild, "failed to convert Dockerfile in "+dir)
	}
	out := filepath.Join(dir, "Singularity."+name)
	if err := os.WriteFile(out, []byte(recipe), 0644); err != nil {
		return "", errors.Wrap(err, errors.KindBuild, "failed to write recipe")
	}
	return out, nil
}

type recipe struct {
	from        string
	files       []string
	labels      []string
	environment []string
	post        []string
	workdir     string
	entrypoint  []string
	cmd         []string
}

// dockerfileToRecipe translates a single-stage Dockerfile. Instructions
// without a Singularity equivalent (EXPOSE, USER, VOLUME, ...) are dropped.
func dockerfileToRecipe(r io.Reader) (string, error) {
	result, err := parser.Parse(r)
	if err != nil {
		return "", err
	}

	var rc recipe
	for _, node := range result.AST.Children {
		args := nodeArgs(node)
		isJSON := node.Attributes["json"]
		switch strings.ToLower(node.Value) {
		case "from":
			if rc.from != "" {
				return "", fmt.Errorf("line %d: multi-stage builds are not supported", node.StartLine)
			}
			if len(args) == 0 {
				return "", fmt.Errorf("line %d: FROM requires an image", node.StartLine)
			}
			rc.from = args[0]
		case "run":
			if isJSON {
				rc.post = append(rc.post, shellJoin(args))
			} else if len(args) > 0 {
				rc.post = append(rc.post, args[0])
			}
		case "copy", "add":
			if len(args) < 2 {
				continue
			}
			dest := args[len(args)-1]
			if !path.IsAbs(dest) && rc.workdir != "" {
				dest = path.Join(rc.workdir, dest) + suffixSlash(dest)
			}
			for _, src := range args[:len(args)-1] {
				rc.files = append(rc.files, src+" "+dest)
			}
		case "env":
			for _, kv := range keyValues(node) {
				line := "export " + kv[0] + "=" + shellQuote(kv[1])
				rc.environment = append(rc.environment, line)
				rc.post = append(rc.post, line)
			}
		case "label":
			for _, kv := range keyValues(node) {
				rc.labels = append(rc.labels, kv[0]+" "+kv[1])
			}
		case "workdir":
			if len(args) == 0 {
				continue
			}
			dir := args[0]
			if !path.IsAbs(dir) {
				dir = path.Join("/", rc.workdir, dir)
			}
			rc.workdir = dir
			rc.post = append(rc.post, "mkdir -p "+shellQuote(dir), "cd "+shellQuote(dir))
		case "entrypoint":
			rc.entrypoint = commandWords(args, isJSON)
		case "cmd":
			rc.cmd = commandWords(args, isJSON)
		}
	}
	if rc.from == "" {
		return "", fmt.Errorf("dockerfile has no FROM instruction")
	}
	return rc.String(), nil
}

func (rc recipe) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bootstrap: docker\nFrom: %s\n", rc.from)
	section := func(name string, lines []string) {
		if len(lines) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%%%s\n", name)
		for _, l := range lines {
			fmt.Fprintf(&b, "%s\n", l)
		}
	}
	section("files", rc.files)
	section("labels", rc.labels)
	section("environment", rc.environment)
	section("post", rc.post)
	section("runscript", rc.runscript())
	return b.String()
}

// runscript mimics docker: arguments replace CMD and are appended to
// ENTRYPOINT.
func (rc recipe) runscript() []string {
	if len(rc.entrypoint) == 0 && len(rc.cmd) == 0 {
		return nil
	}
	var lines []string
	if rc.workdir != "" {
		lines = append(lines, "cd "+shellQuote(rc.workdir))
	}
	switch {
	case len(rc.entrypoint) > 0 && len(rc.cmd) > 0:
		lines = append(lines,
			`if [ "$#" -eq 0 ]; then set -- `+shellJoin(rc.cmd)+`; fi`,
			"exec "+shellJoin(rc.entrypoint)+` "$@"`)
	case len(rc.entrypoint) > 0:
		lines = append(lines, "exec "+shellJoin(rc.entrypoint)+` "$@"`)
	default:
		lines = append(lines,
			`if [ "$#" -gt 0 ]; then exec "$@"; fi`,
			"exec "+shellJoin(rc.cmd))
	}
	return lines
}

func nodeArgs(node *parser.Node) []string {
	var args []string
	for n := node.Next; n != nil; n = n.Next {
		args = append(args, n.Value)
	}
	return args
}

// keyValues reads the key, value, separator triples of ENV and LABEL.
func keyValues(node *parser.Node) [][2]string {
	var kvs [][2]string
	for n := node.Next; n != nil && n.Next != nil; {
		kvs = append(kvs, [2]string{n.Value, unquote(n.Next.Value)})
		if n.Next.Next == nil {
			break
		}
		n = n.Next.Next.Next
	}
	return kvs
}

func commandWords(args []string, isJSON bool) []string {
	if isJSON {
		return args
	}
	if len(args) == 0 {
		return nil
	}
	return []string{"/bin/sh", "-c", strings.Join(args, " ")}
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"') {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	}
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

func suffixSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return "/"
	}
	return ""
}
