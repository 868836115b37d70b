package internal

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func NewVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of popper",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, ok := debug.ReadBuildInfo()
			if !ok {
				return fmt.Errorf("could not read build info")
			}
			v, err := deriveVersionFromInfo(info)
			if err != nil {
				v = "unknown"
			}
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "popper version %s %s/%s (%s)\n", v, runtime.GOOS, runtime.GOARCH, runtime.Version())
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}

func deriveVersionFromInfo(info *debug.BuildInfo) (string, error) {
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version, nil
	}
	return pseudoVersion(info.Settings)
}

// pseudoVersion builds a version from the VCS stamp of the binary, in the
// form described at https://go.dev/ref/mod#pseudo-versions.
func pseudoVersion(settings []debug.BuildSetting) (string, error) {
	var revision, at string
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			at = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" && at == "" {
		return "", fmt.Errorf("version information is not available")
	}

	parts := []string{"v0.0.0"}
	if t, err := time.Parse(time.RFC3339, at); err == nil {
		parts = append(parts, t.UTC().Format("20060102150405"))
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if revision != "" {
		parts = append(parts, revision)
	}
	v := strings.Join(parts, "-")
	if dirty {
		v += "+dirty"
	}
	return v, nil
}
