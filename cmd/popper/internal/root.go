package internal

import (
	"fmt"
	"os"

	"github.com/dangazineu/popper/internal/log"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "popper",
		Short: "Popper is a container-native workflow execution engine.",
		Long: `Popper runs the steps of a workflow file in order, each one inside a container or on the host.
Workflows can run locally with Docker, Podman or Singularity, or be submitted to Slurm and Kubernetes clusters.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().String("log-file", "", "Also write log records as JSON to this file")
	cmd.PersistentFlags().BoolP("quiet", "q", false, "Do not print the output of steps")
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewShCmd())
	cmd.AddCommand(NewDotCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewCacheCmd())
	cmd.AddCommand(NewCompletionCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// newLogger builds the logger of a command from the persistent flags.
func newLogger(cmd *cobra.Command) (*log.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	file, _ := cmd.Flags().GetString("log-file")
	quiet, _ := cmd.Flags().GetBool("quiet")
	return log.New(log.Options{
		Level:   level,
		File:    file,
		Quiet:   quiet,
		Out:     cmd.ErrOrStderr(),
		StepOut: cmd.OutOrStdout(),
	})
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
