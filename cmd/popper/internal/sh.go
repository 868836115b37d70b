package internal

import (
	"fmt"
	"os"

	"github.com/dangazineu/popper/internal/errors"
	"github.com/dangazineu/popper/internal/workflow"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func NewShCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "sh <step>",
		Short:             "Open an interactive shell in the container of a step",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeStepIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("popper sh requires an interactive terminal")
			}
			wf, err := loadWorkflow(cmd, args[0])
			if err != nil {
				return err
			}
			entrypoint, _ := cmd.Flags().GetString("entrypoint")
			if err := shellStep(wf, entrypoint); err != nil {
				return err
			}

			opts := loadOptions(cmd)
			opts.Pty = true
			opts.Reuse, _ = cmd.Flags().GetBool("reuse")
			opts.SkipPull, _ = cmd.Flags().GetBool("skip-pull")
			opts.SkipClone, _ = cmd.Flags().GetBool("skip-clone")
			if opts.EngineName != "" && opts.EngineName != "docker" && opts.EngineName != "podman" {
				return errors.Newf(errors.KindConfig, "popper sh does not support the %s engine", opts.EngineName)
			}
			if opts.ResmanName != "" && opts.ResmanName != "host" {
				return errors.Newf(errors.KindConfig, "popper sh does not support the %s resource manager", opts.ResmanName)
			}
			return runWorkflow(cmd, opts, wf)
		},
	}
	addWorkflowFlags(cmd)
	addEngineFlags(cmd)
	cmd.Flags().String("entrypoint", "/bin/bash", "Program started in the container instead of the step's runs")
	cmd.Flags().Bool("reuse", false, "Attach to the container left by a previous execution")
	cmd.Flags().Bool("skip-pull", false, "Do not pull or build images, use the local copies")
	cmd.Flags().Bool("skip-clone", false, "Do not clone step repositories, use the cached copies")
	return cmd
}

// shellStep replaces the command of the only step left in wf with an
// interactive entrypoint.
func shellStep(wf *workflow.Workflow, entrypoint string) error {
	if len(wf.Steps) != 1 {
		return errors.Newf(errors.KindValidation, "expected a single step, got %d", len(wf.Steps))
	}
	step := &wf.Steps[0]
	if step.Kind() == workflow.KindHost {
		return errors.Newf(errors.KindValidation, "step '%s' runs on the host, there is no container to open a shell in", step.ID)
	}
	step.Runs = workflow.StringList{entrypoint}
	step.Args = nil
	step.If = ""
	return nil
}
