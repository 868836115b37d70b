package internal

import (
	"github.com/dangazineu/popper/internal/config"
	"github.com/dangazineu/popper/internal/engine"
	"github.com/dangazineu/popper/internal/workflow"
	"github.com/spf13/cobra"
)

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "run [step]",
		Short:             "Run a workflow, or a single step of it",
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: completeStepIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var step string
			if len(args) == 1 {
				step = args[0]
			}
			wf, err := loadWorkflow(cmd, step)
			if err != nil {
				return err
			}

			opts := loadOptions(cmd)
			opts.Reuse, _ = cmd.Flags().GetBool("reuse")
			opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
			opts.SkipPull, _ = cmd.Flags().GetBool("skip-pull")
			opts.SkipClone, _ = cmd.Flags().GetBool("skip-clone")
			opts.AllowUndefinedSecretsInCI, _ = cmd.Flags().GetBool("allow-undefined-secrets-in-ci")
			return runWorkflow(cmd, opts, wf)
		},
	}
	addWorkflowFlags(cmd)
	addEngineFlags(cmd)
	cmd.Flags().Bool("reuse", false, "Reuse containers between executions (persist container state)")
	cmd.Flags().Bool("dry-run", false, "Show what would be executed without running anything")
	cmd.Flags().Bool("skip-pull", false, "Do not pull or build images, use the local copies")
	cmd.Flags().Bool("skip-clone", false, "Do not clone step repositories, use the cached copies")
	cmd.Flags().Bool("allow-undefined-secrets-in-ci", false, "Do not fail when a secret is undefined in CI")
	return cmd
}

// runWorkflow executes wf with signal handling installed for the duration
// of the run.
func runWorkflow(cmd *cobra.Command, opts config.LoadOptions, wf *workflow.Workflow) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Close()

	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}
	logger.Debug().Str("workspace", cfg.WorkspaceDir).Str("wid", cfg.Wid).Str("engine", cfg.EngineName).Str("resman", cfg.ResmanName).Msg("configuration loaded")

	runner, err := engine.NewWorkflowRunner(engine.WorkflowRunnerOptions{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	stop := runner.HandleSignals()
	defer stop()
	defer func() {
		if err := runner.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to release runners")
		}
	}()

	return runner.Run(cmd.Context(), wf)
}
