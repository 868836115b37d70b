package internal

import (
	"github.com/dangazineu/popper/internal/config"
	"github.com/dangazineu/popper/internal/workflow"
	"github.com/spf13/cobra"
)

const defaultWorkflowFile = ".popper.yml"

// addWorkflowFlags registers the flags that select and preprocess a workflow file.
func addWorkflowFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", defaultWorkflowFile, "Workflow file")
	cmd.Flags().StringSlice("skip", nil, "Steps to skip")
	cmd.Flags().StringArrayP("substitution", "s", nil, "Substitution of the form _KEY=value applied to the workflow")
	cmd.Flags().Bool("allow-loose", false, "Do not fail when a substitution is not used")
}

// addEngineFlags registers the flags that resolve the engine configuration.
func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("engine", "e", "", "Engine: docker, podman, singularity or host")
	cmd.Flags().StringP("resource-manager", "r", "", "Resource manager: host, slurm or kubernetes")
	cmd.Flags().StringP("conf", "c", "", "Configuration file with engine and resource_manager sections")
	cmd.Flags().StringP("workspace", "w", "", "Workspace directory (default: current directory)")
}

func loadWorkflow(cmd *cobra.Command, step string) (*workflow.Workflow, error) {
	file, _ := cmd.Flags().GetString("file")
	skip, _ := cmd.Flags().GetStringSlice("skip")
	subs, _ := cmd.Flags().GetStringArray("substitution")
	loose, _ := cmd.Flags().GetBool("allow-loose")
	return workflow.Load(file, workflow.ParseOptions{
		Step:          step,
		Skip:          skip,
		Substitutions: subs,
		AllowLoose:    loose,
	})
}

func loadOptions(cmd *cobra.Command) config.LoadOptions {
	engine, _ := cmd.Flags().GetString("engine")
	resman, _ := cmd.Flags().GetString("resource-manager")
	conf, _ := cmd.Flags().GetString("conf")
	workspace, _ := cmd.Flags().GetString("workspace")
	quiet, _ := cmd.Flags().GetBool("quiet")
	return config.LoadOptions{
		WorkspaceDir: workspace,
		EngineName:   engine,
		ResmanName:   resman,
		ConfigFile:   conf,
		Quiet:        quiet,
	}
}
