package internal

import (
	"fmt"

	"github.com/dangazineu/popper/internal/config"
	"github.com/dangazineu/popper/internal/engine"
	"github.com/spf13/cobra"
)

func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a workflow file",
		Long:  `Validate a workflow file and, when given, the engine configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflow(cmd, "")
			if err != nil {
				return err
			}
			conf, _ := cmd.Flags().GetString("conf")
			if conf != "" {
				cfg, err := config.Load(config.LoadOptions{ConfigFile: conf})
				if err != nil {
					return err
				}
				if err := engine.DefaultRegistry().Validate(cfg.ResmanName, cfg.EngineName); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Validation successful! %d step(s) found.\n", len(wf.Steps))
			return nil
		},
	}
	addWorkflowFlags(cmd)
	cmd.Flags().StringP("conf", "c", "", "Configuration file to validate along with the workflow")
	return cmd
}
