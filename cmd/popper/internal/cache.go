package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dangazineu/popper/internal/config"
	"github.com/spf13/cobra"
)

func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage popper's cache",
	}

	cmd.AddCommand(newCacheCleanCmd())

	return cmd
}

func newCacheCleanCmd() *cobra.Command {
	var confirm bool
	var workspace string
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove the cloned repositories and singularity images of a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{WorkspaceDir: workspace})
			if err != nil {
				return err
			}
			dirs := []string{filepath.Join(cfg.CacheDir, cfg.Wid), cfg.SingularityCacheDir()}

			if !confirm {
				fmt.Fprintf(cmd.OutOrStdout(), "This will delete %s and %s. Use --confirm to proceed.\n", dirs[0], dirs[1])
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Cleaning cache...")
			for _, dir := range dirs {
				if err := os.RemoveAll(dir); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleaned successfully.")

			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm the cache cleaning")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current directory)")
	return cmd
}
