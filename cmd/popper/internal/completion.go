package internal

import (
	"strings"

	"github.com/spf13/cobra"
)

func NewCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate a shell completion script for popper",
		Long: `Generate a shell completion script for popper.

Bash:
  $ source <(popper completion bash)
  $ popper completion bash > /etc/bash_completion.d/popper

Zsh (completion must be enabled with "autoload -U compinit; compinit"):
  $ popper completion zsh > "${fpath[1]}/_popper"

Fish:
  $ popper completion fish > ~/.config/fish/completions/popper.fish

PowerShell:
  PS> popper completion powershell | Out-String | Invoke-Expression

Step ids of the workflow file are completed for "popper run" and "popper sh".
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletionV2(out, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
			return nil
		},
	}
	return cmd
}

// completeStepIDs completes the first argument with the ids of the steps
// in the workflow file selected by --file.
func completeStepIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	wf, err := loadWorkflow(cmd, "")
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	var ids []string
	for _, step := range wf.Steps {
		if strings.HasPrefix(step.ID, toComplete) {
			ids = append(ids, step.ID+"\t"+step.Uses)
		}
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}
