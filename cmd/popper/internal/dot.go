package internal

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dangazineu/popper/internal/workflow"
	"github.com/spf13/cobra"
)

func NewDotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dot",
		Short: "Print the workflow as a Graphviz digraph",
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflow(cmd, "")
			if err != nil {
				return err
			}
			colors, _ := cmd.Flags().GetBool("colors")
			printDot(cmd.OutOrStdout(), wf, colors)
			return nil
		},
	}
	addWorkflowFlags(cmd)
	cmd.Flags().Bool("colors", false, "Color nodes by the kind of step")
	return cmd
}

var kindColors = map[workflow.Kind]string{
	workflow.KindHost:   "lightgrey",
	workflow.KindImage:  "lightblue",
	workflow.KindLocal:  "lightyellow",
	workflow.KindRemote: "lightpink",
}

func printDot(w io.Writer, wf *workflow.Workflow, colors bool) {
	fmt.Fprintln(w, "digraph G {")
	fmt.Fprintln(w, "  rankdir=TB;")
	for _, step := range wf.Steps {
		id := strconv.Quote(step.ID)
		if colors {
			fmt.Fprintf(w, "  %s [shape=box, style=filled, fillcolor=%s, tooltip=%s];\n", id, kindColors[step.Kind()], strconv.Quote(step.Uses))
		} else {
			fmt.Fprintf(w, "  %s [shape=box, tooltip=%s];\n", id, strconv.Quote(step.Uses))
		}
	}
	for i := 1; i < len(wf.Steps); i++ {
		fmt.Fprintf(w, "  %s -> %s;\n", strconv.Quote(wf.Steps[i-1].ID), strconv.Quote(wf.Steps[i].ID))
	}
	fmt.Fprintln(w, "}")
}
