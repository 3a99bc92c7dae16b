package cli

import (
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalcanvas/loader"
)

// NewInspectCmd creates the "inspect" subcommand.
func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print parts of a workflow file selected by a JSONPath expression",
		Example: `  petalcanvas inspect wf.json --path '$.nodes[*].type'
  petalcanvas inspect wf.yaml --path "$.nodeData['llm-1'].output"`,
		Args: cobra.ExactArgs(1),
		RunE: runInspect,
	}

	cmd.Flags().StringP("path", "p", "$", "JSONPath expression")

	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	expr, _ := cmd.Flags().GetString("path")

	doc, err := loadDocument(cmd.ErrOrStderr(), args[0])
	if err != nil {
		return err
	}
	matches, err := loader.Query(doc, expr)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	if matches == nil {
		matches = []any{}
	}
	writeIndentedJSON(cmd.OutOrStdout(), matches)
	return nil
}
