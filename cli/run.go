package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalcanvas"
	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/loader"
	petalotel "github.com/petal-labs/petalcanvas/otel"
)

// RunResult is the JSON output of the run command.
type RunResult struct {
	Run    core.WorkflowRun `json:"run"`
	Output any              `json:"output,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run one node of a workflow file and its upstream dependencies",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("node", "n", "", "ID of the node to run (required)")
	cmd.Flags().String("config", "", "Path to petalcanvas.yaml")
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().StringArray("text", nil, "Override a text node, as id=value (repeatable)")
	cmd.Flags().String("save", "", "Write the workflow, including run outputs, to this file")
	_ = cmd.MarkFlagRequired("node")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node")
	format, _ := cmd.Flags().GetString("format")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	overrides, _ := cmd.Flags().GetStringArray("text")
	savePath, _ := cmd.Flags().GetString("save")
	logger := newLogger(cmd)

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	doc, err := loadDocument(cmd.ErrOrStderr(), args[0])
	if err != nil {
		return err
	}

	tmpl, err := workspaceTemplate(cfg, logger)
	if err != nil {
		return err
	}
	tmpl.ID, tmpl.Name, tmpl.UserID = doc.ID, doc.Name, doc.UserID

	tel, err := petalotel.Setup(cmd.Context(), petalotel.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return exitError(exitConfig, "initializing telemetry: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	tmpl.EventHandler = tel.Handler()
	tmpl.EventEmitterDecorator = tel.Decorator()

	ws := petalcanvas.New(tmpl)
	defer func() { _ = ws.Close() }()
	ws.Import(doc)

	if err := applyTextOverrides(ws, overrides); err != nil {
		return err
	}

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	task, err := ws.Trigger(ctx, nodeID)
	switch {
	case errors.Is(err, petalcanvas.ErrNodeNotFound):
		return exitError(exitValidation, "node %q not found", nodeID)
	case errors.Is(err, petalcanvas.ErrNotExecutable):
		return exitError(exitValidation, "node %q is not executable", nodeID)
	case err != nil:
		return exitError(exitRuntime, "starting run: %v", err)
	}

	output, runErr := task.Wait(ctx)
	if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() != nil {
		return exitError(exitTimeout, "run %s timed out after %s", task.RunID, timeout)
	}
	record, _ := task.Run()

	result := RunResult{Run: record, Output: output}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	if format == "json" {
		writeIndentedJSON(cmd.OutOrStdout(), result)
	} else {
		printRunText(cmd.OutOrStdout(), result)
	}

	if savePath != "" {
		if err := loader.Save(savePath, ws.Export()); err != nil {
			return exitError(exitRuntime, "saving workflow: %v", err)
		}
		logger.Info("workflow saved", "path", savePath)
	}

	if runErr != nil {
		return exitError(exitNodeFailed, "run %s failed: %v", task.RunID, runErr)
	}
	return nil
}

func applyTextOverrides(ws *petalcanvas.Workspace, overrides []string) error {
	for _, o := range overrides {
		id, text, ok := strings.Cut(o, "=")
		if !ok || id == "" {
			return exitError(exitValidation, "invalid --text %q: want id=value", o)
		}
		node, found := ws.Snapshot().Node(id)
		if !found {
			return exitError(exitValidation, "--text: node %q not found", id)
		}
		if node.Type != core.NodeTypeText {
			return exitError(exitValidation, "--text: node %q is a %s, not a text node", id, node.Type)
		}
		ws.SetText(id, text)
	}
	return nil
}

func printRunText(w io.Writer, result RunResult) {
	fmt.Fprintf(w, "Run %s (%s)\n", result.Run.ID, result.Run.Status)
	for _, l := range result.Run.Logs {
		mark := "ok"
		if l.Status != core.LogSuccess {
			mark = string(l.Status)
		}
		fmt.Fprintf(w, "  [%s] %s (%.1fs)", mark, l.NodeLabel, l.Duration)
		if l.Error != "" {
			fmt.Fprintf(w, ": %s", l.Error)
		}
		fmt.Fprintln(w)
	}
	if result.Output != nil {
		fmt.Fprintf(w, "\n%v\n", result.Output)
	}
}
