package runtime

import (
	"context"

	"github.com/petal-labs/petalcanvas/core"
)

// Input describes one input handle an executor consumes.
type Input struct {
	Handle core.HandleInfo

	// Compress routes image values through the engine's ImageTransformer
	// before they reach the executor.
	Compress bool
}

// Request is what an executor receives for one run.
type Request struct {
	RunID  string
	Node   core.Node
	Data   core.NodeData
	Inputs map[string]any // resolved values keyed by input handle ID
}

// Input returns the resolved value for handleID as a string. Non-string
// values and absent inputs yield "".
func (r Request) Input(handleID string) string {
	s, _ := r.Inputs[handleID].(string)
	return s
}

// Executor performs the work of one node type.
type Executor interface {
	// Inputs lists the handles to resolve, in provenance order, for a node
	// with the given data.
	Inputs(data core.NodeData) []Input

	// Execute produces the node's output value.
	Execute(ctx context.Context, req Request) (any, error)
}

// ImageTransformer bounds an image reference before it leaves the process.
type ImageTransformer interface {
	Compress(ctx context.Context, ref string) (string, error)
}
