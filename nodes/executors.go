package nodes

import (
	"time"

	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/media"
	"github.com/petal-labs/petalcanvas/runtime"
)

// ExecutorsConfig wires the executors of every runnable node type.
type ExecutorsConfig struct {
	LLM            LLMConfig
	Fetcher        *media.Fetcher
	FrameExtractor media.FrameExtractor

	// MediaTimeout bounds a single crop or frame extraction. Zero means no
	// limit.
	MediaTimeout time.Duration
}

// Executors returns the executor table for the engine. Text and upload nodes
// publish their values directly and are not executable.
func Executors(cfg ExecutorsConfig) map[core.NodeType]runtime.Executor {
	return map[core.NodeType]runtime.Executor{
		core.NodeTypeLLM:          NewLLMExecutor(cfg.LLM),
		core.NodeTypeCropImage:    NewCropExecutor(cfg.Fetcher, cfg.MediaTimeout),
		core.NodeTypeExtractFrame: NewFrameExecutor(cfg.FrameExtractor, cfg.MediaTimeout),
	}
}
