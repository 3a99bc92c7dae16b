package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/media"
	"github.com/petal-labs/petalcanvas/runtime"
)

// ErrNoInput is returned when a transform node runs without a connected value.
var ErrNoInput = errors.New("no input connected")

// CropExecutor cuts a percentage rectangle out of the connected image.
type CropExecutor struct {
	fetcher *media.Fetcher
	timeout time.Duration
}

var _ runtime.Executor = (*CropExecutor)(nil)

// NewCropExecutor creates a CropExecutor. A nil fetcher uses media defaults;
// a positive timeout bounds each crop.
func NewCropExecutor(f *media.Fetcher, timeout time.Duration) *CropExecutor {
	if f == nil {
		f = media.NewFetcher(0)
	}
	return &CropExecutor{fetcher: f, timeout: timeout}
}

// Inputs implements runtime.Executor. The crop works on the full-resolution
// source, so the input is not compressed.
func (x *CropExecutor) Inputs(core.NodeData) []runtime.Input {
	return []runtime.Input{{Handle: core.HandleInfo{ID: HandleImageInput, Type: core.HandleImage, Label: "Image Input"}}}
}

// Execute implements runtime.Executor.
func (x *CropExecutor) Execute(ctx context.Context, req runtime.Request) (any, error) {
	ref := req.Input(HandleImageInput)
	if ref == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoInput, HandleImageInput)
	}
	ctx, cancel := withTimeout(ctx, x.timeout)
	defer cancel()
	return media.Crop(ctx, x.fetcher, ref, CropSpecFrom(req.Data))
}

// CropSpecFrom reads x, y, width and height (percent) from NodeData with the
// defaults 0, 0, 100, 100.
func CropSpecFrom(data core.NodeData) media.CropSpec {
	return media.CropSpec{
		X:      numberOr(data, "x", media.DefaultCropSpec.X),
		Y:      numberOr(data, "y", media.DefaultCropSpec.Y),
		Width:  numberOr(data, "width", media.DefaultCropSpec.Width),
		Height: numberOr(data, "height", media.DefaultCropSpec.Height),
	}
}

// FrameExecutor grabs one frame from the connected video.
type FrameExecutor struct {
	extractor media.FrameExtractor
	timeout   time.Duration
}

var _ runtime.Executor = (*FrameExecutor)(nil)

// NewFrameExecutor creates a FrameExecutor. A positive timeout bounds each
// extraction, download included.
func NewFrameExecutor(extractor media.FrameExtractor, timeout time.Duration) *FrameExecutor {
	return &FrameExecutor{extractor: extractor, timeout: timeout}
}

// Inputs implements runtime.Executor.
func (x *FrameExecutor) Inputs(core.NodeData) []runtime.Input {
	return []runtime.Input{{Handle: core.HandleInfo{ID: HandleVideoInput, Type: core.HandleVideo, Label: "Video Input"}}}
}

// Execute implements runtime.Executor.
func (x *FrameExecutor) Execute(ctx context.Context, req runtime.Request) (any, error) {
	if x.extractor == nil {
		return nil, errors.New("no frame extractor configured")
	}
	ref := req.Input(HandleVideoInput)
	if ref == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoInput, HandleVideoInput)
	}
	ts, err := media.ParseTimestamp(firstNonEmpty(toString(req.Data["timestamp"]), "0"))
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, x.timeout)
	defer cancel()
	return x.extractor.ExtractFrame(ctx, ref, ts)
}

// withTimeout bounds ctx when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
