// Package nodes provides the per-type handle declarations and executors for
// PetalCanvas nodes.
package nodes

import (
	"fmt"
	"strconv"

	"github.com/petal-labs/petalcanvas/core"
)

// Handle IDs shared across node types.
const (
	HandlePrompt       = "prompt"
	HandleSystemPrompt = "systemPrompt"
	HandleImageInput   = "imageInput"
	HandleVideoInput   = "videoInput"
	HandleTextInput    = "input"
)

// DefaultImageCount is the number of image inputs a model-invocation node
// starts with. MaxImageCount bounds how many it can declare.
const (
	DefaultImageCount = 1
	MaxImageCount     = 16
)

// ErrImageCountRange reports an imageCount above MaxImageCount.
var ErrImageCountRange = fmt.Errorf("imageCount must be at most %d", MaxImageCount)

// ImageHandle returns the ID of the i-th (1-based) image input.
func ImageHandle(i int) string {
	return "image_" + strconv.Itoa(i)
}

// ImageCount reads the model-invocation node's imageCount, defaulting to 1
// and clamped to MaxImageCount.
func ImageCount(data core.NodeData) int {
	n, ok := toFloat64(data["imageCount"])
	switch {
	case !ok || !(n >= 1):
		return DefaultImageCount
	case n > MaxImageCount:
		return MaxImageCount
	}
	return int(n)
}

// CheckImageCount rejects a numeric imageCount above MaxImageCount.
func CheckImageCount(data map[string]any) error {
	if n, ok := toFloat64(data["imageCount"]); ok && n > MaxImageCount {
		return fmt.Errorf("%w, got %v", ErrImageCountRange, data["imageCount"])
	}
	return nil
}

// Handles returns the handle declaration for a node of type t with the given
// data. Unknown types have no declaration.
func Handles(t core.NodeType, data core.NodeData) (core.NodeHandles, bool) {
	switch t {
	case core.NodeTypeText:
		return core.NodeHandles{
			Inputs:  []core.HandleInfo{{ID: HandleTextInput, Type: core.HandleText, Label: "Text Input"}},
			Outputs: []core.HandleInfo{{ID: core.OutputKey, Type: core.HandleText, Label: "Text Output"}},
		}, true
	case core.NodeTypeImageUpload:
		return core.NodeHandles{
			Inputs:  []core.HandleInfo{},
			Outputs: []core.HandleInfo{{ID: core.OutputKey, Type: core.HandleImage, Label: "Image Output"}},
		}, true
	case core.NodeTypeVideoUpload:
		return core.NodeHandles{
			Inputs:  []core.HandleInfo{},
			Outputs: []core.HandleInfo{{ID: core.OutputKey, Type: core.HandleVideo, Label: "Video Output"}},
		}, true
	case core.NodeTypeLLM:
		inputs := []core.HandleInfo{
			{ID: HandlePrompt, Type: core.HandleText, Label: "Prompt*"},
			{ID: HandleSystemPrompt, Type: core.HandleText, Label: "System Prompt"},
		}
		for i := 1; i <= ImageCount(data); i++ {
			inputs = append(inputs, core.HandleInfo{ID: ImageHandle(i), Type: core.HandleImage, Label: "Image " + strconv.Itoa(i)})
		}
		return core.NodeHandles{
			Inputs:  inputs,
			Outputs: []core.HandleInfo{{ID: core.OutputKey, Type: core.HandleText, Label: "Text"}},
		}, true
	case core.NodeTypeCropImage:
		return core.NodeHandles{
			Inputs:  []core.HandleInfo{{ID: HandleImageInput, Type: core.HandleImage, Label: "Image Input"}},
			Outputs: []core.HandleInfo{{ID: core.OutputKey, Type: core.HandleImage, Label: "Cropped Image"}},
		}, true
	case core.NodeTypeExtractFrame:
		return core.NodeHandles{
			Inputs:  []core.HandleInfo{{ID: HandleVideoInput, Type: core.HandleVideo, Label: "Video Input"}},
			Outputs: []core.HandleInfo{{ID: core.OutputKey, Type: core.HandleImage, Label: "Frame Output"}},
		}, true
	default:
		return core.NodeHandles{}, false
	}
}

// HandlesFor adapts Handles to the document validator's signature.
func HandlesFor(n core.Node, data core.NodeData) (core.NodeHandles, bool) {
	return Handles(n.Type, data)
}

// DependsOnData reports whether a change to key can alter the declaration of
// a node of type t.
func DependsOnData(t core.NodeType, key string) bool {
	return t == core.NodeTypeLLM && key == "imageCount"
}
