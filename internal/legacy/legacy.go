// Package legacy projects session state into the flat shape older call sites
// consume.
package legacy

import "github.com/ashutoshrp06/brainstream/internal/types"

// State is the backward-compatible view of a session.
type State struct {
	IsStreaming          bool                        `json:"isStreaming"`
	StreamingMessage     string                      `json:"streamingMessage"`
	ThinkingProcess      string                      `json:"thinkingProcess"`
	InputTokens          int                         `json:"inputTokens"`
	OutputTokens         int                         `json:"outputTokens"`
	RagLogID             string                      `json:"ragLogId,omitempty"`
	ToolExecutions       []types.ToolExecutionRecord `json:"toolExecutions"`
	GeneratedImages      []types.GeneratedImage      `json:"generatedImages"`
	ImageGenerationStage string                      `json:"imageGenerationStage"`
	IsGeneratingImage    bool                        `json:"isGeneratingImage"`
}

// FromState derives the legacy shape from s. It does not retain or modify
// anything reachable from s.
func FromState(s types.SessionState) State {
	out := State{
		IsStreaming:          s.Phase.Active(),
		StreamingMessage:     s.TextContent,
		ThinkingProcess:      s.ThinkingContent,
		RagLogID:             s.RagLogID,
		ToolExecutions:       make([]types.ToolExecutionRecord, len(s.ToolExecutions)),
		GeneratedImages:      make([]types.GeneratedImage, len(s.ImageGeneration.Images)),
		ImageGenerationStage: string(s.ImageGeneration.Stage),
		IsGeneratingImage:    s.ImageGeneration.Stage == types.ImageStageRequesting,
	}

	if s.TokenCounts != nil {
		out.InputTokens = s.TokenCounts.Input
		out.OutputTokens = s.TokenCounts.Output
	}

	copy(out.ToolExecutions, s.ToolExecutions)
	copy(out.GeneratedImages, s.ImageGeneration.Images)

	return out
}
