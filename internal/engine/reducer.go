package engine

import (
	"fmt"

	"github.com/ashutoshrp06/brainstream/internal/frame"
	"github.com/ashutoshrp06/brainstream/internal/types"
)

// Apply folds one frame into s and returns the new state. It never mutates s.
// Frames arriving after a terminal phase are ignored.
func Apply(s types.SessionState, f frame.Frame) types.SessionState {
	if s.Phase == types.PhaseComplete || s.Phase == types.PhaseError {
		return s
	}

	next := s.Clone()

	switch f := f.(type) {
	case frame.Start:
		next.Error = nil
		next.TokenCounts = nil

	case frame.Text:
		next.TextContent += f.Content

	case frame.Thinking:
		next.ThinkingContent += f.Content

	case frame.Status:
		next.StatusMessage = f.Message

	case frame.ToolStart:
		rec := types.ToolExecutionRecord{
			CallID:    f.CallID,
			Tool:      f.Tool,
			Arguments: f.Arguments,
			Status:    types.ToolRunning,
		}
		if i := findTool(next.ToolExecutions, f.CallID); i >= 0 {
			next.ToolExecutions[i] = rec
		} else {
			next.ToolExecutions = append(next.ToolExecutions, rec)
		}

	case frame.ToolEnd:
		i := findTool(next.ToolExecutions, f.CallID)
		if i < 0 {
			return s
		}
		rec := &next.ToolExecutions[i]
		rec.Result = f.Result
		rec.Status = types.ToolFailed
		if f.Success {
			rec.Status = types.ToolCompleted
		}

	case frame.Rag:
		next.RagContext = append(next.RagContext, f.Entries...)
		if f.LogID != "" {
			next.RagLogID = f.LogID
		}

	case frame.End:
		if f.LogID != "" {
			next.RagLogID = f.LogID
		}
		next.TokenCounts = &types.TokenCounts{Input: f.InputTokens, Output: f.OutputTokens}
		next.StatusMessage = ""
		next.Phase = types.PhaseComplete

	case frame.Error:
		next.Error = &types.ErrorInfo{
			Kind:      types.ErrKindProtocol,
			Message:   f.Message,
			Retryable: f.Retryable,
		}
		next.StatusMessage = ""
		next.Phase = types.PhaseError

	default:
		panic(fmt.Sprintf("engine: unhandled frame type %T", f))
	}

	return next
}

func findTool(recs []types.ToolExecutionRecord, callID string) int {
	for i := range recs {
		if recs[i].CallID == callID {
			return i
		}
	}
	return -1
}
