package engine

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/ashutoshrp06/brainstream/internal/types"
)

type chatPayload struct {
	Content         string   `json:"content"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxTokens       *int     `json:"maxTokens,omitempty"`
	UseRag          *bool    `json:"useRag,omitempty"`
	EnableGrounding *bool    `json:"enableGrounding,omitempty"`
}

type agentPayload struct {
	Content      string   `json:"content"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// buildRequest returns the endpoint path and JSON body for mode.
func buildRequest(mode types.Mode, req types.SendRequest) (string, []byte, error) {
	var payload any
	switch mode {
	case types.ModeChat:
		payload = chatPayload{
			Content:         req.Content,
			Temperature:     req.Temperature,
			MaxTokens:       req.MaxTokens,
			UseRag:          req.UseRag,
			EnableGrounding: req.EnableGrounding,
		}
	case types.ModeAgent:
		payload = agentPayload{
			Content:      req.Content,
			Capabilities: req.Capabilities,
		}
	default:
		return "", nil, fmt.Errorf("unknown mode %q", mode)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal payload: %w", err)
	}

	path := "/" + string(mode) + "/conversations/" + url.PathEscape(req.ConversationID) + "/messages/stream"
	return path, body, nil
}
