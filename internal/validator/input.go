// Package validator checks requests before they reach the network and
// responses before they reach session state.
package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ashutoshrp06/brainstream/internal/types"
)

// spaceRegexp is compiled once at package init and reused across all Sanitize calls.
var spaceRegexp = regexp.MustCompile(`[ \t]+`)

type InputValidator struct {
	maxLength int
	minLength int
}

func NewInputValidator() *InputValidator {
	return &InputValidator{
		maxLength: 32000,
		minLength: 1,
	}
}

// Validate checks a send request.
func (v *InputValidator) Validate(req types.SendRequest) error {
	if strings.TrimSpace(req.ConversationID) == "" {
		return errors.New("conversation id is required")
	}

	if err := v.validateText("content", req.Content); err != nil {
		return err
	}

	switch req.Mode {
	case "", types.ModeChat, types.ModeAgent:
	default:
		return fmt.Errorf("unknown mode %q", req.Mode)
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return fmt.Errorf("temperature out of range: %v", *req.Temperature)
	}

	if req.MaxTokens != nil && *req.MaxTokens < 0 {
		return fmt.Errorf("maxTokens must not be negative: %d", *req.MaxTokens)
	}

	for i, c := range req.Capabilities {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("empty capability at index %d", i)
		}
	}

	return nil
}

// ValidatePrompt checks an image prompt.
func (v *InputValidator) ValidatePrompt(conversationID, prompt string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("conversation id is required")
	}
	return v.validateText("prompt", prompt)
}

func (v *InputValidator) validateText(field, s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is empty", field)
	}

	if len(s) < v.minLength {
		return fmt.Errorf("%s too short: minimum %d characters", field, v.minLength)
	}

	if len(s) > v.maxLength {
		return fmt.Errorf("%s too long: maximum %d characters", field, v.maxLength)
	}

	if !utf8.ValidString(s) {
		return errors.New("invalid UTF-8 encoding")
	}

	return nil
}

// Sanitize trims the content and collapses runs of horizontal whitespace.
// Newlines are kept; they are meaningful in chat messages.
func (v *InputValidator) Sanitize(content string) string {
	content = strings.TrimSpace(content)
	content = spaceRegexp.ReplaceAllString(content, " ")
	return content
}
