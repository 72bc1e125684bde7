// Package frame turns a fragmented byte stream into typed protocol frames.
//
// The wire format is Server-Sent Events: every frame is an "event:" line naming
// the frame kind followed by one or more "data:" lines carrying a JSON payload,
// terminated by a blank line. The parser knows nothing about sessions or retries.
package frame

import (
	"encoding/json"

	"github.com/ashutoshrp06/brainstream/internal/types"
)

// Kind is the wire name of a frame.
type Kind string

const (
	KindStart     Kind = "start"
	KindText      Kind = "text"
	KindThinking  Kind = "thinking"
	KindStatus    Kind = "status"
	KindToolStart Kind = "tool_start"
	KindToolEnd   Kind = "tool_end"
	KindRag       Kind = "rag"
	KindEnd       Kind = "end"
	KindError     Kind = "error"
)

// Frame is one decoded protocol unit. The set of implementations is closed:
// only types in this package satisfy it.
type Frame interface {
	Kind() Kind
	isFrame()
}

// Start marks the beginning of generated content.
type Start struct{}

// Text is an answer delta.
type Text struct {
	Content string
}

// Thinking is a reasoning-channel delta.
type Thinking struct {
	Content string
}

// Status is a transient progress label.
type Status struct {
	Message string
}

// ToolStart announces a capability invocation.
type ToolStart struct {
	Tool      string
	Arguments json.RawMessage
	CallID    string
}

// ToolEnd announces completion of a capability invocation.
type ToolEnd struct {
	Tool    string
	Result  json.RawMessage
	CallID  string
	Success bool
}

// Rag carries a batch of retrieved context entries.
type Rag struct {
	LogID   string
	Entries []types.RagContextEntry
}

// End is the terminal success frame.
type End struct {
	LogID        string
	InputTokens  int
	OutputTokens int
}

// Error is the terminal failure frame. Retryable is a hint for the caller only.
type Error struct {
	Message   string
	Retryable bool
}

func (Start) Kind() Kind     { return KindStart }
func (Text) Kind() Kind      { return KindText }
func (Thinking) Kind() Kind  { return KindThinking }
func (Status) Kind() Kind    { return KindStatus }
func (ToolStart) Kind() Kind { return KindToolStart }
func (ToolEnd) Kind() Kind   { return KindToolEnd }
func (Rag) Kind() Kind       { return KindRag }
func (End) Kind() Kind       { return KindEnd }
func (Error) Kind() Kind     { return KindError }

func (Start) isFrame()     {}
func (Text) isFrame()      {}
func (Thinking) isFrame()  {}
func (Status) isFrame()    {}
func (ToolStart) isFrame() {}
func (ToolEnd) isFrame()   {}
func (Rag) isFrame()       {}
func (End) isFrame()       {}
func (Error) isFrame()     {}

// IsTerminal reports whether f ends a frame sequence.
func IsTerminal(f Frame) bool {
	switch f.(type) {
	case End, Error:
		return true
	}
	return false
}
