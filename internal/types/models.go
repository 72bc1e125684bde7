// Package types defines shared data structures for the streaming client engine.
package types

import "encoding/json"

// Phase represents the lifecycle position of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
	PhaseComplete
	PhaseError
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	names := [...]string{
		"Idle",
		"Sending",
		"Streaming",
		"Complete",
		"Error",
	}
	if int(p) >= 0 && int(p) < len(names) {
		return names[p]
	}
	return "Unknown"
}

// Active reports whether a request is in flight.
func (p Phase) Active() bool {
	return p == PhaseSending || p == PhaseStreaming
}

// Mode selects the endpoint and payload shape of a send.
type Mode string

const (
	ModeChat  Mode = "chat"
	ModeAgent Mode = "agent"
)

// ToolStatus is the state of a single capability invocation.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// ToolExecutionRecord tracks one tool call, keyed by CallID.
type ToolExecutionRecord struct {
	CallID    string          `json:"callId"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Status    ToolStatus      `json:"status"`
}

// RagContextEntry is one retrieved context item. Entries are never modified after they are appended;
// SessionState.Clone copies Fields so snapshots do not share it.
type RagContextEntry struct {
	SourceID string         `json:"sourceId"`
	Title    string         `json:"title"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// TokenCounts holds usage reported by the terminal end frame.
type TokenCounts struct {
	Input  int `json:"inputTokens"`
	Output int `json:"outputTokens"`
}

// ErrorKind classifies a terminal failure.
type ErrorKind string

const (
	ErrKindTransport ErrorKind = "transport"
	ErrKindHTTP      ErrorKind = "http"
	ErrKindProtocol  ErrorKind = "protocol"
	// ErrKindUnexpectedEnd is a protocol failure: the stream closed before an
	// end or error frame. Use IsProtocol to match it together with ErrKindProtocol.
	ErrKindUnexpectedEnd ErrorKind = "unexpected_end"
	ErrKindImage         ErrorKind = "image_generation"
)

// IsProtocol reports whether k is a stream protocol failure.
func (k ErrorKind) IsProtocol() bool {
	return k == ErrKindProtocol || k == ErrKindUnexpectedEnd
}

// ErrorInfo is the error snapshot stored on a session.
type ErrorInfo struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	StatusCode int       `json:"statusCode,omitempty"`
}

// ImageStage is the position of the image generation sub-flow.
type ImageStage string

const (
	ImageStageIdle       ImageStage = "idle"
	ImageStageRequesting ImageStage = "requesting"
	ImageStageComplete   ImageStage = "complete"
	ImageStageError      ImageStage = "error"
)

// GeneratedImage is an encoded image payload returned by the image executor.
type GeneratedImage struct {
	Base64Data    string `json:"base64Data"`
	MediaType     string `json:"mediaType"`
	RevisedPrompt string `json:"revisedPrompt,omitempty"`
}

// ImageGenerationState is the independent image sub-state of a session.
type ImageGenerationState struct {
	Stage  ImageStage       `json:"stage"`
	Images []GeneratedImage `json:"images,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// SessionState is the externally visible snapshot of the engine.
type SessionState struct {
	Phase           Phase                 `json:"phase"`
	TextContent     string                `json:"textContent"`
	ThinkingContent string                `json:"thinkingContent"`
	StatusMessage   string                `json:"statusMessage,omitempty"`
	ToolExecutions  []ToolExecutionRecord `json:"toolExecutions,omitempty"`
	RagContext      []RagContextEntry     `json:"ragContext,omitempty"`
	RagLogID        string                `json:"ragLogId,omitempty"`
	TokenCounts     *TokenCounts          `json:"tokenCounts,omitempty"`
	Error           *ErrorInfo            `json:"error,omitempty"`
	ImageGeneration ImageGenerationState  `json:"imageGeneration"`
}

// NewSessionState returns the construction-time default state.
func NewSessionState() SessionState {
	return SessionState{
		Phase:           PhaseIdle,
		ImageGeneration: ImageGenerationState{Stage: ImageStageIdle},
	}
}

// Clone returns a deep copy so snapshots can be handed out without sharing slices.
func (s SessionState) Clone() SessionState {
	out := s
	if s.ToolExecutions != nil {
		out.ToolExecutions = make([]ToolExecutionRecord, len(s.ToolExecutions))
		copy(out.ToolExecutions, s.ToolExecutions)
	}
	if s.RagContext != nil {
		out.RagContext = make([]RagContextEntry, len(s.RagContext))
		for i, e := range s.RagContext {
			if e.Fields != nil {
				e.Fields = cloneFields(e.Fields)
			}
			out.RagContext[i] = e
		}
	}
	if s.TokenCounts != nil {
		tc := *s.TokenCounts
		out.TokenCounts = &tc
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.ImageGeneration.Images != nil {
		out.ImageGeneration.Images = make([]GeneratedImage, len(s.ImageGeneration.Images))
		copy(out.ImageGeneration.Images, s.ImageGeneration.Images)
	}
	return out
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the containers produced by decoding JSON into any.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneFields(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Turn is a finished exchange kept in the history.
type Turn struct {
	ID       string       `json:"id"`
	Mode     Mode         `json:"mode"`
	Prompt   string       `json:"prompt"`
	Answer   string       `json:"answer"`
	Phase    Phase        `json:"phase"`
	Tokens   *TokenCounts `json:"tokens,omitempty"`
	ErrorMsg string       `json:"error,omitempty"`
}

// SendRequest is the caller's input to a streaming send. Optional chat
// parameters are pointers so an unset value is omitted from the payload.
type SendRequest struct {
	ConversationID  string
	Content         string
	Mode            Mode // empty means the engine's configured mode
	Temperature     *float64
	MaxTokens       *int
	UseRag          *bool
	EnableGrounding *bool
	Capabilities    []string
}
