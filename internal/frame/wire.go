package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashutoshrp06/brainstream/internal/types"
)

// MalformedFrameError describes a frame that could not be decoded. It is
// reported and skipped; it never stops the stream.
type MalformedFrameError struct {
	Event string
	Data  string
	Err   error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed %q frame: %v", e.Event, e.Err)
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

var (
	errUnknownKind  = errors.New("unknown frame kind")
	errMissingKind  = errors.New("missing frame kind")
	errEmptyPayload = errors.New("empty payload")
)

type contentPayload struct {
	Content string `json:"content"`
	Message string `json:"message,omitempty"`
}

type toolStartPayload struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CallID    string          `json:"callId"`
}

type toolEndPayload struct {
	Tool    string          `json:"tool"`
	Result  json.RawMessage `json:"result,omitempty"`
	CallID  string          `json:"callId"`
	Success bool            `json:"success"`
}

type ragPayload struct {
	RagLogID string                       `json:"ragLogId"`
	Entries  []map[string]json.RawMessage `json:"entries"`
}

type endPayload struct {
	LogID        string `json:"logId,omitempty"`
	RagLogID     string `json:"ragLogId,omitempty"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

type errorPayload struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// decode builds a Frame from one dispatched SSE event.
func decode(event, data string) (Frame, error) {
	kind := Kind(strings.TrimSpace(event))
	raw := []byte(data)

	if kind == "" {
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil || probe.Type == "" {
			return nil, errMissingKind
		}
		kind = Kind(probe.Type)
	}

	switch kind {
	case KindStart:
		return Start{}, nil

	case KindText, KindThinking, KindStatus:
		s, err := decodeContent(raw)
		if err != nil {
			return nil, err
		}
		switch kind {
		case KindText:
			return Text{Content: s}, nil
		case KindThinking:
			return Thinking{Content: s}, nil
		default:
			return Status{Message: s}, nil
		}

	case KindToolStart:
		var p toolStartPayload
		if err := unmarshalObject(raw, &p); err != nil {
			return nil, err
		}
		if p.CallID == "" {
			return nil, errors.New("tool_start without callId")
		}
		return ToolStart{Tool: p.Tool, Arguments: p.Arguments, CallID: p.CallID}, nil

	case KindToolEnd:
		var p toolEndPayload
		if err := unmarshalObject(raw, &p); err != nil {
			return nil, err
		}
		if p.CallID == "" {
			return nil, errors.New("tool_end without callId")
		}
		return ToolEnd{Tool: p.Tool, Result: p.Result, CallID: p.CallID, Success: p.Success}, nil

	case KindRag:
		var p ragPayload
		if err := unmarshalObject(raw, &p); err != nil {
			return nil, err
		}
		entries := make([]types.RagContextEntry, 0, len(p.Entries))
		for _, e := range p.Entries {
			entries = append(entries, ragEntry(e))
		}
		return Rag{LogID: p.RagLogID, Entries: entries}, nil

	case KindEnd:
		var p endPayload
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
		}
		logID := p.LogID
		if logID == "" {
			logID = p.RagLogID
		}
		return End{LogID: logID, InputTokens: p.InputTokens, OutputTokens: p.OutputTokens}, nil

	case KindError:
		var p errorPayload
		if err := unmarshalObject(raw, &p); err != nil {
			return nil, err
		}
		if p.Message == "" {
			p.Message = "stream error"
		}
		return Error{Message: p.Message, Retryable: p.Retryable}, nil
	}

	return nil, fmt.Errorf("%w: %s", errUnknownKind, kind)
}

// decodeContent accepts either {"content": "..."} or a bare JSON string.
func decodeContent(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", errEmptyPayload
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var p contentPayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return "", err
	}
	if p.Content == "" {
		return p.Message, nil
	}
	return p.Content, nil
}

func unmarshalObject(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(raw, v)
}

// ragEntry splits the well-known keys from the freeform ones. sourceId wins
// over id; whichever key is not used as the source id stays in Fields.
func ragEntry(m map[string]json.RawMessage) types.RagContextEntry {
	entry := types.RagContextEntry{}

	idKey := ""
	for _, k := range []string{"sourceId", "id"} {
		if id, ok := scalarID(m[k]); ok {
			entry.SourceID = id
			idKey = k
			break
		}
	}

	titleOK := false
	if raw, ok := m["title"]; ok {
		titleOK = json.Unmarshal(raw, &entry.Title) == nil
	}

	for k, v := range m {
		if k == idKey || (k == "title" && titleOK) {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		if entry.Fields == nil {
			entry.Fields = make(map[string]any)
		}
		entry.Fields[k] = val
	}
	return entry
}

// scalarID accepts a non-empty string or a number, kept in its literal form.
func scalarID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// Encode renders f in the wire format. It is the inverse of the parser and is
// used by test servers and fixtures.
func Encode(f Frame) []byte {
	var payload any
	switch v := f.(type) {
	case Start:
		payload = struct{}{}
	case Text:
		payload = contentPayload{Content: v.Content}
	case Thinking:
		payload = contentPayload{Content: v.Content}
	case Status:
		payload = contentPayload{Content: v.Message}
	case ToolStart:
		payload = toolStartPayload{Tool: v.Tool, Arguments: v.Arguments, CallID: v.CallID}
	case ToolEnd:
		payload = toolEndPayload{Tool: v.Tool, Result: v.Result, CallID: v.CallID, Success: v.Success}
	case Rag:
		entries := make([]map[string]any, 0, len(v.Entries))
		for _, e := range v.Entries {
			m := make(map[string]any, len(e.Fields)+2)
			for k, val := range e.Fields {
				m[k] = val
			}
			m["sourceId"] = e.SourceID
			m["title"] = e.Title
			entries = append(entries, m)
		}
		payload = struct {
			RagLogID string           `json:"ragLogId"`
			Entries  []map[string]any `json:"entries"`
		}{v.LogID, entries}
	case End:
		payload = endPayload{LogID: v.LogID, InputTokens: v.InputTokens, OutputTokens: v.OutputTokens}
	case Error:
		payload = errorPayload{Message: v.Message, Retryable: v.Retryable}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}

	var b bytes.Buffer
	b.WriteString("event: ")
	b.WriteString(string(f.Kind()))
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes()
}

// EncodeAll concatenates the encoding of every frame.
func EncodeAll(frames ...Frame) []byte {
	var b bytes.Buffer
	for _, f := range frames {
		b.Write(Encode(f))
	}
	return b.Bytes()
}
