package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/ashutoshrp06/brainstream/internal/auth"
	"github.com/ashutoshrp06/brainstream/internal/frame"
	"github.com/ashutoshrp06/brainstream/internal/image"
	"github.com/ashutoshrp06/brainstream/internal/retry"
	"github.com/ashutoshrp06/brainstream/internal/transport"
	"github.com/ashutoshrp06/brainstream/internal/types"
)

var chatReq = types.SendRequest{ConversationID: "conv-1", Content: "hello"}

// fakeTransport records every request and answers with respond.
type fakeTransport struct {
	mu       sync.Mutex
	requests []*transport.Request
	respond  func(call int, req *transport.Request) (*transport.Response, error)
}

func (f *fakeTransport) Do(_ context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	return f.respond(call, req)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func streamOf(frames ...frame.Frame) func(int, *transport.Request) (*transport.Response, error) {
	return func(int, *transport.Request) (*transport.Response, error) {
		return sseResponse(frames...), nil
	}
}

func sseResponse(frames ...frame.Frame) *transport.Response {
	return &transport.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(frame.EncodeAll(frames...))),
	}
}

func pipeResponse(pr *io.PipeReader) func(int, *transport.Request) (*transport.Response, error) {
	return func(int, *transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusOK, Body: pr}, nil
	}
}

func connRefused() error {
	return &transport.TransportError{Op: "execute request", Err: errors.New("connection refused")}
}

func fastRetry(n int) *retry.Config {
	return &retry.Config{
		MaxRetries:     n,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
	}
}

// recorder collects callback invocations.
type recorder struct {
	mu        sync.Mutex
	completes []types.SessionState
	errs      []*SessionError
	updates   chan types.SessionState
}

func newRecorder() *recorder {
	return &recorder{updates: make(chan types.SessionState, 256)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnUpdate: func(s types.SessionState) {
			select {
			case r.updates <- s:
			default:
			}
		},
		OnComplete: func(s types.SessionState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes = append(r.completes, s)
		},
		OnError: func(err *SessionError) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) counts() (completes, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completes), len(r.errs)
}

func (r *recorder) waitFor(t *testing.T, cond func(types.SessionState) bool) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.updates:
			if cond(s) {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for state")
		}
	}
}

func newEngine(t *testing.T, tr transport.Transport, rec *recorder, opts ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Transport:   tr,
		Credentials: auth.Static("tok"),
		Retry:       fastRetry(3),
		Logger:      zaptest.NewLogger(t),
	}
	if rec != nil {
		cfg.Callbacks = rec.callbacks()
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	return eng
}

func withImages(exec image.Executor) func(*Config) {
	return func(c *Config) { c.ImageExecutor = exec }
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Credentials: auth.Static("tok")})
	require.Error(t, err)

	_, err = New(Config{Transport: &fakeTransport{}})
	require.Error(t, err)

	_, err = New(Config{Transport: &fakeTransport{}, Credentials: auth.Static("tok"), Mode: "image"})
	require.Error(t, err)

	eng, err := New(Config{Transport: &fakeTransport{}, Credentials: auth.Static("tok")})
	require.NoError(t, err)
	require.Equal(t, types.ModeChat, eng.Mode())
	require.Equal(t, types.NewSessionState(), eng.State())
}

func TestEngine_StreamCompletes(t *testing.T) {
	tr := &fakeTransport{respond: streamOf(
		frame.Start{},
		frame.Text{Content: "Hello "},
		frame.Text{Content: "World!"},
		frame.End{LogID: "log-123", InputTokens: 10, OutputTokens: 20},
	)}
	rec := newRecorder()
	eng := newEngine(t, tr, rec)

	require.NoError(t, eng.Send(context.Background(), chatReq))

	st := eng.State()
	require.Equal(t, types.PhaseComplete, st.Phase)
	require.Equal(t, "Hello World!", st.TextContent)
	require.Equal(t, "log-123", st.RagLogID)
	require.Equal(t, &types.TokenCounts{Input: 10, Output: 20}, st.TokenCounts)
	require.Nil(t, st.Error)
	require.False(t, eng.Active())

	completes, errs := rec.counts()
	require.Equal(t, 1, completes)
	require.Zero(t, errs)
}

func TestEngine_ErrorFrameKeepsContent(t *testing.T) {
	tr := &fakeTransport{respond: streamOf(
		frame.Start{},
		frame.Text{Content: "Partial"},
		frame.Error{Message: "Model overloaded", Retryable: true},
	)}
	rec := newRecorder()
	eng := newEngine(t, tr, rec)

	err := eng.Send(context.Background(), chatReq)

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, types.ErrKindProtocol, serr.Kind)
	require.True(t, serr.Retryable)

	st := eng.State()
	require.Equal(t, types.PhaseError, st.Phase)
	require.Equal(t, "Model overloaded", st.Error.Message)
	require.True(t, st.Error.Retryable)
	require.Equal(t, "Partial", st.TextContent)

	// The hint is informational; the engine does not resend.
	require.Equal(t, 1, tr.calls())

	completes, errs := rec.counts()
	require.Zero(t, completes)
	require.Equal(t, 1, errs)
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	tr := &fakeTransport{respond: func(call int, _ *transport.Request) (*transport.Response, error) {
		if call == 1 {
			return nil, connRefused()
		}
		return sseResponse(frame.Start{}, frame.Text{Content: "Success after retry"}, frame.End{}), nil
	}}
	rec := newRecorder()
	eng := newEngine(t, tr, rec)

	require.NoError(t, eng.Send(context.Background(), chatReq))

	require.Equal(t, 2, tr.calls())
	st := eng.State()
	require.Equal(t, types.PhaseComplete, st.Phase)
	require.Equal(t, "Success after retry", st.TextContent)

	first := tr.requests[0].Header.Get("X-Request-ID")
	second := tr.requests[1].Header.Get("X-Request-ID")
	require.NotEmpty(t, first)
	require.NotEqual(t, first, second)

	completes, errs := rec.counts()
	require.Equal(t, 1, completes)
	require.Zero(t, errs)
}

func TestEngine_PlainTransportErrorRetried(t *testing.T) {
	calls := 0
	tr := transport.Func(func(context.Context, *transport.Request) (*transport.Response, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return sseResponse(frame.Start{}, frame.Text{Content: "recovered"}, frame.End{}), nil
	})
	eng := newEngine(t, tr, nil)

	require.NoError(t, eng.Send(context.Background(), chatReq))
	require.Equal(t, 2, calls)
	require.Equal(t, types.PhaseComplete, eng.State().Phase)
	require.Equal(t, "recovered", eng.State().TextContent)
}

func TestEngine_ZeroRetriesSingleAttempt(t *testing.T) {
	tr := &fakeTransport{respond: func(int, *transport.Request) (*transport.Response, error) {
		return nil, connRefused()
	}}
	eng := newEngine(t, tr, nil, func(c *Config) {
		c.Retry = &retry.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	})

	err := eng.Send(context.Background(), chatReq)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 1, exhausted.Attempts)
	require.Equal(t, 1, tr.calls())
}

func TestEngine_RetriesExhausted(t *testing.T) {
	tr := &fakeTransport{respond: func(int, *transport.Request) (*transport.Response, error) {
		return nil, connRefused()
	}}
	rec := newRecorder()
	eng := newEngine(t, tr, rec, func(c *Config) { c.Retry = fastRetry(2) })

	err := eng.Send(context.Background(), chatReq)

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, types.ErrKindTransport, serr.Kind)
	require.True(t, serr.Retryable)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)

	require.Equal(t, 3, tr.calls())
	require.Equal(t, types.PhaseError, eng.State().Phase)

	_, errs := rec.counts()
	require.Equal(t, 1, errs)
}

func TestEngine_CredentialFailureNotRetried(t *testing.T) {
	tr := &fakeTransport{respond: streamOf(frame.Start{}, frame.End{})}
	eng := newEngine(t, tr, nil, func(c *Config) { c.Credentials = auth.Static("") })

	err := eng.Send(context.Background(), chatReq)
	require.ErrorIs(t, err, auth.ErrNoToken)
	require.Zero(t, tr.calls())

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.False(t, serr.Retryable)
	require.Equal(t, types.PhaseError, eng.State().Phase)
}

func TestEngine_NonSuccessStatusNotRetried(t *testing.T) {
	tr := &fakeTransport{respond: func(int, *transport.Request) (*transport.Response, error) {
		return &transport.Response{
			StatusCode: http.StatusServiceUnavailable,
			Body:       io.NopCloser(strings.NewReader(`{"message":"overloaded"}`)),
		}, nil
	}}
	rec := newRecorder()
	eng := newEngine(t, tr, rec)

	err := eng.Send(context.Background(), chatReq)

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, types.ErrKindHTTP, serr.Kind)
	require.Equal(t, http.StatusServiceUnavailable, serr.StatusCode)
	require.Equal(t, "overloaded", serr.Message)
	require.Equal(t, 1, tr.calls())

	st := eng.State()
	require.Equal(t, types.PhaseError, st.Phase)
	require.Equal(t, http.StatusServiceUnavailable, st.Error.StatusCode)

	_, errs := rec.counts()
	require.Equal(t, 1, errs)
}

func TestEngine_UnexpectedEndOfStream(t *testing.T) {
	tr := &fakeTransport{respond: streamOf(frame.Start{}, frame.Text{Content: "half"})}
	rec := newRecorder()
	eng := newEngine(t, tr, rec)

	err := eng.Send(context.Background(), chatReq)

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, types.ErrKindUnexpectedEnd, serr.Kind)
	require.True(t, serr.Kind.IsProtocol())

	st := eng.State()
	require.Equal(t, types.PhaseError, st.Phase)
	require.Equal(t, "stream ended unexpectedly", st.Error.Message)
	require.Equal(t, "half", st.TextContent)

	_, errs := rec.counts()
	require.Equal(t, 1, errs)
}

func TestEngine_ReadErrorIsTerminal(t *testing.T) {
	boom := errors.New("connection reset by peer")
	tr := &fakeTransport{respond: func(int, *transport.Request) (*transport.Response, error) {
		body := io.MultiReader(
			bytes.NewReader(frame.EncodeAll(frame.Start{}, frame.Text{Content: "so far"})),
			iotestErrReader{err: boom},
		)
		return &transport.Response{StatusCode: http.StatusOK, Body: io.NopCloser(body)}, nil
	}}
	eng := newEngine(t, tr, nil)

	err := eng.Send(context.Background(), chatReq)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, tr.calls())

	st := eng.State()
	require.Equal(t, types.PhaseError, st.Phase)
	require.Equal(t, types.ErrKindProtocol, st.Error.Kind)
	require.Equal(t, "so far", st.TextContent)
}

type iotestErrReader struct{ err error }

func (r iotestErrReader) Read([]byte) (int, error) { return 0, r.err }

func TestEngine_ToolExecutions(t *testing.T) {
	tr := &fakeTransport{respond: streamOf(
		frame.Start{},
		frame.Status{Message: "Searching notes..."},
		frame.ToolStart{Tool: "search_notes", Arguments: json.RawMessage(`{"q":"go"}`), CallID: "X"},
		frame.ToolEnd{Tool: "search_notes", Result: json.RawMessage(`{"hits":2}`), CallID: "X", Success: true},
		frame.ToolEnd{Tool: "ghost", CallID: "Y", Success: false},
		frame.Text{Content: "done"},
		frame.End{},
	)}
	eng := newEngine(t, tr, nil)

	require.NoError(t, eng.Send(context.Background(), chatReq))

	st := eng.State()
	require.Len(t, st.ToolExecutions, 1)
	require.Equal(t, "X", st.ToolExecutions[0].CallID)
	require.Equal(t, types.ToolCompleted, st.ToolExecutions[0].Status)
	require.JSONEq(t, `{"hits":2}`, string(st.ToolExecutions[0].Result))
	require.Empty(t, st.StatusMessage)
}

func TestEngine_FramesAfterTerminalIgnored(t *testing.T) {
	tr := &fakeTransport{respond: streamOf(
		frame.Start{},
		frame.Text{Content: "a"},
		frame.End{},
		frame.Text{Content: "b"},
		frame.Error{Message: "late"},
	)}
	rec := newRecorder()
	eng := newEngine(t, tr, rec)

	require.NoError(t, eng.Send(context.Background(), chatReq))

	st := eng.State()
	require.Equal(t, types.PhaseComplete, st.Phase)
	require.Equal(t, "a", st.TextContent)
	require.Nil(t, st.Error)

	completes, errs := rec.counts()
	require.Equal(t, 1, completes)
	require.Zero(t, errs)
}

func TestEngine_MalformedFrameSkipped(t *testing.T) {
	tr := &fakeTransport{respond: func(int, *transport.Request) (*transport.Response, error) {
		var b bytes.Buffer
		b.Write(frame.EncodeAll(frame.Start{}, frame.Text{Content: "one "}))
		b.WriteString("event: text\ndata: {broken\n\n")
		b.Write(frame.EncodeAll(frame.Text{Content: "two"}, frame.End{}))
		return &transport.Response{StatusCode: http.StatusOK, Body: io.NopCloser(&b)}, nil
	}}
	eng := newEngine(t, tr, nil)

	require.NoError(t, eng.Send(context.Background(), chatReq))
	require.Equal(t, "one two", eng.State().TextContent)
}

func TestEngine_CancelPreservesContent(t *testing.T) {
	pr, pw := io.Pipe()
	tr := &fakeTransport{respond: pipeResponse(pr)}
	rec := newRecorder()
	eng := newEngine(t, tr, rec)

	done := make(chan error, 1)
	go func() { done <- eng.Send(context.Background(), chatReq) }()

	_, err := pw.Write(frame.EncodeAll(
		frame.Start{},
		frame.Text{Content: "Hello"},
		frame.Thinking{Content: "pondering"},
	))
	require.NoError(t, err)
	rec.waitFor(t, func(s types.SessionState) bool {
		return s.TextContent == "Hello" && s.ThinkingContent == "pondering"
	})

	eng.Cancel()
	require.NoError(t, <-done)

	st := eng.State()
	require.Equal(t, types.PhaseIdle, st.Phase)
	require.Equal(t, "Hello", st.TextContent)
	require.Equal(t, "pondering", st.ThinkingContent)
	require.Nil(t, st.Error)
	require.False(t, eng.Active())

	// The body was closed, so late frames cannot be delivered.
	_, err = pw.Write(frame.Encode(frame.Text{Content: " late"}))
	require.Error(t, err)
	require.Equal(t, "Hello", eng.State().TextContent)

	completes, errs := rec.counts()
	require.Zero(t, completes)
	require.Zero(t, errs)
}

func TestEngine_CancelWhileIdle(t *testing.T) {
	eng := newEngine(t, &fakeTransport{}, nil)
	eng.Cancel()
	require.Equal(t, types.NewSessionState(), eng.State())
}

func TestEngine_CancelDuringBackoff(t *testing.T) {
	tr := &fakeTransport{respond: func(int, *transport.Request) (*transport.Response, error) {
		return nil, connRefused()
	}}
	rec := newRecorder()
	eng := newEngine(t, tr, rec, func(c *Config) {
		c.Retry = &retry.Config{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 1}
	})

	done := make(chan error, 1)
	go func() { done <- eng.Send(context.Background(), chatReq) }()

	require.Eventually(t, func() bool { return tr.calls() == 1 }, 2*time.Second, time.Millisecond)
	eng.Cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after cancel")
	}
	require.Equal(t, types.PhaseIdle, eng.State().Phase)

	_, errs := rec.counts()
	require.Zero(t, errs)
}

func TestEngine_CallerContextCanceled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := &fakeTransport{respond: pipeResponse(pr)}
	rec := newRecorder()
	eng := newEngine(t, tr, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Send(ctx, chatReq) }()

	_, err := pw.Write(frame.EncodeAll(frame.Start{}, frame.Text{Content: "kept"}))
	require.NoError(t, err)
	rec.waitFor(t, func(s types.SessionState) bool { return s.TextContent == "kept" })

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	st := eng.State()
	require.Equal(t, types.PhaseIdle, st.Phase)
	require.Equal(t, "kept", st.TextContent)

	_, errs := rec.counts()
	require.Zero(t, errs)
}

func TestEngine_SendWhileActive(t *testing.T) {
	pr, pw := io.Pipe()
	tr := &fakeTransport{respond: pipeResponse(pr)}
	rec := newRecorder()
	eng := newEngine(t, tr, rec, withImages(image.ExecutorFunc(func(context.Context, image.Request) (*image.Response, error) {
		t.Error("image executor must not run while a send is active")
		return nil, nil
	})))

	done := make(chan error, 1)
	go func() { done <- eng.Send(context.Background(), chatReq) }()
	rec.waitFor(t, func(s types.SessionState) bool { return s.Phase == types.PhaseStreaming })

	require.ErrorIs(t, eng.Send(context.Background(), chatReq), ErrAlreadyActive)
	require.ErrorIs(t, eng.GenerateImage(context.Background(), image.Request{ConversationID: "conv-1", Prompt: "fox"}), ErrAlreadyActive)
	require.Equal(t, 1, tr.calls())

	_, err := pw.Write(frame.EncodeAll(frame.Start{}, frame.Text{Content: "once"}, frame.End{}))
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, "once", eng.State().TextContent)
}

func TestEngine_SendKeepsContentAcrossSends(t *testing.T) {
	tr := &fakeTransport{respond: func(call int, _ *transport.Request) (*transport.Response, error) {
		if call == 1 {
			return sseResponse(frame.Start{}, frame.Text{Content: "first"}, frame.Error{Message: "boom"}), nil
		}
		return sseResponse(frame.Start{}, frame.Text{Content: " second"}, frame.End{OutputTokens: 3}), nil
	}}
	eng := newEngine(t, tr, nil)

	require.Error(t, eng.Send(context.Background(), chatReq))
	require.NoError(t, eng.Send(context.Background(), chatReq))

	st := eng.State()
	require.Equal(t, types.PhaseComplete, st.Phase)
	require.Equal(t, "first second", st.TextContent)
	require.Nil(t, st.Error)
}

func TestEngine_Reset(t *testing.T) {
	tests := []struct {
		name   string
		frames []frame.Frame
	}{
		{"after complete", []frame.Frame{frame.Start{}, frame.Text{Content: "x"}, frame.End{LogID: "l"}}},
		{"after error", []frame.Frame{frame.Start{}, frame.Thinking{Content: "y"}, frame.Error{Message: "e"}}},
		{"after unexpected end", []frame.Frame{frame.Start{}, frame.Rag{LogID: "r", Entries: []types.RagContextEntry{{SourceID: "s"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newEngine(t, &fakeTransport{respond: streamOf(tt.frames...)}, nil)
			_ = eng.Send(context.Background(), chatReq)
			require.NotEqual(t, types.NewSessionState(), eng.State())

			eng.Reset()
			require.Equal(t, types.NewSessionState(), eng.State())
		})
	}
}

func TestEngine_RequestShape(t *testing.T) {
	temp := 0.2
	useRag := true

	tests := []struct {
		name     string
		mode     types.Mode
		req      types.SendRequest
		wantPath string
		wantBody string
	}{
		{
			name:     "chat",
			mode:     types.ModeChat,
			req:      types.SendRequest{ConversationID: "c 1", Content: "hi", Temperature: &temp, UseRag: &useRag},
			wantPath: "/chat/conversations/c%201/messages/stream",
			wantBody: `{"content":"hi","temperature":0.2,"useRag":true}`,
		},
		{
			name:     "agent",
			mode:     types.ModeAgent,
			req:      types.SendRequest{ConversationID: "c2", Content: "do it", Capabilities: []string{"notes", "tasks"}},
			wantPath: "/agent/conversations/c2/messages/stream",
			wantBody: `{"content":"do it","capabilities":["notes","tasks"]}`,
		},
		{
			name:     "request overrides engine mode",
			mode:     types.ModeChat,
			req:      types.SendRequest{ConversationID: "c3", Content: "go", Mode: types.ModeAgent},
			wantPath: "/agent/conversations/c3/messages/stream",
			wantBody: `{"content":"go"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{respond: streamOf(frame.Start{}, frame.End{})}
			eng := newEngine(t, tr, nil, func(c *Config) { c.Mode = tt.mode })

			require.NoError(t, eng.Send(context.Background(), tt.req))
			require.Equal(t, 1, tr.calls())

			got := tr.requests[0]
			require.Equal(t, http.MethodPost, got.Method)
			require.Equal(t, tt.wantPath, got.Path)
			require.JSONEq(t, tt.wantBody, string(got.Body))
			require.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
			require.Equal(t, "text/event-stream", got.Header.Get("Accept"))
		})
	}
}

func TestEngine_InvalidRequestLeavesStateAlone(t *testing.T) {
	tr := &fakeTransport{respond: streamOf(frame.Start{}, frame.End{})}
	rec := newRecorder()
	eng := newEngine(t, tr, rec)

	err := eng.Send(context.Background(), types.SendRequest{ConversationID: "c", Content: "   "})
	require.Error(t, err)
	require.Zero(t, tr.calls())
	require.Equal(t, types.NewSessionState(), eng.State())

	_, errs := rec.counts()
	require.Zero(t, errs)
}

func TestEngine_ImageFailure(t *testing.T) {
	exec := image.ExecutorFunc(func(context.Context, image.Request) (*image.Response, error) {
		return &image.Response{Success: false, Error: "Content policy violation"}, nil
	})
	rec := newRecorder()
	eng := newEngine(t, &fakeTransport{}, rec, withImages(exec))

	err := eng.GenerateImage(context.Background(), image.Request{ConversationID: "conv-1", Prompt: "a red fox"})

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, types.ErrKindImage, serr.Kind)

	st := eng.State()
	require.Equal(t, types.PhaseError, st.Phase)
	require.Equal(t, types.ImageStageError, st.ImageGeneration.Stage)
	require.Equal(t, "Content policy violation", st.ImageGeneration.Error)

	completes, errs := rec.counts()
	require.Zero(t, completes)
	require.Equal(t, 1, errs)
}

func TestEngine_ImageSuccess(t *testing.T) {
	var got image.Request
	exec := image.ExecutorFunc(func(_ context.Context, req image.Request) (*image.Response, error) {
		got = req
		return &image.Response{
			Success: true,
			Images:  []types.GeneratedImage{{Base64Data: "aGVsbG8=", MediaType: "image/png"}},
		}, nil
	})
	rec := newRecorder()
	eng := newEngine(t, &fakeTransport{}, rec, withImages(exec))

	req := image.Request{ConversationID: "conv-1", Prompt: "a red fox", Provider: "openai", Model: "dall-e-3"}
	require.NoError(t, eng.GenerateImage(context.Background(), req))
	require.Equal(t, req, got)

	st := eng.State()
	require.Equal(t, types.PhaseComplete, st.Phase)
	require.Equal(t, types.ImageStageComplete, st.ImageGeneration.Stage)
	require.Len(t, st.ImageGeneration.Images, 1)
	require.Equal(t, "image/png", st.ImageGeneration.Images[0].MediaType)
	require.Empty(t, st.ImageGeneration.Error)

	completes, errs := rec.counts()
	require.Equal(t, 1, completes)
	require.Zero(t, errs)
}

func TestEngine_ImageErrors(t *testing.T) {
	tests := []struct {
		name    string
		resp    *image.Response
		err     error
		wantMsg string
	}{
		{"no images", &image.Response{Success: true}, nil, "no images returned"},
		{"executor error", nil, errors.New("image service returned status 502: bad gateway"), "image service returned status 502: bad gateway"},
		{"failure without message", &image.Response{Success: false}, nil, "image generation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := image.ExecutorFunc(func(context.Context, image.Request) (*image.Response, error) {
				return tt.resp, tt.err
			})
			rec := newRecorder()
			eng := newEngine(t, &fakeTransport{}, rec, withImages(exec))

			require.Error(t, eng.GenerateImage(context.Background(), image.Request{ConversationID: "c", Prompt: "p"}))

			st := eng.State()
			require.Equal(t, types.PhaseError, st.Phase)
			require.Equal(t, types.ImageStageError, st.ImageGeneration.Stage)
			require.Equal(t, tt.wantMsg, st.ImageGeneration.Error)

			_, errs := rec.counts()
			require.Equal(t, 1, errs)
		})
	}
}

func TestEngine_ImageRequestingStage(t *testing.T) {
	release := make(chan struct{})
	exec := image.ExecutorFunc(func(ctx context.Context, _ image.Request) (*image.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &image.Response{Success: true, Images: []types.GeneratedImage{{Base64Data: "eA==", MediaType: "image/png"}}}, nil
	})
	rec := newRecorder()
	eng := newEngine(t, &fakeTransport{}, rec, withImages(exec))

	done := make(chan error, 1)
	go func() { done <- eng.GenerateImage(context.Background(), image.Request{ConversationID: "c", Prompt: "p"}) }()

	rec.waitFor(t, func(s types.SessionState) bool {
		return s.ImageGeneration.Stage == types.ImageStageRequesting && s.Phase == types.PhaseSending
	})
	eng.Cancel()
	require.NoError(t, <-done)

	st := eng.State()
	require.Equal(t, types.PhaseIdle, st.Phase)
	require.Equal(t, types.ImageStageIdle, st.ImageGeneration.Stage)
	close(release)
}

func TestEngine_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	tr := &fakeTransport{respond: func(call int, _ *transport.Request) (*transport.Response, error) {
		if call == 1 {
			return sseResponse(frame.Start{}, frame.End{}), nil
		}
		return sseResponse(frame.Start{}, frame.Error{Message: "nope"}), nil
	}}
	eng := newEngine(t, tr, nil, func(c *Config) { c.Tracer = tp.Tracer("test") })

	require.NoError(t, eng.Send(context.Background(), chatReq))
	require.Error(t, eng.Send(context.Background(), chatReq))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "engine.send", spans[0].Name())
	require.Equal(t, codes.Ok, spans[0].Status().Code)
	require.Equal(t, codes.Error, spans[1].Status().Code)
	require.Equal(t, "nope", spans[1].Status().Description)
}

func TestEngine_RetryAttemptsBound(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxRetries := rapid.IntRange(0, 3).Draw(t, "maxRetries")
		failures := rapid.IntRange(0, maxRetries+1).Draw(t, "failures")

		tr := &fakeTransport{respond: func(call int, _ *transport.Request) (*transport.Response, error) {
			if call <= failures {
				return nil, connRefused()
			}
			return sseResponse(frame.Start{}, frame.Text{Content: "ok"}, frame.End{}), nil
		}}
		eng, err := New(Config{Transport: tr, Credentials: auth.Static("tok"), Retry: fastRetry(maxRetries)})
		if err != nil {
			t.Fatalf("new engine: %v", err)
		}

		err = eng.Send(context.Background(), chatReq)
		phase := eng.State().Phase

		if failures <= maxRetries {
			if err != nil || phase != types.PhaseComplete {
				t.Fatalf("want complete, got phase %v err %v", phase, err)
			}
			if tr.calls() != failures+1 {
				t.Fatalf("want %d attempts, got %d", failures+1, tr.calls())
			}
			return
		}

		if phase != types.PhaseError {
			t.Fatalf("want error phase, got %v", phase)
		}
		if tr.calls() != maxRetries+1 {
			t.Fatalf("want %d attempts, got %d", maxRetries+1, tr.calls())
		}
	})
}
