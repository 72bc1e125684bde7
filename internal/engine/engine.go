// Package engine drives a streaming session against the generation service.
// It issues the request through the retry controller, applies frames to the
// session state as they arrive, and runs the image sub-flow alongside.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ashutoshrp06/brainstream/internal/auth"
	"github.com/ashutoshrp06/brainstream/internal/frame"
	"github.com/ashutoshrp06/brainstream/internal/image"
	"github.com/ashutoshrp06/brainstream/internal/retry"
	"github.com/ashutoshrp06/brainstream/internal/transport"
	"github.com/ashutoshrp06/brainstream/internal/types"
	"github.com/ashutoshrp06/brainstream/internal/validator"
)

const (
	tracerName   = "github.com/ashutoshrp06/brainstream/internal/engine"
	maxErrorBody = 4096
)

// Callbacks receive session events. All of them are optional and run on the
// goroutine that drives the request, except the OnUpdate fired by Cancel and
// Reset, which runs on the caller's goroutine.
type Callbacks struct {
	// OnUpdate receives a snapshot after every state change.
	OnUpdate func(types.SessionState)
	// OnComplete fires once per successful send or image request.
	OnComplete func(types.SessionState)
	// OnError fires once per failed send or image request. It never fires
	// for cancellation.
	OnError func(*SessionError)
}

// Config holds engine configuration.
type Config struct {
	Transport     transport.Transport
	Credentials   auth.Supplier
	ImageExecutor image.Executor
	// Retry configures pre-response retries. Nil means retry.DefaultConfig();
	// MaxRetries 0 makes a single attempt.
	Retry *retry.Config
	// Mode is used when a SendRequest leaves Mode empty. Defaults to chat.
	Mode      types.Mode
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Callbacks Callbacks
}

// Engine is a single-session, single-flight streaming client.
type Engine struct {
	transport   transport.Transport
	credentials auth.Supplier
	images      image.Executor
	retry       retry.Config
	mode        types.Mode
	logger      *zap.Logger
	tracer      trace.Tracer
	callbacks   Callbacks
	input       *validator.InputValidator
	output      *validator.OutputValidator

	mu     sync.Mutex
	state  types.SessionState
	active bool
	// gen identifies the current run; Cancel and Reset bump it so a
	// superseded run can no longer write state.
	gen    uint64
	cancel context.CancelFunc
}

// New creates an engine in the Idle phase.
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credentials supplier is required")
	}

	if cfg.Mode == "" {
		cfg.Mode = types.ModeChat
	}
	if cfg.Mode != types.ModeChat && cfg.Mode != types.ModeAgent {
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	rc := retry.DefaultConfig()
	if cfg.Retry != nil {
		rc = *cfg.Retry
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}

	return &Engine{
		transport:   cfg.Transport,
		credentials: cfg.Credentials,
		images:      cfg.ImageExecutor,
		retry:       rc,
		mode:        cfg.Mode,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		callbacks:   cfg.Callbacks,
		input:       validator.NewInputValidator(),
		output:      validator.NewOutputValidator(),
		state:       types.NewSessionState(),
	}, nil
}

// State returns a deep copy of the current session state.
func (e *Engine) State() types.SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Active reports whether a send or image request is in flight.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Mode returns the mode used for requests that do not name one.
func (e *Engine) Mode() types.Mode {
	return e.mode
}

// Send streams one request and blocks until it finishes. It returns nil on
// completion and after Cancel, ctx.Err() when ctx ends first, and a
// *SessionError on terminal failure. Accumulated content from earlier sends is
// kept; only Reset clears it.
func (e *Engine) Send(ctx context.Context, req types.SendRequest) error {
	if err := e.input.Validate(req); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	mode := req.Mode
	if mode == "" {
		mode = e.mode
	}
	path, body, err := buildRequest(mode, req)
	if err != nil {
		return err
	}

	runCtx, cancel, gen, err := e.begin(ctx, func(s *types.SessionState) {
		s.Phase = types.PhaseSending
		s.Error = nil
		s.TokenCounts = nil
		s.StatusMessage = ""
	})
	if err != nil {
		return err
	}
	defer cancel()

	runCtx, span := e.tracer.Start(runCtx, "engine.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("brainstream.mode", string(mode)),
			attribute.String("brainstream.conversation_id", req.ConversationID),
		),
	)
	defer span.End()

	logger := e.logger.With(
		zap.String("conversation_id", req.ConversationID),
		zap.String("mode", string(mode)))
	logger.Info("Send started")

	err = e.stream(ctx, runCtx, gen, path, body, span, logger)

	var serr *SessionError
	if errors.As(err, &serr) {
		span.RecordError(err)
		span.SetStatus(codes.Error, serr.Message)
	} else if err == nil {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func (e *Engine) stream(ctx, runCtx context.Context, gen uint64, path string, body []byte, span trace.Span, logger *zap.Logger) error {
	resp, err := retry.Do(runCtx, e.retry,
		func(ctx context.Context, attempt int) (*transport.Response, error) {
			span.SetAttributes(attribute.Int("brainstream.attempts", attempt))
			return e.attempt(ctx, path, body, attempt, logger)
		},
		func(attempt int, err error, wait time.Duration) {
			logger.Warn("Transport attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err))
			span.AddEvent("retry", trace.WithAttributes(attribute.Int("brainstream.attempt", attempt)))
		})
	if err != nil {
		if runCtx.Err() != nil {
			return e.interrupted(ctx, gen)
		}
		return e.fail(gen, transportFailure(err), logger)
	}
	defer resp.Body.Close()

	if !resp.OK() {
		return e.fail(gen, httpFailure(resp), logger)
	}

	// Closing the body unblocks a pending read when the run is canceled.
	stop := context.AfterFunc(runCtx, func() { _ = resp.Body.Close() })
	defer stop()

	if _, ok := e.update(gen, func(s *types.SessionState) { s.Phase = types.PhaseStreaming }); !ok {
		return nil
	}

	dec := frame.NewDecoder(resp.Body, frame.WithMalformedHandler(func(err error) {
		logger.Warn("Skipping malformed frame", zap.Error(err))
	}))

	for {
		if runCtx.Err() != nil {
			return e.interrupted(ctx, gen)
		}

		f, err := dec.Next()
		if err != nil {
			if runCtx.Err() != nil {
				return e.interrupted(ctx, gen)
			}
			if errors.Is(err, io.EOF) {
				return e.fail(gen, &SessionError{
					Kind:    types.ErrKindUnexpectedEnd,
					Message: "stream ended unexpectedly",
				}, logger)
			}
			return e.fail(gen, &SessionError{
				Kind:    types.ErrKindProtocol,
				Message: fmt.Sprintf("read stream: %v", err),
				Err:     err,
			}, logger)
		}

		snap, ok := e.apply(gen, f)
		if !ok {
			return nil
		}

		switch f := f.(type) {
		case frame.End:
			logger.Info("Send complete",
				zap.Int("input_tokens", f.InputTokens),
				zap.Int("output_tokens", f.OutputTokens),
				zap.Int("tool_executions", len(snap.ToolExecutions)))
			if e.callbacks.OnComplete != nil {
				e.callbacks.OnComplete(snap)
			}
			return nil

		case frame.Error:
			serr := &SessionError{
				Kind:      types.ErrKindProtocol,
				Message:   f.Message,
				Retryable: f.Retryable,
			}
			logger.Warn("Stream reported error",
				zap.String("message", f.Message),
				zap.Bool("retryable", f.Retryable))
			e.onError(serr)
			return serr
		}
	}
}

// attempt issues one transport call with fresh credentials and request id.
func (e *Engine) attempt(ctx context.Context, path string, body []byte, attempt int, logger *zap.Logger) (*transport.Response, error) {
	token, err := e.credentials.Token(ctx)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("resolve credentials: %w", err))
	}

	requestID := uuid.NewString()
	logger.Debug("Issuing request",
		zap.Int("attempt", attempt),
		zap.String("request_id", requestID),
		zap.String("path", path))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Accept", "text/event-stream")
	header.Set("Content-Type", "application/json")
	header.Set("X-Request-ID", requestID)

	return e.transport.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   path,
		Header: header,
		Body:   body,
	})
}

// GenerateImage runs the single-shot image request. It shares the in-flight
// guard with Send and reports through the same phase and callbacks.
func (e *Engine) GenerateImage(ctx context.Context, req image.Request) error {
	if e.images == nil {
		return errors.New("image executor not configured")
	}
	if err := e.input.ValidatePrompt(req.ConversationID, req.Prompt); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	runCtx, cancel, gen, err := e.begin(ctx, func(s *types.SessionState) {
		s.Phase = types.PhaseSending
		s.Error = nil
		s.StatusMessage = ""
		s.ImageGeneration = types.ImageGenerationState{Stage: types.ImageStageRequesting}
	})
	if err != nil {
		return err
	}
	defer cancel()

	runCtx, span := e.tracer.Start(runCtx, "engine.generate_image",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("brainstream.conversation_id", req.ConversationID),
			attribute.String("brainstream.image.provider", req.Provider),
			attribute.String("brainstream.image.model", req.Model),
		),
	)
	defer span.End()

	logger := e.logger.With(
		zap.String("conversation_id", req.ConversationID),
		zap.String("provider", req.Provider),
		zap.String("model", req.Model))
	logger.Info("Image generation started")

	resp, err := e.images.Generate(runCtx, req)
	if runCtx.Err() != nil {
		return e.interrupted(ctx, gen)
	}
	if err == nil {
		err = e.output.ValidateImage(resp)
	}

	if err != nil {
		serr := &SessionError{Kind: types.ErrKindImage, Message: err.Error(), Err: err}
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Message)

		if _, ok := e.finish(gen, func(s *types.SessionState) {
			s.Phase = types.PhaseError
			s.Error = serr.info()
			s.ImageGeneration = types.ImageGenerationState{
				Stage: types.ImageStageError,
				Error: serr.Message,
			}
		}); !ok {
			return nil
		}
		logger.Warn("Image generation failed", zap.Error(err))
		e.onError(serr)
		return serr
	}

	images := make([]types.GeneratedImage, len(resp.Images))
	copy(images, resp.Images)

	snap, ok := e.finish(gen, func(s *types.SessionState) {
		s.Phase = types.PhaseComplete
		s.ImageGeneration = types.ImageGenerationState{
			Stage:  types.ImageStageComplete,
			Images: images,
		}
	})
	if !ok {
		return nil
	}

	span.SetAttributes(attribute.Int("brainstream.image.count", len(images)))
	span.SetStatus(codes.Ok, "")
	logger.Info("Image generation complete", zap.Int("images", len(images)))
	if e.callbacks.OnComplete != nil {
		e.callbacks.OnComplete(snap)
	}
	return nil
}

// Cancel aborts the in-flight request. The phase returns to Idle and
// accumulated content is kept. It is a no-op when nothing is in flight.
func (e *Engine) Cancel() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.abortLocked()
	snap := e.state.Clone()
	e.mu.Unlock()

	cancel()
	e.logger.Info("Request canceled")
	e.emitUpdate(snap)
}

// Reset restores the construction-time state. It does not abort an in-flight
// request; call Cancel first. A request still running after Reset can no
// longer change state.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.gen++
	e.active = false
	e.cancel = nil
	e.state = types.NewSessionState()
	snap := e.state.Clone()
	e.mu.Unlock()

	e.emitUpdate(snap)
}

func (e *Engine) begin(ctx context.Context, mutate func(*types.SessionState)) (context.Context, context.CancelFunc, uint64, error) {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return nil, nil, 0, ErrAlreadyActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.gen++
	e.active = true
	e.cancel = cancel
	gen := e.gen
	mutate(&e.state)
	snap := e.state.Clone()
	e.mu.Unlock()

	e.emitUpdate(snap)
	return runCtx, cancel, gen, nil
}

// update mutates state if run gen is still current.
func (e *Engine) update(gen uint64, mutate func(*types.SessionState)) (types.SessionState, bool) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return types.SessionState{}, false
	}
	mutate(&e.state)
	snap := e.state.Clone()
	e.mu.Unlock()

	e.emitUpdate(snap)
	return snap, true
}

// finish is update for the last state change of a run.
func (e *Engine) finish(gen uint64, mutate func(*types.SessionState)) (types.SessionState, bool) {
	return e.update(gen, func(s *types.SessionState) {
		mutate(s)
		e.active = false
		e.cancel = nil
	})
}

func (e *Engine) apply(gen uint64, f frame.Frame) (types.SessionState, bool) {
	mutate := func(s *types.SessionState) { *s = Apply(*s, f) }
	if frame.IsTerminal(f) {
		return e.finish(gen, mutate)
	}
	return e.update(gen, mutate)
}

func (e *Engine) fail(gen uint64, serr *SessionError, logger *zap.Logger) error {
	if _, ok := e.finish(gen, func(s *types.SessionState) {
		s.Phase = types.PhaseError
		s.Error = serr.info()
		s.StatusMessage = ""
	}); !ok {
		return nil
	}

	logger.Warn("Send failed",
		zap.String("kind", string(serr.Kind)),
		zap.Int("status_code", serr.StatusCode),
		zap.Error(serr))
	e.onError(serr)
	return serr
}

// interrupted handles a run whose context ended. After Cancel the state was
// already reset to Idle; a caller-side ctx cancellation is treated the same way.
func (e *Engine) interrupted(ctx context.Context, gen uint64) error {
	e.mu.Lock()
	current := e.gen == gen
	if current {
		e.abortLocked()
	}
	snap := e.state.Clone()
	e.mu.Unlock()

	if current {
		e.logger.Info("Request interrupted by context", zap.Error(ctx.Err()))
		e.emitUpdate(snap)
	}
	return ctx.Err()
}

func (e *Engine) abortLocked() {
	e.gen++
	e.active = false
	e.cancel = nil
	e.state.Phase = types.PhaseIdle
	e.state.StatusMessage = ""
	if e.state.ImageGeneration.Stage == types.ImageStageRequesting {
		e.state.ImageGeneration.Stage = types.ImageStageIdle
	}
}

func (e *Engine) emitUpdate(s types.SessionState) {
	if e.callbacks.OnUpdate != nil {
		e.callbacks.OnUpdate(s)
	}
}

func (e *Engine) onError(serr *SessionError) {
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(serr)
	}
}

func transportFailure(err error) *SessionError {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return &SessionError{
			Kind:      types.ErrKindTransport,
			Message:   exhausted.Error(),
			Retryable: true,
			Err:       err,
		}
	}
	return &SessionError{Kind: types.ErrKindTransport, Message: err.Error(), Err: err}
}

func httpFailure(resp *transport.Response) *SessionError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := errorDetail(raw)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}

	return &SessionError{
		Kind:       types.ErrKindHTTP,
		Message:    msg,
		StatusCode: resp.StatusCode,
	}
}

func errorDetail(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
