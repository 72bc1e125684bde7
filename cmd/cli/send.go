package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ashutoshrp06/brainstream/internal/auth"
	"github.com/ashutoshrp06/brainstream/internal/config"
	"github.com/ashutoshrp06/brainstream/internal/engine"
	"github.com/ashutoshrp06/brainstream/internal/image"
	"github.com/ashutoshrp06/brainstream/internal/legacy"
	"github.com/ashutoshrp06/brainstream/internal/tracing"
	"github.com/ashutoshrp06/brainstream/internal/transport"
	"github.com/ashutoshrp06/brainstream/internal/types"
)

// jwtLeeway tolerates clock skew when checking the token's exp claim.
const jwtLeeway = 30 * time.Second

var capabilities []string

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Stream a chat answer",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runOneShot(cmd, types.ModeChat, args)
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent <message>",
	Short: "Stream an agent answer with tool calls",
	Long: `Stream an agent answer. Tool calls made by the agent are shown as
they start and finish.

Examples:
  brainstream agent "Summarize my notes from this week"
  brainstream agent --capability tasks --capability calendar "Plan tomorrow"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runOneShot(cmd, types.ModeAgent, args)
	},
}

func init() {
	agentCmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Capability the agent may use (repeatable)")
}

func newEngine(cfg *config.Config, logger *zap.Logger, tracer trace.Tracer, callbacks engine.Callbacks) (*engine.Engine, error) {
	creds := auth.NewJWT(auth.Static(cfg.API.Token), jwtLeeway)
	rc := cfg.RetryConfig()

	return engine.New(engine.Config{
		Transport:     transport.NewHTTP(cfg.TransportConfig()),
		Credentials:   creds,
		ImageExecutor: image.NewClient(cfg.API.BaseURL, creds, cfg.ImageTimeout()),
		Retry:         &rc,
		Mode:          cfg.Mode(),
		Logger:        logger,
		Tracer:        tracer,
		Callbacks:     callbacks,
	})
}

func imageRequest(cfg *config.Config, convID, prompt string) image.Request {
	return image.Request{
		ConversationID: convID,
		Prompt:         prompt,
		Provider:       cfg.Image.Provider,
		Model:          cfg.Image.Model,
	}
}

// send streams one request to out and returns the final state. An interrupt
// cancels the request and keeps what was received.
func send(ctx context.Context, out io.Writer, cfg *config.Config, logger *zap.Logger, req types.SendRequest) (types.SessionState, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	p := newPrinter(out)
	provider := startTracing(ctx, cfg, logger)
	defer stopTracing(provider, logger)

	eng, err := newEngine(cfg, logger, provider.Tracer(), engine.Callbacks{OnUpdate: p.update})
	if err != nil {
		return types.NewSessionState(), fmt.Errorf("initialize engine: %w", err)
	}

	stop := cancelOnInterrupt(eng)
	defer stop()

	err = eng.Send(ctx, req)
	state := eng.State()
	p.finish(state)
	return state, err
}

// startTracing falls back to a no-op tracer when the exporter cannot be built.
func startTracing(ctx context.Context, cfg *config.Config, logger *zap.Logger) *tracing.Provider {
	tc := cfg.TracingConfig()
	if traceSpans {
		tc.Enabled = true
	}

	provider, err := tracing.NewProvider(ctx, tc)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		provider, _ = tracing.NewProvider(ctx, tracing.Config{})
	}
	return provider
}

func stopTracing(p *tracing.Provider, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Warn("Failed to flush traces", zap.Error(err))
	}
}

// cancelOnInterrupt cancels the engine's request on the first interrupt.
func cancelOnInterrupt(eng *engine.Engine) func() {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt)

	go func() {
		select {
		case <-sigs:
			eng.Cancel()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func exitWithError(cfg *config.Config, err error) {
	var serr *engine.SessionError
	if errors.As(err, &serr) && serr.Kind == types.ErrKindTransport {
		printConnectionHelp(cfg)
	}
	printError("Request failed", err)
	os.Exit(1)
}

func printLegacy(out io.Writer, s types.SessionState) {
	data, err := json.MarshalIndent(legacy.FromState(s), "", "  ")
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(out, string(data))
}

var (
	dimStyle     = lipgloss.NewStyle().Foreground(theme.TextDim)
	toolStyle    = lipgloss.NewStyle().Foreground(theme.Accent).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(theme.Success)
	failStyle    = lipgloss.NewStyle().Foreground(theme.Error)
)

// printer writes the growth of each snapshot to out: new text as it
// arrives, status lines and tool transitions on lines of their own.
type printer struct {
	mu       sync.Mutex
	out      io.Writer
	text     int
	thinking int
	status   string
	tools    map[string]types.ToolStatus
	midLine  bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, tools: make(map[string]types.ToolStatus)}
}

func (p *printer) update(s types.SessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A reset shrinks the content; start over.
	if len(s.TextContent) < p.text || len(s.ThinkingContent) < p.thinking {
		p.text, p.thinking = 0, 0
	}

	if s.StatusMessage != "" && s.StatusMessage != p.status {
		p.line(dimStyle.Render("… " + s.StatusMessage))
	}
	p.status = s.StatusMessage

	if len(s.ThinkingContent) > p.thinking {
		p.write(dimStyle.Render(s.ThinkingContent[p.thinking:]))
		p.thinking = len(s.ThinkingContent)
	}

	for _, rec := range s.ToolExecutions {
		if p.tools[rec.CallID] == rec.Status {
			continue
		}
		p.tools[rec.CallID] = rec.Status
		switch rec.Status {
		case types.ToolRunning:
			p.line(toolStyle.Render("⚙ "+rec.Tool) + dimStyle.Render(" running"))
		case types.ToolCompleted:
			p.line(toolStyle.Render("⚙ "+rec.Tool) + successStyle.Render(" done"))
		case types.ToolFailed:
			p.line(toolStyle.Render("⚙ "+rec.Tool) + failStyle.Render(" failed"))
		}
	}

	if len(s.TextContent) > p.text {
		p.write(s.TextContent[p.text:])
		p.text = len(s.TextContent)
	}
}

// finish ends the output with a summary of the final state.
func (p *printer) finish(s types.SessionState) {
	p.update(s)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}

	switch {
	case s.Phase == types.PhaseComplete && s.TokenCounts != nil:
		fmt.Fprintln(p.out, dimStyle.Render(fmt.Sprintf("[%d in / %d out tokens]", s.TokenCounts.Input, s.TokenCounts.Output)))
	case s.Phase == types.PhaseIdle && s.TextContent != "":
		fmt.Fprintln(p.out, dimStyle.Render("[canceled]"))
	}
}

func (p *printer) write(s string) {
	fmt.Fprint(p.out, s)
	p.midLine = !strings.HasSuffix(s, "\n")
}

func (p *printer) line(s string) {
	if p.midLine {
		fmt.Fprintln(p.out)
	}
	fmt.Fprintln(p.out, s)
	p.midLine = false
}
